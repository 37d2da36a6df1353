package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the relay's observability collaborator. Routing failures are
// counted here and logged, never surfaced to the originating client.
type Metrics struct {
	EnvelopesTotal        *prometheus.CounterVec
	EnvelopesDroppedTotal *prometheus.CounterVec
	DeliveriesTotal       prometheus.Counter
	DirectoryErrorsTotal  prometheus.Counter
	ConnectedClients      prometheus.Gauge
}

// Drop reasons recorded on EnvelopesDroppedTotal.
const (
	ReasonMalformed            = "malformed"
	ReasonUnknownType          = "unknown_type"
	ReasonPreLogin             = "pre_login"
	ReasonRecipientUnavailable = "recipient_unavailable"
	ReasonSendFailed           = "send_failed"
	ReasonRebindConflict       = "rebind_conflict"
)

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EnvelopesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chitchat_envelopes_total",
			Help: "Total number of inbound envelopes by type",
		}, []string{"type"}),
		EnvelopesDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chitchat_envelopes_dropped_total",
			Help: "Total number of envelopes dropped without delivery, by reason",
		}, []string{"reason"}),
		DeliveriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chitchat_deliveries_total",
			Help: "Total number of payloads handed to a recipient connection",
		}),
		DirectoryErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chitchat_directory_errors_total",
			Help: "Total number of failed directory store round trips",
		}),
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "chitchat_connected_clients",
			Help: "Number of identities currently bound to a live connection",
		}),
	}
}

func (m *Metrics) ObserveEnvelope(envelopeType string) {
	m.EnvelopesTotal.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) DropEnvelope(reason string) {
	m.EnvelopesDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveDelivery() {
	m.DeliveriesTotal.Inc()
}

func (m *Metrics) ObserveDirectoryError() {
	m.DirectoryErrorsTotal.Inc()
}

func (m *Metrics) SetConnectedClients(count int) {
	m.ConnectedClients.Set(float64(count))
}
