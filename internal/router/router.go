// Package router classifies inbound envelopes and dispatches them to the
// connection registry, the directory client and the presence notifier.
//
// Delivery is at-most-once and best-effort throughout: a failure abandons
// the single envelope that caused it, is logged and counted, and is never
// reported back to the sending client.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/Okasha-Arshad/chitchat-backend/internal/metrics"
	"github.com/Okasha-Arshad/chitchat-backend/internal/presence"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/config"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/directory"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/registry"
)

type Router struct {
	logger    *slog.Logger
	registry  registry.Registry
	directory directory.Client
	notifier  *presence.Notifier
	metrics   *metrics.Metrics
	cfg       config.RelayConfig
	validate  *validator.Validate
}

func New(logger *slog.Logger, reg registry.Registry, dir directory.Client, notifier *presence.Notifier, m *metrics.Metrics, cfg config.RelayConfig) *Router {
	return &Router{
		logger:    logger.With(slog.String("component", "router")),
		registry:  reg,
		directory: dir,
		notifier:  notifier,
		metrics:   m,
		cfg:       cfg,
		validate:  validator.New(),
	}
}

// HandleMessage interprets one inbound frame from conn. Malformed envelopes
// and unknown types are dropped without closing the connection; a connection
// that has not logged in yet gets silent no-ops for everything but login.
func (r *Router) HandleMessage(ctx context.Context, conn registry.Handle, msg []byte) {
	typ := gjson.GetBytes(msg, "type")
	if !typ.Exists() || typ.Type != gjson.String {
		r.drop(conn, metrics.ReasonMalformed, "envelope missing type tag")
		return
	}
	r.metrics.ObserveEnvelope(typ.String())

	if typ.String() == TypeLogin {
		r.handleLogin(conn, msg)
		return
	}

	// Everything below routes on identity; a connection that never logged in
	// is accepted but produces no effects.
	if _, bound := r.registry.IdentityOf(conn); !bound {
		r.drop(conn, metrics.ReasonPreLogin, "envelope before login")
		return
	}

	switch typ.String() {
	case TypeMessage:
		r.handleDirect(conn, msg)
	case TypeGroupMessage:
		r.handleGroup(ctx, conn, msg)
	case TypeTyping:
		r.handleTyping(conn, msg)
	case TypeGroupTyping:
		r.handleGroupTyping(ctx, conn, msg)
	default:
		r.drop(conn, metrics.ReasonUnknownType, "unknown envelope type", slog.String("type", typ.String()))
	}
}

// HandleDisconnect reaps the registry entry owned by conn and, if it was
// bound, broadcasts the offline status exactly once.
func (r *Router) HandleDisconnect(conn registry.Handle) {
	userID, ok := r.registry.Unbind(conn)
	r.metrics.SetConnectedClients(r.registry.Len())
	if !ok {
		return
	}
	r.logger.Info("user disconnected", slog.String("userID", userID))
	r.notifier.BroadcastStatus(userID, presence.StatusOffline)
}

func (r *Router) handleLogin(conn registry.Handle, msg []byte) {
	var env loginEnvelope
	if !r.decode(conn, msg, &env) {
		return
	}

	// A bound connection keeps its original identity. A second login with a
	// different userId is dropped; the same userId rebinds idempotently.
	if bound, ok := r.registry.IdentityOf(conn); ok && bound != env.UserID {
		r.drop(conn, metrics.ReasonRebindConflict, "login on already-bound connection",
			slog.String("boundUserID", bound), slog.String("userID", env.UserID))
		return
	}

	replaced := r.registry.Bind(env.UserID, conn)
	if replaced != nil && r.cfg.CloseReplacedConnections {
		r.logger.Info("closing replaced connection", slog.String("userID", env.UserID))
		replaced.Close(errors.New("identity logged in on a new connection"))
	}
	r.metrics.SetConnectedClients(r.registry.Len())

	r.logger.Info("user logged in", slog.String("userID", env.UserID))
	r.notifier.BroadcastStatus(env.UserID, presence.StatusOnline)
}

func (r *Router) handleDirect(conn registry.Handle, msg []byte) {
	var env messageEnvelope
	if !r.decode(conn, msg, &env) {
		return
	}

	if handle, ok := r.registry.Lookup(env.RecipientID); ok {
		payload, err := json.Marshal(messagePayload{
			Type:     TypeMessage,
			Text:     env.Text,
			SenderID: env.UserID,
			ImageURL: env.ImageURL,
		})
		if err != nil {
			r.logger.Error("failed to marshal message payload", slog.Any("error", err))
			return
		}
		if err := handle.Send(payload); err != nil {
			r.drop(conn, metrics.ReasonSendFailed, "direct send failed",
				slog.String("recipientID", env.RecipientID), slog.Any("error", err))
		} else {
			r.metrics.ObserveDelivery()
		}
	} else {
		r.drop(conn, metrics.ReasonRecipientUnavailable, "recipient not connected",
			slog.String("recipientID", env.RecipientID))
	}

	// The typing indicator is cleared whether or not delivery happened.
	r.notifier.NotifyTyping(env.RecipientID, env.UserID, false)
}

func (r *Router) handleGroup(ctx context.Context, conn registry.Handle, msg []byte) {
	var env groupMessageEnvelope
	if !r.decode(conn, msg, &env) {
		return
	}

	// Membership is resolved before touching the registry, and never under
	// its lock. A store failure abandons the envelope with no partial fan-out.
	members, err := r.directory.GroupMembers(ctx, env.GroupID)
	if err != nil {
		r.metrics.ObserveDirectoryError()
		r.logger.Error("group fan-out abandoned",
			slog.String("groupID", env.GroupID), slog.Any("error", err))
		return
	}

	payload, err := json.Marshal(groupMessagePayload{
		Type:     TypeGroupMessage,
		Text:     env.Text,
		SenderID: env.UserID,
		ImageURL: env.ImageURL,
	})
	if err != nil {
		r.logger.Error("failed to marshal group message payload", slog.Any("error", err))
		return
	}

	for _, member := range members {
		if !r.cfg.IncludeSenderInGroupFanout && member == env.UserID {
			continue
		}
		handle, ok := r.registry.Lookup(member)
		if !ok {
			continue
		}
		if err := handle.Send(payload); err != nil {
			r.logger.Debug("group send dropped", slog.String("member", member), slog.Any("error", err))
			continue
		}
		r.metrics.ObserveDelivery()
	}

	// Clear the sender's group-typing indicator, reusing the membership
	// resolved above rather than paying a second store round trip.
	r.notifier.NotifyGroupTypingMembers(members, env.UserID, env.GroupID, false)
}

func (r *Router) handleTyping(conn registry.Handle, msg []byte) {
	var env typingEnvelope
	if !r.decode(conn, msg, &env) {
		return
	}
	r.notifier.NotifyTyping(env.RecipientID, env.UserID, *env.IsTyping)
}

func (r *Router) handleGroupTyping(ctx context.Context, conn registry.Handle, msg []byte) {
	var env groupTypingEnvelope
	if !r.decode(conn, msg, &env) {
		return
	}
	if err := r.notifier.NotifyGroupTyping(ctx, env.UserID, env.GroupID, *env.IsTyping); err != nil {
		r.metrics.ObserveDirectoryError()
		r.logger.Error("group typing fan-out abandoned",
			slog.String("groupID", env.GroupID), slog.Any("error", err))
	}
}

// decode unmarshals and validates one envelope variant, dropping the frame
// on any failure.
func (r *Router) decode(conn registry.Handle, msg []byte, env any) bool {
	if err := json.Unmarshal(msg, env); err != nil {
		r.drop(conn, metrics.ReasonMalformed, "envelope unmarshal failed", slog.Any("error", err))
		return false
	}
	if err := r.validate.Struct(env); err != nil {
		r.drop(conn, metrics.ReasonMalformed, "envelope missing required fields", slog.Any("error", err))
		return false
	}
	return true
}

func (r *Router) drop(conn registry.Handle, reason, msg string, args ...any) {
	r.metrics.DropEnvelope(reason)
	args = append(args, slog.String("connID", conn.ID().String()), slog.String("reason", reason))
	r.logger.Debug(msg, args...)
}
