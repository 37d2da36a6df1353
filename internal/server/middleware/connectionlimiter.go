package middleware

import (
	"log/slog"
	"net/http"

	"github.com/Okasha-Arshad/chitchat-backend/pkg/config"
)

// ConnectionCounter reports how many connections are currently registered.
type ConnectionCounter func() int

// NewConnectionLimiter rejects upgrade requests once the registry holds the
// configured maximum number of live connections.
func NewConnectionLimiter(logger *slog.Logger, counter ConnectionCounter, cfg config.ConnectionLimitConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxConns <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			if count := counter(); count >= cfg.MaxConns {
				logger.Warn("connection limit reached, rejecting upgrade", slog.Int("count", count))
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
