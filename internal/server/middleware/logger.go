package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each request once it completes. WebSocket upgrades
// show up here only when the connection ends, so the duration doubles as the
// connection's lifetime.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			var ip string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = reqMeta.IP
			}
			logger.Info("request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("ip", ip),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
