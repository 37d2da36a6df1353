package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Okasha-Arshad/chitchat-backend/pkg/config"
)

// NewAuthMiddleware validates the HMAC JWT minted by the identity service and
// records the subject in the request metadata. When auth is not required the
// token is still parsed opportunistically so logs can carry an identity, but
// the request passes either way: inside the relay any userId presented at
// login is trusted, the real trust boundary sits in front of it.
func NewAuthMiddleware(logger *slog.Logger, cfg config.AuthConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				if cfg.Required {
					logger.Warn("missing token on upgrade request", slog.String("ip", reqMeta.IP))
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(cfg.JWTSecret), nil
			})
			if err != nil || !token.Valid {
				if cfg.Required {
					logger.Warn("invalid token on upgrade request", slog.String("ip", reqMeta.IP), slog.Any("error", err))
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if claims, ok := token.Claims.(*jwt.RegisteredClaims); ok {
				reqMeta.UserID = claims.Subject
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the JWT from the Authorization header or, failing
// that, the "token" query parameter (browser WebSocket clients cannot set
// headers on the upgrade request).
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
