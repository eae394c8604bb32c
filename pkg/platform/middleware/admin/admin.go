package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"civreg/pkg/requestcontext"
)

const (
	TokenHeader    = "X-Admin-Token"
	OperatorHeader = "X-Operator"
)

// RequireAdminToken rejects requests that do not carry the operator token and
// records the operator named in X-Operator as the request actor.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := r.Header.Get(TokenHeader)
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"admin token required"}`))
				return
			}

			operator := r.Header.Get(OperatorHeader)
			if operator == "" {
				operator = "admin"
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithActor(ctx, operator)))
		})
	}
}
