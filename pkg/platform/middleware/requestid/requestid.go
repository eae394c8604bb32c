package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"civreg/pkg/requestcontext"
)

// Header is echoed back so callers can correlate log lines.
const Header = "X-Request-ID"

// Middleware propagates an inbound request ID or mints one.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(Header)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(Header, reqID)
		ctx := requestcontext.WithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
