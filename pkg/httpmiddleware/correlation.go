package httpmiddleware

import (
	"net/http"

	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
)

// CorrelationID middleware ensures every request carries a valid correlation ID.
// Client-provided IDs are kept when they parse as UUIDs, otherwise a fresh one
// is generated. The ID is placed in the X-Correlation-ID header and the request
// context so handlers and downstream loggers can pick it up.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, correlationID := logger.EnsureHTTPCorrelationID(r)
			w.Header().Set("X-Correlation-ID", correlationID)
			next.ServeHTTP(w, r)
		})
	}
}
