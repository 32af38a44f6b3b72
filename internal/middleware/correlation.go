package middleware

import (
	"net/http"

	"github.com/maltehedderich/ratelimitd/internal/logger"
)

const (
	// CorrelationIDHeader is the HTTP header for correlation ID
	CorrelationIDHeader = "X-Correlation-ID"

	maxCorrelationIDLength = 128
)

// CorrelationID returns a middleware that adds correlation ID to requests
func CorrelationID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(CorrelationIDHeader)
			if !validCorrelationID(correlationID) {
				correlationID = logger.GenerateCorrelationID()
			}

			ctx := logger.WithCorrelationID(r.Context(), correlationID)
			w.Header().Set(CorrelationIDHeader, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validCorrelationID accepts short printable ASCII IDs only, so client
// supplied values cannot inject into log lines or response headers.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
