package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/maltehedderich/ratelimitd/internal/logger"
)

// Recovery returns a middleware that recovers from panics
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				// Propagate deliberate aborts from httputil.ReverseProxy
				if err == http.ErrAbortHandler {
					panic(err)
				}

				correlationID := logger.GetCorrelationID(r.Context())
				logger.Get().WithComponent("recovery").WithCorrelationID(correlationID).Error("panic recovered", logger.Fields{
					"error":  fmt.Sprintf("%v", err),
					"stack":  string(debug.Stack()),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				errorResponse := map[string]interface{}{
					"error":   "internal_server_error",
					"message": "An internal error occurred",
				}
				if correlationID != "" {
					errorResponse["correlation_id"] = correlationID
				}

				// Ignore errors here as we're already in recovery
				_ = WriteJSON(w, http.StatusInternalServerError, errorResponse)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
