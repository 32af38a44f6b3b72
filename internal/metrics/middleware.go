package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/maltehedderich/ratelimitd/internal/middleware"
)

// Middleware returns a metrics collection middleware
func Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			IncActiveRequests()
			defer DecActiveRequests()

			start := time.Now()
			wrapped := middleware.NewResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			RecordHTTPRequest(r.Method, strconv.Itoa(wrapped.Status()), time.Since(start), wrapped.Size())
		})
	}
}
