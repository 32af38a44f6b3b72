package middleware

import (
	"net/http"
	"time"

	"github.com/maltehedderich/ratelimitd/internal/logger"
)

// Logging returns a middleware that logs HTTP requests and responses
func Logging(trustedProxies []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := NewResponseWriter(w)
			log := logger.FromContext(r.Context(), "http")

			log.Debug("incoming request", logger.Fields{
				"method":         r.Method,
				"path":           r.URL.Path,
				"remote_ip":      ClientIP(r, trustedProxies),
				"user_agent":     r.UserAgent(),
				"protocol":       r.Proto,
				"host":           r.Host,
				"content_length": r.ContentLength,
			})

			next.ServeHTTP(rw, r)

			fields := logger.Fields{
				"method":        r.Method,
				"path":          r.URL.Path,
				"status":        rw.Status(),
				"duration_ms":   time.Since(start).Milliseconds(),
				"response_size": rw.Size(),
				"remote_ip":     ClientIP(r, trustedProxies),
			}

			// 429 is the expected outcome of a throttled request
			message := "request completed"
			switch {
			case rw.Status() >= 500:
				log.Error(message, fields)
			case rw.Status() >= 400 && rw.Status() != http.StatusTooManyRequests:
				log.Warn(message, fields)
			default:
				log.Info(message, fields)
			}
		})
	}
}
