package httplimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maltehedderich/ratelimitd/internal/logger"
	"github.com/maltehedderich/ratelimitd/internal/metrics"
	"github.com/maltehedderich/ratelimitd/internal/middleware"
	"github.com/maltehedderich/ratelimitd/internal/ratelimit"
	"github.com/maltehedderich/ratelimitd/internal/tracing"
)

// Response headers describing the caller's allowance
const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// ErrorResponse is the JSON body of rejected requests
type ErrorResponse struct {
	Error         string    `json:"error"`
	Message       string    `json:"message"`
	Rule          string    `json:"rule,omitempty"`
	RetryAfter    int       `json:"retry_after,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Path          string    `json:"path"`
}

// Middleware enforces rule on every request. Allowed requests carry the
// allowance headers; throttled and penalized requests get a JSON 429 unless
// the rule's throttled handler already wrote a response. Storage failures
// answer 500.
func Middleware(name string, rule *ratelimit.Rule[*Request], trustedProxies []string) middleware.Middleware {
	log := logger.Get().WithComponent("httplimit")

	metrics.InstrumentRule(name, rule)
	rule.Events().OnAllowed(func(req *Request, r ratelimit.Result) {
		setAllowanceHeaders(req.Writer, r)
	})
	rule.Events().OnThrottled(func(req *Request, r ratelimit.Result) {
		setAllowanceHeaders(req.Writer, r)
		req.throttled = &r
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := middleware.NewResponseWriter(w)
			req := &Request{
				Request:  r,
				Writer:   rw,
				ClientIP: middleware.ClientIP(r, trustedProxies),
			}

			ctx, span := tracing.StartSpan(r.Context(), "ratelimit.check",
				trace.WithAttributes(attribute.String("ratelimit.rule", name)))
			start := time.Now()
			endCheck := sync.OnceFunc(func() {
				metrics.RecordRateLimitCheckDuration(name, time.Since(start))
				span.End()
			})

			called := false
			err := rule.Handle(ctx, req, func(context.Context) error {
				called = true
				endCheck()
				next.ServeHTTP(rw, r)
				return nil
			})
			if called {
				return
			}

			switch {
			case err != nil:
				tracing.RecordError(ctx, err)
			case req.throttled != nil:
				tracing.AddEventToSpan(ctx, "throttled")
			default:
				tracing.AddEventToSpan(ctx, "penalized")
			}
			endCheck()

			log := log.WithCorrelationID(logger.GetCorrelationID(r.Context()))

			if err != nil {
				metrics.RecordRateLimitError(name)
				log.Error("rate limit check failed", logger.Fields{
					"rule":   name,
					"error":  err.Error(),
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if !rw.Written() {
					writeError(rw, r, http.StatusInternalServerError, ErrorResponse{
						Error:   "rate_limit_unavailable",
						Message: "Rate limit check failed",
					})
				}
				return
			}

			if req.throttled != nil {
				log.Debug("request throttled", logger.Fields{
					"rule":      name,
					"remaining": req.throttled.Remaining,
					"reset_ms":  req.throttled.Reset.Milliseconds(),
					"method":    r.Method,
					"path":      r.URL.Path,
					"client_ip": req.ClientIP,
				})
			}

			// A throttled handler may have answered itself
			if rw.Written() {
				return
			}

			if req.throttled != nil {
				retryAfter := max(ceilSeconds(req.throttled.Reset), 1)
				rw.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfter))
				writeError(rw, r, http.StatusTooManyRequests, ErrorResponse{
					Error:      "rate_limit_exceeded",
					Message:    "Rate limit exceeded for this resource",
					Rule:       name,
					RetryAfter: retryAfter,
				})
				return
			}

			log.Debug("request dropped by penalty", logger.Fields{
				"rule":   name,
				"method": r.Method,
				"path":   r.URL.Path,
			})
			writeError(rw, r, http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate_limit_penalty",
				Message: "Too many requests, try again later",
				Rule:    name,
			})
		})
	}
}

func setAllowanceHeaders(w http.ResponseWriter, r ratelimit.Result) {
	if w == nil {
		return
	}
	w.Header().Set(HeaderRemaining, strconv.Itoa(r.Remaining))
	w.Header().Set(HeaderReset, strconv.Itoa(ceilSeconds(r.Reset)))
}

// ceilSeconds rounds d up to whole seconds
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func writeError(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	resp.CorrelationID = logger.GetCorrelationID(r.Context())
	resp.Timestamp = time.Now().UTC()
	resp.Path = r.URL.Path
	_ = middleware.WriteJSON(w, status, resp)
}
