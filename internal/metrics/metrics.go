package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ratelimitd"

var (
	// HTTP Request Metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{"method", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "status_code"},
	)

	httpResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "status_code"},
	)

	httpActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests",
		},
	)

	// Authentication Metrics
	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total number of authentication attempts by result",
		},
		[]string{"result"}, // success, failure, anonymous
	)

	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Total number of authentication failures by error code",
		},
		[]string{"error_type"},
	)

	// Rate Limiting Metrics
	rateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions by rule and outcome",
		},
		[]string{"rule", "outcome"}, // allowed, throttled
	)

	rateLimitPenaltiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "penalties_total",
			Help:      "Total number of penalties applied by rule",
		},
		[]string{"rule"},
	)

	rateLimitRemaining = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "remaining",
			Help:      "Remaining allowance reported by allowed checks",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		},
		[]string{"rule"},
	)

	rateLimitCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Duration of rate limit checks in seconds, including storage round trips",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"rule"},
	)

	rateLimitErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "errors_total",
			Help:      "Total number of rate limiter errors by rule",
		},
		[]string{"rule"},
	)

	// Health Check Metrics
	healthCheckTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Total number of health checks performed",
		},
		[]string{"check_name", "status"},
	)

	healthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Duration of health checks in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2},
		},
		[]string{"check_name"},
	)

	once sync.Once
)

// Init registers all metrics with the default Prometheus registry
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			httpResponseSize,
			httpActiveRequests,
			authAttemptsTotal,
			authFailuresTotal,
			rateLimitDecisionsTotal,
			rateLimitPenaltiesTotal,
			rateLimitRemaining,
			rateLimitCheckDuration,
			rateLimitErrorsTotal,
			healthCheckTotal,
			healthCheckDuration,
		)
	})
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTP Metrics functions
func RecordHTTPRequest(method, statusCode string, duration time.Duration, responseSize int) {
	httpRequestsTotal.WithLabelValues(method, statusCode).Inc()
	httpRequestDuration.WithLabelValues(method, statusCode).Observe(duration.Seconds())
	httpResponseSize.WithLabelValues(method, statusCode).Observe(float64(responseSize))
}

func IncActiveRequests() {
	httpActiveRequests.Inc()
}

func DecActiveRequests() {
	httpActiveRequests.Dec()
}

// Authentication Metrics functions
func RecordAuthAttempt(result string) {
	authAttemptsTotal.WithLabelValues(result).Inc()
}

func RecordAuthFailure(errorType string) {
	authFailuresTotal.WithLabelValues(errorType).Inc()
}

// Rate Limiting Metrics functions
func RecordRateLimitDecision(rule string, allowed bool, remaining int) {
	if !allowed {
		rateLimitDecisionsTotal.WithLabelValues(rule, "throttled").Inc()
		return
	}
	rateLimitDecisionsTotal.WithLabelValues(rule, "allowed").Inc()
	rateLimitRemaining.WithLabelValues(rule).Observe(float64(remaining))
}

func RecordRateLimitPenalty(rule string) {
	rateLimitPenaltiesTotal.WithLabelValues(rule).Inc()
}

func RecordRateLimitCheckDuration(rule string, duration time.Duration) {
	rateLimitCheckDuration.WithLabelValues(rule).Observe(duration.Seconds())
}

func RecordRateLimitError(rule string) {
	rateLimitErrorsTotal.WithLabelValues(rule).Inc()
}

// Health Check Metrics functions
func RecordHealthCheck(checkName, status string, duration time.Duration) {
	healthCheckTotal.WithLabelValues(checkName, status).Inc()
	healthCheckDuration.WithLabelValues(checkName).Observe(duration.Seconds())
}
