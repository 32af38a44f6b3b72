package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/maltehedderich/ratelimitd/internal/metrics"
	"github.com/maltehedderich/ratelimitd/internal/middleware"
	"github.com/maltehedderich/ratelimitd/internal/ratelimit"
)

// DefaultCheckTimeout bounds a single checker run
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a health check result
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Response represents the health check response
type Response struct {
	Status    Status           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Checker performs a health check. The context carries the check timeout.
type Checker func(ctx context.Context) Check

// Manager manages health checks
type Manager struct {
	checks  map[string]Checker
	timeout time.Duration
	mu      sync.RWMutex
}

// NewManager creates a new health check manager
func NewManager() *Manager {
	return &Manager{
		checks:  make(map[string]Checker),
		timeout: DefaultCheckTimeout,
	}
}

// Register registers a health check
func (m *Manager) Register(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = checker
}

// Unregister removes a health check
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Check runs all health checks
func (m *Manager) Check(ctx context.Context) Response {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]Check, len(m.checks))
	overallStatus := StatusHealthy

	for name, checker := range m.checks {
		check := m.run(ctx, name, checker)
		checks[name] = check

		if check.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if check.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	return Response{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
}

func (m *Manager) run(ctx context.Context, name string, checker Checker) Check {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	check := checker(ctx)
	metrics.RecordHealthCheck(name, string(check.Status), time.Since(start))
	return check
}

// LivenessHandler returns a handler for liveness probes
// Liveness indicates if the application is running
func (m *Manager) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = middleware.WriteJSON(w, http.StatusOK, Response{
			Status:    StatusHealthy,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadinessHandler returns a handler for readiness probes
// Readiness indicates if the application is ready to serve traffic
func (m *Manager) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := m.Check(r.Context())

		status := http.StatusOK
		if response.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		_ = middleware.WriteJSON(w, status, response)
	}
}

// HealthHandler returns a general health check handler
func (m *Manager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = middleware.WriteJSON(w, http.StatusOK, m.Check(r.Context()))
	}
}

// Predefined health checkers

// ConfigChecker checks if configuration is valid
func ConfigChecker(validate func() error) Checker {
	return func(context.Context) Check {
		if err := validate(); err != nil {
			return Check{
				Name:   "config",
				Status: StatusUnhealthy,
				Error:  err.Error(),
			}
		}
		return Check{
			Name:   "config",
			Status: StatusHealthy,
		}
	}
}

// StorageChecker checks connectivity of a rate limit storage backend.
// Backends that cannot be pinged are reported healthy.
func StorageChecker(storage ratelimit.Storage) Checker {
	return func(ctx context.Context) Check {
		pinger, ok := storage.(ratelimit.Pinger)
		if !ok {
			return Check{Name: "storage", Status: StatusHealthy}
		}
		if err := pinger.Ping(ctx); err != nil {
			return Check{
				Name:   "storage",
				Status: StatusUnhealthy,
				Error:  err.Error(),
			}
		}
		return Check{Name: "storage", Status: StatusHealthy}
	}
}
