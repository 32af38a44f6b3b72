package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/maltehedderich/ratelimitd/internal/ratelimit"
)

func healthy(name string) Checker {
	return func(context.Context) Check {
		return Check{Name: name, Status: StatusHealthy}
	}
}

func withStatus(name string, status Status) Checker {
	return func(context.Context) Check {
		return Check{Name: name, Status: status, Error: "error"}
	}
}

func TestRegisterUnregister(t *testing.T) {
	m := NewManager()
	m.Register("test", healthy("test"))

	m.mu.RLock()
	if _, exists := m.checks["test"]; !exists {
		t.Error("expected check to be registered")
	}
	m.mu.RUnlock()

	m.Unregister("test")

	m.mu.RLock()
	if _, exists := m.checks["test"]; exists {
		t.Error("expected check to be unregistered")
	}
	m.mu.RUnlock()
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name           string
		checks         map[string]Checker
		expectedStatus Status
	}{
		{
			name:           "No checks - healthy",
			checks:         map[string]Checker{},
			expectedStatus: StatusHealthy,
		},
		{
			name:           "All checks healthy",
			checks:         map[string]Checker{"check1": healthy("check1"), "check2": healthy("check2")},
			expectedStatus: StatusHealthy,
		},
		{
			name:           "One check degraded",
			checks:         map[string]Checker{"check1": healthy("check1"), "check2": withStatus("check2", StatusDegraded)},
			expectedStatus: StatusDegraded,
		},
		{
			name:           "One check unhealthy",
			checks:         map[string]Checker{"check1": healthy("check1"), "check2": withStatus("check2", StatusUnhealthy)},
			expectedStatus: StatusUnhealthy,
		},
		{
			name:           "Unhealthy overrides degraded",
			checks:         map[string]Checker{"check1": withStatus("check1", StatusDegraded), "check2": withStatus("check2", StatusUnhealthy)},
			expectedStatus: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			for name, checker := range tt.checks {
				m.Register(name, checker)
			}

			response := m.Check(context.Background())

			if response.Status != tt.expectedStatus {
				t.Errorf("expected status %s, got %s", tt.expectedStatus, response.Status)
			}
			if response.Timestamp == "" {
				t.Error("expected non-empty timestamp")
			}
			if len(response.Checks) != len(tt.checks) {
				t.Errorf("expected %d checks, got %d", len(tt.checks), len(response.Checks))
			}
		})
	}
}

func TestCheck_Timeout(t *testing.T) {
	m := NewManager()
	m.timeout = 10 * time.Millisecond
	m.Register("slow", func(ctx context.Context) Check {
		<-ctx.Done()
		return Check{Name: "slow", Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})

	response := m.Check(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("expected timed out check to be unhealthy, got %s", response.Status)
	}
	if response.Checks["slow"].Error != context.DeadlineExceeded.Error() {
		t.Errorf("unexpected error %q", response.Checks["slow"].Error)
	}
}

func TestLivenessHandler(t *testing.T) {
	m := NewManager()
	m.Register("broken", withStatus("broken", StatusUnhealthy))

	rr := httptest.NewRecorder()
	m.LivenessHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/_health/live", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var response Response
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != StatusHealthy {
		t.Errorf("expected status %s, got %s", StatusHealthy, response.Status)
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type: application/json")
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name           string
		checks         map[string]Checker
		expectedStatus int
		expectedHealth Status
	}{
		{
			name:           "No checks - healthy",
			checks:         map[string]Checker{},
			expectedStatus: http.StatusOK,
			expectedHealth: StatusHealthy,
		},
		{
			name:           "All healthy",
			checks:         map[string]Checker{"check1": healthy("check1")},
			expectedStatus: http.StatusOK,
			expectedHealth: StatusHealthy,
		},
		{
			name:           "Degraded - returns 503",
			checks:         map[string]Checker{"check1": withStatus("check1", StatusDegraded)},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: StatusDegraded,
		},
		{
			name:           "Unhealthy - returns 503",
			checks:         map[string]Checker{"check1": withStatus("check1", StatusUnhealthy)},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			for name, checker := range tt.checks {
				m.Register(name, checker)
			}

			rr := httptest.NewRecorder()
			m.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/_health/ready", nil))

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}

			var response Response
			if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.expectedHealth {
				t.Errorf("expected status %s, got %s", tt.expectedHealth, response.Status)
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	m := NewManager()
	m.Register("test", func(context.Context) Check {
		return Check{Name: "test", Status: StatusUnhealthy, Error: "test error"}
	})

	rr := httptest.NewRecorder()
	m.HealthHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/_health", nil))

	// Health handler always returns 200, even if checks are unhealthy
	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var response Response
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != StatusUnhealthy {
		t.Errorf("expected status %s, got %s", StatusUnhealthy, response.Status)
	}
	if check, ok := response.Checks["test"]; !ok || check.Error != "test error" {
		t.Errorf("expected 'test' check with error, got %+v", response.Checks)
	}
}

func TestConfigChecker(t *testing.T) {
	tests := []struct {
		name           string
		validate       func() error
		expectedStatus Status
	}{
		{"Valid config", func() error { return nil }, StatusHealthy},
		{"Invalid config", func() error { return errors.New("http_port must be set") }, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ConfigChecker(tt.validate)(context.Background())

			if check.Status != tt.expectedStatus {
				t.Errorf("expected status %s, got %s", tt.expectedStatus, check.Status)
			}
			if (check.Status == StatusUnhealthy) != (check.Error != "") {
				t.Errorf("unexpected error message %q", check.Error)
			}
		})
	}
}

// pingStorage is a storage backend whose Ping result is fixed.
type pingStorage struct {
	ratelimit.Storage
	err error
}

func (p *pingStorage) Ping(context.Context) error { return p.err }

// opaqueStorage hides any Ping method of the wrapped backend.
type opaqueStorage struct {
	ratelimit.Storage
}

func TestStorageChecker(t *testing.T) {
	memory := ratelimit.NewMemoryStorage(ratelimit.WithSweepInterval(0))
	defer func() { _ = memory.Close() }()

	tests := []struct {
		name           string
		storage        ratelimit.Storage
		expectedStatus Status
		expectError    bool
	}{
		{"Memory backend", memory, StatusHealthy, false},
		{"Successful ping", &pingStorage{Storage: memory}, StatusHealthy, false},
		{"Failed ping", &pingStorage{Storage: memory, err: errors.New("connection refused")}, StatusUnhealthy, true},
		{"Backend without ping", opaqueStorage{Storage: memory}, StatusHealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := StorageChecker(tt.storage)(context.Background())

			if check.Name != "storage" {
				t.Errorf("expected check name storage, got %s", check.Name)
			}
			if check.Status != tt.expectedStatus {
				t.Errorf("expected status %s, got %s", tt.expectedStatus, check.Status)
			}
			if tt.expectError != (check.Error != "") {
				t.Errorf("unexpected error message %q", check.Error)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager()
	m.Register("test", healthy("test"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Check(context.Background())
		}()
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("check-%d", id)
			m.Register(name, healthy(name))
		}(i)
	}
	wg.Wait()

	if got := len(m.Check(context.Background()).Checks); got != 11 {
		t.Errorf("expected 11 checks, got %d", got)
	}
}
