package httplimit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/maltehedderich/ratelimitd/internal/auth"
	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/logger"
	"github.com/maltehedderich/ratelimitd/internal/ratelimit"
	"github.com/maltehedderich/ratelimitd/internal/tracing"
)

func init() {
	logger.Init(logger.InfoLevel, "json", &bytes.Buffer{})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStorage(t *testing.T, clock *fakeClock) *ratelimit.MemoryStorage {
	t.Helper()
	s := ratelimit.NewMemoryStorage(ratelimit.WithSweepInterval(0), ratelimit.WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// failingStorage fails every counter update.
type failingStorage struct {
	ratelimit.Storage
	err error
}

func (f failingStorage) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, f.err
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("ok"))
})

func fixedWindowRule(name, scope string, limit int) config.RuleConfig {
	return config.RuleConfig{
		Name:     name,
		Scope:    scope,
		Strategy: config.StrategyFixedWindow,
		Limit:    limit,
		Window:   time.Minute,
	}
}

func newHandler(t *testing.T, storage ratelimit.Storage, trusted []string, rules ...config.RuleConfig) http.Handler {
	t.Helper()
	mw, err := NewMiddleware(rules, storage, trusted)
	if err != nil {
		t.Fatalf("NewMiddleware failed: %v", err)
	}
	return mw(okHandler)
}

func asUser(r *http.Request, id string, roles ...string) *http.Request {
	return r.WithContext(auth.SetUserContext(r.Context(), &auth.UserContext{UserID: id, Roles: roles}))
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestMiddleware_FixedWindow(t *testing.T) {
	clock := newFakeClock()
	h := newHandler(t, newTestStorage(t, clock), nil, fixedWindowRule("per-user", config.ScopeUser, 2))

	for i, wantRemaining := range []string{"1", "0"} {
		rec := serve(h, asUser(httptest.NewRequest(http.MethodGet, "/api", nil), "alice"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get(HeaderRemaining); got != wantRemaining {
			t.Errorf("request %d: expected remaining %s, got %s", i+1, wantRemaining, got)
		}
		if got := rec.Header().Get(HeaderReset); got != "60" {
			t.Errorf("request %d: expected reset 60, got %s", i+1, got)
		}
	}

	rec := serve(h, asUser(httptest.NewRequest(http.MethodGet, "/api", nil), "alice"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get(HeaderRetryAfter) != "60" {
		t.Errorf("expected Retry-After 60, got %q", rec.Header().Get(HeaderRetryAfter))
	}
	resp := decodeError(t, rec)
	if resp.Error != "rate_limit_exceeded" || resp.Rule != "per-user" || resp.RetryAfter != 60 {
		t.Errorf("unexpected error response %+v", resp)
	}
	if resp.Path != "/api" {
		t.Errorf("expected path /api, got %s", resp.Path)
	}

	// Other users keep their own allowance
	if rec := serve(h, asUser(httptest.NewRequest(http.MethodGet, "/api", nil), "bob")); rec.Code != http.StatusOK {
		t.Errorf("expected bob to be allowed, got %d", rec.Code)
	}

	clock.Advance(time.Minute)
	if rec := serve(h, asUser(httptest.NewRequest(http.MethodGet, "/api", nil), "alice")); rec.Code != http.StatusOK {
		t.Errorf("expected alice to be allowed after the window, got %d", rec.Code)
	}
}

func TestMiddleware_UnidentifiedRequestsPass(t *testing.T) {
	h := newHandler(t, newTestStorage(t, newFakeClock()), nil, fixedWindowRule("per-user", config.ScopeUser, 1))

	for i := 0; i < 3; i++ {
		rec := serve(h, httptest.NewRequest(http.MethodGet, "/api", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected anonymous request to pass, got %d", i+1, rec.Code)
		}
		if rec.Header().Get(HeaderRemaining) != "" {
			t.Error("expected no allowance headers for unlimited requests")
		}
	}
}

func TestMiddleware_Scopes(t *testing.T) {
	tests := []struct {
		name    string
		scope   string
		trusted []string
		first   func() *http.Request
		second  func() *http.Request
		shared  bool
	}{
		{
			name:  "chat scope keys by header",
			scope: config.ScopeChat,
			first: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/messages", nil)
				r.Header.Set(ChatIDHeader, "general")
				return r
			},
			second: func() *http.Request {
				r := asUser(httptest.NewRequest(http.MethodPost, "/messages", nil), "bob")
				r.Header.Set(ChatIDHeader, "general")
				return r
			},
			shared: true,
		},
		{
			name:  "global scope shares everything",
			scope: config.ScopeGlobal,
			first: func() *http.Request {
				return asUser(httptest.NewRequest(http.MethodGet, "/a", nil), "alice")
			},
			second: func() *http.Request {
				return asUser(httptest.NewRequest(http.MethodGet, "/b", nil), "bob")
			},
			shared: true,
		},
		{
			name:    "ip scope honors trusted proxies",
			scope:   config.ScopeIP,
			trusted: []string{"10.0.0.0/8"},
			first: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.RemoteAddr = "10.0.0.1:1234"
				r.Header.Set("X-Forwarded-For", "198.51.100.1")
				return r
			},
			second: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.RemoteAddr = "10.0.0.2:1234"
				r.Header.Set("X-Forwarded-For", "198.51.100.2")
				return r
			},
			shared: false,
		},
		{
			name:  "route scope shares a path across clients",
			scope: config.ScopeRoute,
			first: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/search", nil)
				r.RemoteAddr = "198.51.100.1:1"
				return r
			},
			second: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/search", nil)
				r.RemoteAddr = "198.51.100.2:1"
				return r
			},
			shared: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(t, newTestStorage(t, newFakeClock()), tt.trusted, fixedWindowRule("scoped", tt.scope, 1))

			if rec := serve(h, tt.first()); rec.Code != http.StatusOK {
				t.Fatalf("expected first request to pass, got %d", rec.Code)
			}
			want := http.StatusOK
			if tt.shared {
				want = http.StatusTooManyRequests
			}
			if rec := serve(h, tt.second()); rec.Code != want {
				t.Errorf("expected second request status %d, got %d", want, rec.Code)
			}
		})
	}
}

func TestMiddleware_AdminLimit(t *testing.T) {
	rule := fixedWindowRule("admin-aware", config.ScopeUser, 1)
	rule.AdminLimit = 3
	rule.AdminRoles = []string{"admin", "moderator"}
	h := newHandler(t, newTestStorage(t, newFakeClock()), nil, rule)

	for i := 0; i < 3; i++ {
		if rec := serve(h, asUser(httptest.NewRequest(http.MethodGet, "/", nil), "root", "admin")); rec.Code != http.StatusOK {
			t.Fatalf("admin request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if rec := serve(h, asUser(httptest.NewRequest(http.MethodGet, "/", nil), "root", "admin")); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected fourth admin request to be throttled, got %d", rec.Code)
	}

	for i := 0; i < 3; i++ {
		if rec := serve(h, asUser(httptest.NewRequest(http.MethodGet, "/", nil), "mod", "moderator")); rec.Code != http.StatusOK {
			t.Fatalf("moderator request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	if rec := serve(h, asUser(httptest.NewRequest(http.MethodGet, "/", nil), "alice")); rec.Code != http.StatusOK {
		t.Fatalf("expected first user request to pass, got %d", rec.Code)
	}
	if rec := serve(h, asUser(httptest.NewRequest(http.MethodGet, "/", nil), "alice")); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected second user request to be throttled, got %d", rec.Code)
	}
}

func TestMiddleware_Filter(t *testing.T) {
	rule := fixedWindowRule("writes", config.ScopeUser, 1)
	rule.OnlyMethods = []string{"post"}
	rule.PathPrefix = "/api/"
	h := newHandler(t, newTestStorage(t, newFakeClock()), nil, rule)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/api/messages", http.StatusOK},
		{http.MethodGet, "/api/messages", http.StatusOK},
		{http.MethodPost, "/static/upload", http.StatusOK},
		{http.MethodPost, "/api/messages", http.StatusTooManyRequests},
	}
	for i, tt := range tests {
		rec := serve(h, asUser(httptest.NewRequest(tt.method, tt.path, nil), "alice"))
		if rec.Code != tt.want {
			t.Errorf("request %d (%s %s): expected %d, got %d", i+1, tt.method, tt.path, tt.want, rec.Code)
		}
	}
}

func TestMiddleware_Penalty(t *testing.T) {
	clock := newFakeClock()
	rule := fixedWindowRule("muting", config.ScopeUser, 1)
	rule.Penalty = 5 * time.Minute
	storage := newTestStorage(t, clock)
	h := newHandler(t, storage, nil, rule)

	req := func() *http.Request { return asUser(httptest.NewRequest(http.MethodGet, "/", nil), "spammer") }

	if rec := serve(h, req()); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	if rec := serve(h, req()); rec.Code != http.StatusTooManyRequests || decodeError(t, rec).Error != "rate_limit_exceeded" {
		t.Fatalf("expected second request to be throttled, got %d", rec.Code)
	}

	penalized, err := storage.CheckPenalty(context.Background(), "ratelimit:muting:penalty:spammer")
	if err != nil || !penalized {
		t.Fatalf("expected penalty marker, got %v, %v", penalized, err)
	}

	// The window resets but the penalty still drops requests
	clock.Advance(2 * time.Minute)
	rec := serve(h, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected penalized request to be rejected, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != "rate_limit_penalty" {
		t.Errorf("expected rate_limit_penalty, got %s", resp.Error)
	}
	if rec.Header().Get(HeaderRemaining) != "" {
		t.Error("expected no allowance headers for penalized requests")
	}

	clock.Advance(4 * time.Minute)
	if rec := serve(h, req()); rec.Code != http.StatusOK {
		t.Errorf("expected request after the penalty to pass, got %d", rec.Code)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	storage := failingStorage{Storage: newTestStorage(t, newFakeClock()), err: errors.New("connection refused")}
	h := newHandler(t, storage, nil, fixedWindowRule("broken-store", config.ScopeGlobal, 1))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("connection refused")) {
		t.Error("expected storage error details to stay out of the response")
	}
	if resp := decodeError(t, rec); resp.Error != "rate_limit_unavailable" {
		t.Errorf("expected rate_limit_unavailable, got %s", resp.Error)
	}
}

func TestMiddleware_CustomThrottledHandler(t *testing.T) {
	rule := ratelimit.NewBuilder[*Request]().
		FixedWindow(1, time.Minute).
		UseStorage(newTestStorage(t, newFakeClock())).
		LimitFor(ratelimit.ScopeGlobal).
		WithKeyPrefix("custom").
		OnThrottled(func(ctx context.Context, r *Request, res ratelimit.Result, _ ratelimit.Storage) error {
			r.Writer.WriteHeader(http.StatusServiceUnavailable)
			_, err := r.Writer.Write([]byte("busy"))
			return err
		}).
		MustBuild()

	h := Middleware("custom", rule, nil)(okHandler)

	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "busy" {
		t.Errorf("expected the custom response, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(HeaderRemaining) != "0" {
		t.Errorf("expected allowance headers on the custom response, got %q", rec.Header().Get(HeaderRemaining))
	}
}

func TestMiddleware_RulesInOrder(t *testing.T) {
	burst := config.RuleConfig{
		Name:              "burst",
		Scope:             config.ScopeUser,
		Strategy:          config.StrategyTokenBucket,
		BucketSize:        5,
		Interval:          time.Hour,
		TokensPerInterval: 1,
	}
	h := newHandler(t, newTestStorage(t, newFakeClock()), nil, burst, fixedWindowRule("strict", config.ScopeUser, 2))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, serve(h, asUser(httptest.NewRequest(http.MethodGet, "/", nil), "alice")).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}
}

func TestMiddleware_Tracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracing.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { _ = tracing.Shutdown(context.Background()) })

	h := newHandler(t, newTestStorage(t, newFakeClock()), nil, fixedWindowRule("observed", config.ScopeGlobal, 1))
	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 check spans, got %d", len(spans))
	}
	for _, span := range spans {
		if span.Name() != "ratelimit.check" {
			t.Errorf("unexpected span %q", span.Name())
		}
	}
	if events := spans[1].Events(); len(events) != 1 || events[0].Name != "throttled" {
		t.Errorf("expected a throttled event on the second span, got %v", events)
	}
}
