package tracing

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/logger"
)

func init() {
	// Initialize logger for tests
	logger.Init(logger.InfoLevel, "json", &bytes.Buffer{})
}

// recordSpans installs an in-memory tracer provider for the duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() {
		_ = Shutdown(context.Background())
	})
	return recorder
}

func TestInit_Disabled(t *testing.T) {
	if err := Init(context.Background(), &Config{Enabled: false}); err != nil {
		t.Fatalf("Init with disabled tracing should not error: %v", err)
	}

	// Should be able to create a span (will be no-op)
	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()

	if span.IsRecording() {
		t.Error("expected a no-op span when tracing is disabled")
	}
	if TraceID(ctx) != "" || SpanID(ctx) != "" {
		t.Error("expected no trace or span ID for a no-op span")
	}
}

func TestInit_Enabled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping exporter setup in short mode")
	}

	cfg := &Config{
		Enabled:        true,
		Endpoint:       "localhost:4318",
		ServiceName:    "ratelimitd-test",
		ServiceVersion: "1.0.0",
		SampleRate:     1.0,
	}
	if err := Init(context.Background(), cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.ObservabilityConfig{
		TracingEnabled:    true,
		TracingEndpoint:   "otel:4318",
		TracingSampleRate: 0.25,
		ServiceName:       "ratelimitd",
	}, "v1.2.3")

	if !cfg.Enabled || cfg.Endpoint != "otel:4318" || cfg.SampleRate != 0.25 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.ServiceName != "ratelimitd" || cfg.ServiceVersion != "v1.2.3" {
		t.Errorf("unexpected service identity %+v", cfg)
	}
}

func TestStartSpan_Recorded(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "ratelimit.check")
	if TraceID(ctx) == "" || SpanID(ctx) == "" {
		t.Error("expected trace and span IDs for a recording span")
	}
	AddEventToSpan(ctx, "throttled")
	RecordError(ctx, errors.New("storage unavailable"))
	RecordError(ctx, nil)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(ended))
	}
	events := ended[0].Events()
	if len(events) != 2 {
		t.Fatalf("expected throttled and exception events, got %d", len(events))
	}
	if events[0].Name != "throttled" || events[1].Name != "exception" {
		t.Errorf("unexpected events %q, %q", events[0].Name, events[1].Name)
	}
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus codes.Code
	}{
		{"OK", http.StatusOK, codes.Ok},
		{"Throttled", http.StatusTooManyRequests, codes.Ok},
		{"Unauthorized", http.StatusUnauthorized, codes.Error},
		{"Bad gateway", http.StatusBadGateway, codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := recordSpans(t)

			var traceID string
			handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				traceID = TraceID(r.Context())
				w.WriteHeader(tt.status)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/messages", nil))

			ended := recorder.Ended()
			if len(ended) != 1 {
				t.Fatalf("expected 1 span, got %d", len(ended))
			}
			span := ended[0]
			if span.Name() != "GET /api/messages" {
				t.Errorf("unexpected span name %q", span.Name())
			}
			if span.Status().Code != tt.wantStatus {
				t.Errorf("expected span status %v, got %v", tt.wantStatus, span.Status().Code)
			}
			if traceID != span.SpanContext().TraceID().String() {
				t.Error("expected the handler to run inside the server span")
			}
		})
	}
}

func TestMiddleware_PropagatesIncomingContext(t *testing.T) {
	recorder := recordSpans(t)

	const parentTrace = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-"+parentTrace+"-00f067aa0ba902b7-01")

	var outgoing *http.Request
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outgoing = httptest.NewRequest(http.MethodGet, "http://upstream/", nil)
		InjectTraceContext(r.Context(), outgoing)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if got := ended[0].SpanContext().TraceID().String(); got != parentTrace {
		t.Errorf("expected trace %s to continue, got %s", parentTrace, got)
	}
	if outgoing.Header.Get("traceparent") == "" {
		t.Error("expected traceparent to be injected into the outgoing request")
	}
}
