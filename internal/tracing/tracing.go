package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/logger"
)

const (
	// TracerName is the name of the tracer used throughout the application
	TracerName = "github.com/maltehedderich/ratelimitd"
)

var (
	// tracerProvider is the global tracer provider
	tracerProvider *sdktrace.TracerProvider
	// propagator extracts and injects W3C trace context and baggage
	propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
)

// Config contains tracing configuration
type Config struct {
	// Enabled determines if tracing is enabled
	Enabled bool
	// Endpoint is the OTLP collector endpoint (e.g., localhost:4318)
	Endpoint string
	// ServiceName is the name of the service
	ServiceName string
	// ServiceVersion is the version of the service
	ServiceVersion string
	// SampleRate is the fraction of traces to sample (0.0 to 1.0)
	SampleRate float64
}

// ConfigFrom derives the tracing configuration from the observability settings
func ConfigFrom(cfg config.ObservabilityConfig, version string) *Config {
	return &Config{
		Enabled:        cfg.TracingEnabled,
		Endpoint:       cfg.TracingEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		SampleRate:     cfg.TracingSampleRate,
	}
}

// Init initializes the distributed tracing system
func Init(ctx context.Context, cfg *Config) error {
	log := logger.Get().WithComponent("tracing")

	if !cfg.Enabled {
		log.Info("distributed tracing is disabled")
		otel.SetTracerProvider(noop.NewTracerProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	SetTracerProvider(provider)

	log.Info("distributed tracing initialized", logger.Fields{
		"endpoint":     cfg.Endpoint,
		"service_name": cfg.ServiceName,
		"sample_rate":  cfg.SampleRate,
	})

	return nil
}

// SetTracerProvider installs provider globally together with the W3C propagator
func SetTracerProvider(provider *sdktrace.TracerProvider) {
	tracerProvider = provider
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)
}

// Shutdown flushes pending spans and shuts down the tracer provider
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}

	log := logger.Get().WithComponent("tracing")
	log.Info("shutting down tracing")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown tracer provider", logger.Fields{
			"error": err.Error(),
		})
		return err
	}

	tracerProvider = nil
	log.Info("tracing shutdown complete")
	return nil
}

// Tracer returns a tracer instance
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a new span with the given name and options
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

// AddEventToSpan adds an event to the current span in the context
func AddEventToSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// TraceID returns the trace ID from the context
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanID returns the span ID from the context
func SpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.SpanID().String()
	}
	return ""
}
