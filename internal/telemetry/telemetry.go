// Package telemetry sets up OpenTelemetry tracing for the proxy path.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds telemetry configuration. An empty Endpoint disables export.
type Config struct {
	Service string `yaml:"service"`
	Version string `yaml:"version"`
	// Endpoint is host:port or a full URL of an OTLP/HTTP collector
	Endpoint   string            `yaml:"endpoint"`
	Insecure   bool              `yaml:"insecure"`
	Headers    map[string]string `yaml:"headers"`
	SampleRate float64           `yaml:"sampleRate"`
}

// Telemetry owns the tracer provider
type Telemetry struct {
	provider trace.TracerProvider
	shutdown func(context.Context) error
}

// New builds the tracer provider and installs it globally together with
// the W3C trace-context propagator.
func New(ctx context.Context, config Config, logger *slog.Logger) (*Telemetry, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if config.Endpoint == "" {
		logger.Info("Trace export disabled")
		return &Telemetry{
			provider: noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if strings.Contains(config.Endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(config.Endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(config.Endpoint))
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(config.Service)}
	if config.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(config.Version))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	if config.SampleRate > 0 && config.SampleRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))
	} else {
		sampler = sdktrace.ParentBased(sdktrace.AlwaysSample())
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	logger.Info("Trace export enabled", "endpoint", config.Endpoint, "sample_rate", config.SampleRate)

	return &Telemetry{provider: tp, shutdown: tp.Shutdown}, nil
}

// TracerProvider returns the configured provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.provider
}

// Shutdown flushes pending spans
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}
