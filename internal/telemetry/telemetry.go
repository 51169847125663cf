// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer every package uses
const InstrumentationName = "github.com/ccoin/shieldpool"

// Config holds tracing configuration
type Config struct {
	// Endpoint is the OTLP/HTTP collector host:port; empty disables export
	Endpoint string

	// Insecure sends spans over plain HTTP
	Insecure bool

	ServiceName string

	// SampleRatio is the fraction of root spans sampled
	SampleRatio float64
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		Insecure:    true,
		ServiceName: "shieldpoold",
		SampleRatio: 1,
	}
}

// Shutdown flushes and stops the tracer provider
type Shutdown func(context.Context) error

// Setup installs a global tracer provider exporting to cfg.Endpoint. With
// no endpoint the global no-op provider stays in place.
func Setup(ctx context.Context, cfg *Config) (Shutdown, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	tp := NewProvider(cfg, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// NewProvider builds a tracer provider with the service resource and
// sampler of cfg plus any extra options.
func NewProvider(cfg *Config, extra ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	opts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}, extra...)
	return sdktrace.NewTracerProvider(opts...)
}

// Tracer returns the shared tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
