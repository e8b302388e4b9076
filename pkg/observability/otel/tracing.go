// Package otel initializes distributed tracing for the runtime. Spans
// cover dispatcher commits and HTTP handling; exporters are selected by
// configuration.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter backends.
const (
	ExporterStdout = "stdout"
	ExporterJaeger = "jaeger"
	ExporterZipkin = "zipkin"
)

// Config selects and configures the trace exporter.
type Config struct {
	// Enabled turns tracing on. Disabled means Tracer returns no-op
	// tracers and Initialize does nothing.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Exporter is one of stdout, jaeger or zipkin.
	Exporter string `json:"exporter,omitempty" yaml:"exporter,omitempty"`

	// Endpoint is the collector endpoint for jaeger and zipkin.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// ServiceName appears on every span; defaults to flowstate.
	ServiceName string `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`

	// SampleRatio in (0,1] selects head sampling; zero means always.
	SampleRatio float64 `json:"sampleRatio,omitempty" yaml:"sampleRatio,omitempty"`
}

var (
	mu          sync.Mutex
	provider    *sdktrace.TracerProvider
	initialized bool
)

// Initialize sets the global tracer provider from cfg. Calling it twice
// without Shutdown is an error.
func Initialize(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return fmt.Errorf("tracing already initialized")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "flowstate"
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return fmt.Errorf("build trace resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(provider)
	initialized = true
	return nil
}

func newExporter(cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterJaeger:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("jaeger exporter requires an endpoint")
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	case ExporterZipkin:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("zipkin exporter requires an endpoint")
		}
		return zipkin.New(cfg.Endpoint)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// IsInitialized reports whether Initialize has installed a provider.
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return initialized
}

// Tracer returns a named tracer from the global provider. Safe to call
// before Initialize; spans are then no-ops.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes and stops the provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return nil
	}
	initialized = false
	p := provider
	provider = nil
	return p.Shutdown(ctx)
}
