package trace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/actmd/selenium/env"
)

const defaultServiceName = "selenium-controlflow"

// ErrNoEndpoint indicates that NewTraceProvider was called without
// WithEndpoint.
var ErrNoEndpoint = errors.New("no trace endpoint configured")

// TraceProvider hands out tracers and shuts down the export pipeline
// behind them.
type TraceProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
	Shutdown(ctx context.Context) error
}

// ProviderOption configures NewTraceProvider.
type ProviderOption func(*providerConfig)

type providerConfig struct {
	endpoint    string
	insecure    bool
	serviceName string
}

// WithEndpoint sets the OTLP/HTTP endpoint task spans are exported to.
func WithEndpoint(endpoint string) ProviderOption {
	return func(c *providerConfig) { c.endpoint = endpoint }
}

// WithInsecureEndpoint disables TLS on the exporter connection.
func WithInsecureEndpoint() ProviderOption {
	return func(c *providerConfig) { c.insecure = true }
}

// WithServiceName overrides the service.name resource attribute spans are
// reported under.
func WithServiceName(name string) ProviderOption {
	return func(c *providerConfig) { c.serviceName = name }
}

// NewTraceProvider builds a provider that batches spans to the configured
// OTLP/HTTP endpoint. An endpoint is required; everything else has
// defaults.
func NewTraceProvider(ctx context.Context, opts ...ProviderOption) (TraceProvider, error) {
	cfg := providerConfig{serviceName: defaultServiceName}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.endpoint == "" {
		return nil, ErrNoEndpoint
	}

	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.endpoint)}
	if cfg.insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("trace: building OTLP exporter for %q: %w", cfg.endpoint, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("trace: assembling resource attributes: %w", err)
	}

	prov := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &exportingProvider{TracerProvider: prov, stop: prov.Shutdown}, nil
}

// NewTraceProviderFromEnv builds a provider from the SELENIUM_TRACES_OUTPUT
// environment variable, or a noop provider when it is unset.
func NewTraceProviderFromEnv(ctx context.Context, envLookup env.LookupFunc) (TraceProvider, error) {
	endpoint, _ := envLookup(env.TracesOutput)
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return NewNoopTraceProvider(), nil
	}
	return NewTraceProvider(ctx, WithEndpoint(endpoint))
}

// exportingProvider wraps an SDK provider whose pipeline must be flushed
// on shutdown.
type exportingProvider struct {
	trace.TracerProvider
	stop func(ctx context.Context) error
}

// Shutdown flushes and stops the export pipeline. After Shutdown, all
// methods are no-ops.
func (p *exportingProvider) Shutdown(ctx context.Context) error {
	return p.stop(ctx)
}

// noopProvider records nothing and has nothing to shut down.
type noopProvider struct {
	trace.TracerProvider
}

// Shutdown is a no-op.
func (noopProvider) Shutdown(context.Context) error { return nil }

// NewNoopTraceProvider returns a provider that records nothing.
func NewNoopTraceProvider() TraceProvider {
	return noopProvider{trace.NewNoopTracerProvider()}
}
