package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/pdbgate/internal/config"
)

const defaultServiceName = "pdbgate"

// Span attribute keys shared by job spans and the trace resource.
const (
	AttrJobID         = attribute.Key("pdbgate.job.id")
	AttrJobCommand    = attribute.Key("pdbgate.job.command")
	AttrJobExitCode   = attribute.Key("pdbgate.job.exit_code")
	AttrBackend       = attribute.Key("pdbgate.backend")
	AttrEngine        = attribute.Key("pdbgate.engine")
	AttrMaxConcurrent = attribute.Key("pdbgate.max_concurrent_jobs")
)

// ServiceInfo describes this instance on every exported span.
type ServiceInfo struct {
	Version       string
	Backend       string // execution backend type
	Engine        string // engine binary or container image
	MaxConcurrent int
}

func (i ServiceInfo) attributes(serviceName string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(i.Version),
	}
	if i.Backend != "" {
		attrs = append(attrs, AttrBackend.String(i.Backend))
	}
	if i.Engine != "" {
		attrs = append(attrs, AttrEngine.String(i.Engine))
	}
	if i.MaxConcurrent > 0 {
		attrs = append(attrs, AttrMaxConcurrent.Int(i.MaxConcurrent))
	}
	return attrs
}

// JobAttributes identify a job on its spans.
func JobAttributes(id, command, backend string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobID.String(id),
		AttrJobCommand.String(command),
		AttrBackend.String(backend),
	}
}

// TracerSetup owns the tracer provider. It is injected, never installed
// as the global provider.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup exports job spans over OTLP. It returns nil when tracing
// is disabled.
func NewTracerSetup(cfg *config.TracingConfig, info ServiceInfo) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(info.attributes(serviceName)...),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	return &TracerSetup{provider: tp, tracer: tp.Tracer(serviceName)}, nil
}

func newSpanExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the job tracer, or a no-op tracer on a nil setup.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes pending spans.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
