package observability

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/pdbgate/internal/sandbox"
)

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics, tracing, and
// failure-rate detection.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability. A nil obs
// returns inner unchanged.
func NewInstrumentedSandbox(inner sandbox.Sandbox, obs *Observability) sandbox.Sandbox {
	if obs == nil || (obs.Metrics == nil && obs.Tracer == nil && obs.Anomaly == nil) {
		return inner
	}
	var tracer trace.Tracer
	if obs.Tracer != nil {
		tracer = obs.Tracer.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: obs.Metrics,
		tracer:  tracer,
		anomaly: obs.Anomaly,
	}
}

func (s *InstrumentedSandbox) Type() string { return s.inner.Type() }

func (s *InstrumentedSandbox) Available(ctx context.Context) error {
	return s.inner.Available(ctx)
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) *sandbox.ExecutionResult {
	backend := s.inner.Type()
	command := req.Args.Command()
	if command == "" {
		command = "help"
	}

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.type", backend),
				attribute.String("sandbox.command", command),
			))
		defer span.End()
	}

	result := s.inner.Execute(ctx, req)
	status := executionStatus(result)

	if span != nil {
		span.SetAttributes(
			attribute.Int("sandbox.exit_code", result.ExitCode),
			attribute.String("sandbox.status", status),
		)
		if !result.Success {
			span.SetStatus(codes.Error, status)
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(backend, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(backend).Observe(result.Elapsed.Seconds())
	}

	if result.Success {
		s.anomaly.RecordSuccess(command)
	} else {
		s.anomaly.RecordFailure(command)
	}

	return result
}

// executionStatus is the metric label for an execution outcome.
func executionStatus(r *sandbox.ExecutionResult) string {
	switch {
	case r.FailureReason != sandbox.FailureNone:
		return string(r.FailureReason)
	case r.Success:
		return "success"
	default:
		return "nonzero_exit"
	}
}

var _ sandbox.Sandbox = (*InstrumentedSandbox)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
