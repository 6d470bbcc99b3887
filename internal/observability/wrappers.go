package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/sandbox"
	"github.com/jkaninda/kaliagents/internal/worker"
)

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability. metrics and ts
// may be nil.
func NewInstrumentedSandbox(inner sandbox.Sandbox, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{inner: inner, metrics: metrics, tracer: tracer}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	var span trace.Span
	if s.tracer != nil {
		program := ""
		if len(req.Command) > 0 {
			program = req.Command[0]
		}
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(attribute.String("sandbox.program", program)))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
	}
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if result != nil {
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}
	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(status).Observe(duration)
	}
	return result, err
}

// --- InstrumentedInvoker ---

// InstrumentedInvoker wraps a worker.Invoker with metrics and a span per
// tool invocation.
type InstrumentedInvoker struct {
	inner   worker.Invoker
	source  string
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedInvoker wraps inv; source names the tool source ("exec",
// "mcp", "simulate") in metric labels.
func NewInstrumentedInvoker(inner worker.Invoker, source string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedInvoker {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedInvoker{inner: inner, source: source, metrics: metrics, tracer: tracer}
}

func (i *InstrumentedInvoker) Invoke(ctx context.Context, toolID string, params capability.Params, timeout time.Duration) ([]byte, error) {
	var span trace.Span
	if i.tracer != nil {
		ctx, span = i.tracer.Start(ctx, "tool.invoke",
			trace.WithAttributes(
				attribute.String("tool.id", toolID),
				attribute.String("tool.source", i.source),
				attribute.Int64("tool.timeout_ms", timeout.Milliseconds()),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := i.inner.Invoke(ctx, toolID, params, timeout)
	duration := time.Since(start).Seconds()

	status := invokeStatus(err)
	if span != nil {
		span.SetAttributes(attribute.Int("tool.output_bytes", len(out)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		}
	}
	if i.metrics != nil {
		i.metrics.ToolInvocationsTotal.WithLabelValues(i.source, toolID, status).Inc()
		i.metrics.ToolInvocationDuration.WithLabelValues(i.source, toolID).Observe(duration)
	}
	return out, err
}

func invokeStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, worker.ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, worker.ErrToolUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
