package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/fngate/internal/audit"
	"github.com/jkaninda/fngate/internal/executor"
	"github.com/jkaninda/fngate/internal/sandbox"
)

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with metrics, tracing, and anomaly detection.
// It also forwards RunShell when the inner runner supports it.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, req sandbox.Request) *sandbox.ExecutionResult {
	mode := req.Mode.String()
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("fngate.function", req.FunctionName),
				attribute.String("fngate.mode", mode),
			))
		defer span.End()
	}
	if r.metrics != nil {
		r.metrics.ActiveExecutions.Inc()
		defer r.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	res := r.inner.Run(ctx, req)
	r.observe(span, mode, req.FunctionName, res, time.Since(start))
	return res
}

// RunShell forwards to the inner runner's RunShell.
func (r *InstrumentedRunner) RunShell(ctx context.Context, command string, timeout time.Duration) *sandbox.ExecutionResult {
	shell, ok := r.inner.(executor.ShellRunner)
	if !ok {
		return sandbox.Failure(sandbox.KindSpawnFailure, "shell execution is not supported by this runner")
	}
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "sandbox.run_shell")
		defer span.End()
	}

	start := time.Now()
	res := shell.RunShell(ctx, command, timeout)
	r.observe(span, "shell", executor.CommandFunction, res, time.Since(start))
	return res
}

func (r *InstrumentedRunner) observe(span trace.Span, mode, function string, res *sandbox.ExecutionResult, elapsed time.Duration) {
	kind := string(res.Kind)
	if kind == "" {
		kind = "ok"
	}
	backend := string(res.Backend)
	if backend == "" {
		backend = "none"
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("fngate.backend", backend),
			attribute.String("fngate.kind", kind),
		)
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
		}
	}

	if r.metrics != nil {
		r.metrics.ExecutionsTotal.WithLabelValues(mode, backend, kind).Inc()
		r.metrics.ExecutionDuration.WithLabelValues(mode, backend).Observe(elapsed.Seconds())
	}

	if r.anomaly != nil {
		if res.Success {
			r.anomaly.RecordSuccess(function)
		} else {
			r.anomaly.RecordFailure(function)
		}
	}
}

// --- InstrumentedAuditLogger ---

// InstrumentedAuditLogger wraps an audit.Logger and counts policy decisions.
// The inner logger may be nil when only metrics are wanted.
type InstrumentedAuditLogger struct {
	inner   audit.Logger
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

// NewInstrumentedAuditLogger wraps an audit logger with observability.
func NewInstrumentedAuditLogger(inner audit.Logger, metrics *MetricsCollector, anomaly *AnomalyDetector) *InstrumentedAuditLogger {
	return &InstrumentedAuditLogger{inner: inner, metrics: metrics, anomaly: anomaly}
}

func (l *InstrumentedAuditLogger) Log(ctx context.Context, event audit.Event) error {
	switch event.Action {
	case audit.ActionAuthorize, audit.ActionCommand:
		if event.Outcome == audit.OutcomeAllowed || event.Outcome == audit.OutcomeDenied {
			if l.metrics != nil {
				l.metrics.AuthorizationsTotal.WithLabelValues(event.Level, event.Outcome).Inc()
			}
			if event.Outcome == audit.OutcomeDenied && l.anomaly != nil {
				l.anomaly.RecordDenial(event.Function)
			}
		}
	case audit.ActionConfirm:
		if l.metrics != nil {
			l.metrics.ConfirmationsTotal.WithLabelValues(event.Outcome).Inc()
		}
	}
	if l.inner == nil {
		return nil
	}
	return l.inner.Log(ctx, event)
}

func (l *InstrumentedAuditLogger) Close() error {
	if l.inner == nil {
		return nil
	}
	return l.inner.Close()
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Runner       = (*InstrumentedRunner)(nil)
	_ executor.ShellRunner = (*InstrumentedRunner)(nil)
	_ audit.Logger         = (*InstrumentedAuditLogger)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
