package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aemholland/e14z/internal/backend"
	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
)

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with metrics, tracing, and anomaly detection.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a process runner with observability.
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

func (r *InstrumentedRunner) Run(ctx context.Context, req sandbox.RunRequest) (*domain.ExecutionResult, error) {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "process.run",
			trace.WithAttributes(
				attribute.String("process.executable", req.Path),
				attribute.Int("process.args", len(req.Args)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := r.inner.Run(ctx, req)
	duration := time.Since(start).Seconds()

	status := runStatus(result, err)
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if result != nil && result.ExitCode != nil {
			span.SetAttributes(attribute.Int("process.exit_code", *result.ExitCode))
		}
		span.SetAttributes(attribute.String("process.status", status))
	}

	if r.metrics != nil {
		r.metrics.ProcessRunsTotal.WithLabelValues(status).Inc()
		r.metrics.ProcessRunDuration.Observe(duration)
	}

	// Only spawn-level failures count against the runner; a tool exiting
	// non-zero is the tool's business.
	if r.anomaly != nil {
		if err != nil {
			r.anomaly.RecordError("run")
		} else {
			r.anomaly.RecordSuccess("run")
		}
	}

	return result, err
}

func runStatus(result *domain.ExecutionResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case result == nil:
		return "error"
	case result.TimedOut:
		return "timeout"
	case !result.Success:
		return "nonzero_exit"
	default:
		return "success"
	}
}

// --- InstrumentedBackend ---

// InstrumentedBackend wraps a backend.Backend, recording install outcomes.
// Every other method delegates unchanged.
type InstrumentedBackend struct {
	backend.Backend
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedBackend wraps an ecosystem backend with observability.
func NewInstrumentedBackend(inner backend.Backend, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBackend {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedBackend{
		Backend: inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (b *InstrumentedBackend) Install(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.InstallOutcome, error) {
	name := b.Backend.Name()

	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "backend.install",
			trace.WithAttributes(
				attribute.String("backend.name", name),
				attribute.String("package.name", pkg.Name),
				attribute.String("package.version", pkg.Version),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := b.Backend.Install(ctx, pkg, cacheDir)
	duration := time.Since(start).Seconds()

	result := installResult(out, err)
	if span != nil {
		span.SetAttributes(attribute.String("install.result", result))
		if out != nil {
			span.SetAttributes(attribute.Int("install.attempts", out.Attempts))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if b.metrics != nil {
		b.metrics.InstallsTotal.WithLabelValues(name, result).Inc()
		if result != "cached" {
			b.metrics.InstallDuration.WithLabelValues(name).Observe(duration)
		}
	}

	if b.anomaly != nil {
		if err != nil {
			b.anomaly.RecordError("install_" + name)
		} else {
			b.anomaly.RecordSuccess("install_" + name)
		}
	}

	return out, err
}

func installResult(out *domain.InstallOutcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case out == nil:
		return "installed"
	case out.AlreadyInstalled:
		return "cached"
	case out.VersionFallback:
		return "fallback"
	default:
		return "installed"
	}
}

// InstrumentRegistry returns a registry whose backends are wrapped with
// NewInstrumentedBackend, preserving the selection order of r.
func InstrumentRegistry(r *backend.Registry, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *backend.Registry {
	if metrics == nil && ts == nil && anomaly == nil {
		return r
	}
	out := backend.NewRegistry()
	for _, b := range r.List() {
		out.Register(NewInstrumentedBackend(b, metrics, ts, anomaly))
	}
	return out
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Runner  = (*InstrumentedRunner)(nil)
	_ backend.Backend = (*InstrumentedBackend)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
