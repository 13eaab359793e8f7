package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for e14z.
// Uses a custom registry, so nothing is registered globally.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Engine metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	FailuresTotal     *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge

	// Install metrics.
	InstallsTotal   *prometheus.CounterVec
	InstallDuration *prometheus.HistogramVec

	// Process runner metrics.
	ProcessRunsTotal   *prometheus.CounterVec
	ProcessRunDuration prometheus.Histogram

	// MCP probe metrics.
	ProbesTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e14z",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total engine requests by backend and terminal state.",
		}, []string{"backend", "state"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "e14z",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end engine request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"backend"}),

		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e14z",
			Subsystem: "engine",
			Name:      "failures_total",
			Help:      "Engine failures by failure kind.",
		}, []string{"kind"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "e14z",
			Subsystem: "engine",
			Name:      "active_executions",
			Help:      "Number of engine requests in flight.",
		}),

		InstallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e14z",
			Subsystem: "install",
			Name:      "total",
			Help:      "Install calls by backend and result (installed, cached, fallback, error).",
		}, []string{"backend", "result"}),

		InstallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "e14z",
			Subsystem: "install",
			Name:      "duration_seconds",
			Help:      "Install duration in seconds.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"backend"}),

		ProcessRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e14z",
			Subsystem: "process",
			Name:      "runs_total",
			Help:      "Subprocess runs by status (success, nonzero_exit, timeout, error).",
		}, []string{"status"}),

		ProcessRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "e14z",
			Subsystem: "process",
			Name:      "run_duration_seconds",
			Help:      "Subprocess wall time in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e14z",
			Subsystem: "probe",
			Name:      "total",
			Help:      "MCP protocol probes by result.",
		}, []string{"result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e14z",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "e14z",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "e14z",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.FailuresTotal,
		m.ActiveExecutions,
		m.InstallsTotal,
		m.InstallDuration,
		m.ProcessRunsTotal,
		m.ProcessRunDuration,
		m.ProbesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
