package janitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the cache janitor.
type Metrics struct {
	Sweeps        prometheus.Counter
	SweepErrors   prometheus.Counter
	Removed       *prometheus.CounterVec
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e14z",
			Subsystem: "janitor",
			Name:      "sweeps_total",
			Help:      "Total cache sweeps run.",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "e14z",
			Subsystem: "janitor",
			Name:      "sweep_errors_total",
			Help:      "Total entries the janitor failed to remove.",
		}),
		Removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e14z",
			Subsystem: "janitor",
			Name:      "removed_total",
			Help:      "Total cache entries removed, by kind (lock, download, partial).",
		}, []string{"kind"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "e14z",
			Subsystem: "janitor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each cache sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.Sweeps, m.SweepErrors, m.Removed, m.SweepDuration)
	return m
}
