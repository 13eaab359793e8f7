package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aemholland/e14z/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	minAnomalySamples    = 5
)

// AnomalyDetector watches per-operation failure rates over a sliding window
// and logs a warning when a rate crosses the configured threshold. Operations
// are keys such as "install_npm" or "run".
type AnomalyDetector struct {
	mu        sync.Mutex
	outcomes  map[string]*outcomeWindow
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type outcomeWindow struct {
	entries []outcome
}

type outcome struct {
	at     time.Time
	failed bool
}

// NewAnomalyDetector creates a detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		outcomes:  make(map[string]*outcomeWindow),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(operation, true)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, false)
}

// ErrorRate returns the failure rate and sample count inside the window.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(operation)
}

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.outcomes[operation]
	if !ok {
		w = &outcomeWindow{}
		a.outcomes[operation] = w
	}
	w.entries = append(w.entries, outcome{at: a.now(), failed: failed})

	if failed {
		a.checkErrorRate(operation)
	}
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) (float64, int) {
	w, ok := a.outcomes[operation]
	if !ok {
		return 0, 0
	}
	cutoff := a.now().Add(-a.window)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	w.entries = w.entries[i:]
	if len(w.entries) == 0 {
		return 0, 0
	}
	var failures int
	for _, e := range w.entries {
		if e.failed {
			failures++
		}
	}
	return float64(failures) / float64(len(w.entries)), len(w.entries)
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	if a.threshold <= 0 || a.logger == nil {
		return
	}
	rate, n := a.rate(operation)
	if n < minAnomalySamples || rate <= a.threshold {
		return
	}
	a.logger.Warn("anomaly detected: high failure rate",
		slog.String("operation", operation),
		slog.Float64("error_rate", rate),
		slog.Float64("threshold", a.threshold),
		slog.Int("samples", n),
		slog.Duration("window", a.window),
	)
}
