package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const readinessTimeout = 3 * time.Second

// Readiness states reported by CheckReady.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"    // an advisory check failed; requests are still served
	StatusUnavailable = "unavailable" // a critical check failed
)

// HealthChecker runs the readiness checks registered by the serve command.
// Critical checks (store, cache) decide whether e14z can serve at all;
// advisory ones (installed toolchains) only degrade the status.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []healthCheck
	logger *slog.Logger
}

type healthCheck struct {
	name     string
	critical bool
	run      func(ctx context.Context) error
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"` // "ok" or "fail"
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a critical check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.add(healthCheck{name: name, critical: true, run: check})
}

// AddAdvisoryCheck registers a check whose failure only degrades readiness.
func (h *HealthChecker) AddAdvisoryCheck(name string, check func(ctx context.Context) error) {
	h.add(healthCheck{name: name, run: check})
}

func (h *HealthChecker) add(c healthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// CacheWritableCheck reports whether the install cache accepts new files.
func CacheWritableCheck(writable func() error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return writable()
	}
}

// ToolchainCheck fails when any of the named ecosystem binaries (npm, go,
// docker...) cannot be found. Backends for missing toolchains still parse
// directives but fail at install time with a remediation hint.
func ToolchainCheck(lookPath func(string) (string, error), binaries ...string) func(ctx context.Context) error {
	return func(context.Context) error {
		var missing []string
		for _, b := range binaries {
			if _, err := lookPath(b); err != nil {
				missing = append(missing, b)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("not on PATH: %s", strings.Join(missing, ", "))
		}
		return nil
	}
}

// CheckHealth is the liveness answer: the process is up.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs every check concurrently under a shared timeout.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]healthCheck(nil), h.checks...)
	h.mu.RUnlock()
	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	errs := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Go(func() { errs[i] = c.run(ctx) })
	}
	wg.Wait()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	for i, c := range checks {
		res := CheckResult{Status: "ok", Critical: c.critical}
		if err := errs[i]; err != nil {
			res.Status = "fail"
			res.Message = err.Error()
			switch {
			case c.critical:
				status.Status = StatusUnavailable
			case status.Status == StatusOK:
				status.Status = StatusDegraded
			}
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.name),
					slog.Bool("critical", c.critical),
					slog.String("error", err.Error()),
				)
			}
		}
		status.Checks[c.name] = res
	}
	return status
}
