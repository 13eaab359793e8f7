package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aemholland/e14z/internal/domain"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout     = 60 * time.Second
	defaultGracePeriod = 5 * time.Second
)

// ProcessConfig configures the process runner.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
	MaxOutputBytes int
	EnvAllowlist   []string
}

// ProcessRunner executes resolved executables as OS processes.
//
// Security guarantees:
//   - No shell: path and argv go straight to exec
//   - Process runs in its own process group (Setpgid)
//   - On timeout or cancel the group gets SIGTERM, then SIGKILL after the grace period
//   - Environment built from an allowlist; loader and shell hooks stripped
//   - stdout/stderr capped to prevent OOM
type ProcessRunner struct {
	defaultTimeout time.Duration
	grace          time.Duration
	maxOutput      int
	allow          []string
	environ        func() []string
	logger         *slog.Logger
}

// NewProcessRunner creates a process runner.
func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &ProcessRunner{
		defaultTimeout: cfg.DefaultTimeout,
		grace:          cfg.GracePeriod,
		maxOutput:      cfg.MaxOutputBytes,
		allow:          cfg.EnvAllowlist,
		environ:        os.Environ,
		logger:         logger,
	}
	if r.defaultTimeout <= 0 {
		r.defaultTimeout = defaultTimeout
	}
	if r.grace <= 0 {
		r.grace = defaultGracePeriod
	}
	if r.maxOutput <= 0 {
		r.maxOutput = maxOutputBytes
	}
	if len(r.allow) == 0 {
		r.allow = DefaultEnvAllowlist
	}
	return r
}

// Run spawns req.Path directly and waits for it, enforcing the timeout.
func (r *ProcessRunner) Run(ctx context.Context, req RunRequest) (*domain.ExecutionResult, error) {
	start := time.Now()

	if req.Path == "" || !filepath.IsAbs(req.Path) {
		err := fmt.Errorf("executable path %q is not absolute", req.Path)
		return failed(err.Error(), start), &SpawnError{Path: req.Path, Err: err}
	}

	env, err := BuildEnv(r.environ(), r.allow, req.PathPrepend, req.Env)
	if err != nil {
		return failed(err.Error(), start), err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	dir := req.Dir
	if dir == "" {
		tmpDir, err := os.MkdirTemp("", "e14z-run-*")
		if err != nil {
			return failed(err.Error(), start), &SpawnError{Path: req.Path, Err: fmt.Errorf("creating temp dir: %w", err)}
		}
		defer func() {
			if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
				r.logger.Warn("failed to remove run temp dir",
					slog.String("dir", tmpDir),
					slog.String("error", rmErr.Error()),
				)
			}
		}()
		dir = tmpDir
	}

	cmd := exec.Command(req.Path, req.Args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = req.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Bounds how long Wait blocks on pipes held open by grandchildren.
	cmd.WaitDelay = r.grace

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: r.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: r.maxOutput}

	r.logger.Info("spawning process",
		slog.String("path", req.Path),
		slog.Int("args", len(req.Args)),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)

	if err := cmd.Start(); err != nil {
		r.logger.Warn("process spawn failed",
			slog.String("path", req.Path),
			slog.String("error", err.Error()),
		)
		return failed(err.Error(), start), &SpawnError{Path: req.Path, Err: err}
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		waitErr   error
		timedOut  bool
		cancelled bool
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		r.logger.Warn("process timed out",
			slog.String("path", req.Path),
			slog.Duration("timeout", timeout),
		)
		waitErr = r.terminate(pid, done)
	case <-ctx.Done():
		cancelled = true
		r.logger.Warn("process cancelled by caller",
			slog.String("path", req.Path),
			slog.String("reason", ctx.Err().Error()),
		)
		waitErr = r.terminate(pid, done)
	}

	// Kill anything left in the group after the leader exited.
	_ = syscall.Kill(-pid, syscall.SIGKILL)

	// The CLI is gone but the container it started may still run.
	if req.Container != "" && (timedOut || cancelled) {
		if err := RemoveContainer(req.Path, req.Container, env, r.logger); err != nil {
			r.logger.Warn("container cleanup failed",
				slog.String("container", req.Container),
				slog.String("error", err.Error()),
			)
		}
	}

	duration := time.Since(start)
	result := &domain.ExecutionResult{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		DurationMs: duration.Milliseconds(),
		TimedOut:   timedOut,
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		code := 0
		result.ExitCode = &code
	case errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0:
		code := exitErr.ExitCode()
		result.ExitCode = &code
	}
	result.Success = !timedOut && !cancelled && result.ExitCode != nil && *result.ExitCode == 0

	r.logger.Info("process completed",
		slog.String("path", req.Path),
		slog.Bool("success", result.Success),
		slog.Bool("timed_out", timedOut),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	if cancelled {
		return result, fmt.Errorf("run of %s cancelled: %w", req.Path, ctx.Err())
	}
	return result, nil
}

// terminate escalates SIGTERM to SIGKILL on the whole process group and
// waits for the leader to be reaped. It does not depend on any caller
// context, so escalation completes even when the caller has gone away.
func (r *ProcessRunner) terminate(pid int, done <-chan error) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Warn("SIGTERM failed", slog.Int("pgid", pid), slog.String("error", err.Error()))
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
	}

	r.logger.Warn("process ignored SIGTERM, sending SIGKILL",
		slog.Int("pgid", pid),
		slog.Duration("grace", r.grace),
	)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Warn("SIGKILL failed", slog.Int("pgid", pid), slog.String("error", err.Error()))
	}
	return <-done
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
