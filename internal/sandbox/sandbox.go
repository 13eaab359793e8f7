// Package sandbox spawns resolved executables as direct child processes.
// Commands never pass through a shell: the path and argument vector are
// handed to the kernel as-is.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aemholland/e14z/internal/domain"
)

// Runner executes a resolved executable.
//
// Run always returns a non-nil result, even when the process could not be
// started. A non-zero exit or a timeout is reported in the result, not as an
// error; the error is reserved for spawn failures, rejected requests and
// cancellation of the calling context.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*domain.ExecutionResult, error)
}

// RunRequest defines what to run and under what constraints.
type RunRequest struct {
	// Path is the absolute path of the executable.
	Path string

	// Args are passed verbatim, never interpreted.
	Args []string

	// Dir is the working directory. Empty = fresh temp dir removed afterwards.
	Dir string

	// Env adds variables on top of the allowlisted parent environment.
	Env map[string]string

	// PathPrepend is placed in front of the inherited PATH (e.g. an ecosystem bin dir).
	PathPrepend []string

	// Timeout overrides the runner default. Zero = use default.
	Timeout time.Duration

	// Stdin is optional input for the child.
	Stdin io.Reader

	// Container names the container Path (a docker or podman CLI) starts.
	// It is force-removed with "<Path> rm -f" after a timeout or cancel.
	Container string
}

// SpawnError is an OS-level failure to start the process.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// failed builds the result returned when no process ran.
func failed(cause string, start time.Time) *domain.ExecutionResult {
	return &domain.ExecutionResult{
		Success:    false,
		Stderr:     cause,
		DurationMs: time.Since(start).Milliseconds(),
	}
}
