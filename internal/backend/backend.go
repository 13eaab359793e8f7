// Package backend implements one installer/locator per package ecosystem.
//
// Backends form a closed set of variants behind the Backend interface. The
// Registry picks the first variant whose CanHandle matches a directive, in
// a fixed documented order, so the engine stays ecosystem-agnostic.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
)

// Backend is the capability contract every ecosystem variant implements.
type Backend interface {
	// Name is the ecosystem name and cache subdirectory ("npm", "pip", ...).
	Name() string

	// Kind is the directive family this backend serves.
	Kind() domain.DirectiveKind

	// CanHandle is a pure predicate on the directive's command shape.
	CanHandle(d domain.InstallDirective) bool

	// ParseInstallDirective returns a *DirectiveParseError for shapes it does not recognize.
	ParseInstallDirective(d domain.InstallDirective) (domain.ResolvedPackage, error)

	// Install is idempotent. It short-circuits when a satisfying version is
	// already present and otherwise runs the ecosystem installer directly.
	Install(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.InstallOutcome, error)

	// FindExecutable tries the backend's private bin dirs, then PATH with
	// exact names only, then ecosystem introspection.
	FindExecutable(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.ExecutableDescriptor, error)

	// Metadata is best-effort and never fails; see PackageMetadata.Degraded.
	Metadata(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) domain.PackageMetadata

	// Hint is the remediation shown when the ecosystem toolchain is missing.
	Hint() string
}

// ErrUnsupportedInstallMethod is returned by Registry.Select when no backend matches.
var ErrUnsupportedInstallMethod = errors.New("unsupported install method")

// DirectiveParseError reports a command shape a backend does not recognize.
type DirectiveParseError struct {
	Backend string
	Command string
	Reason  string
}

func (e *DirectiveParseError) Error() string {
	return fmt.Sprintf("%s: cannot parse install directive %q: %s", e.Backend, e.Command, e.Reason)
}

// InstallError reports an installer failure after all attempts.
type InstallError struct {
	Backend  string
	Package  string
	Attempts int
	Output   string
	Err      error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%s: installing %s failed after %d attempt(s): %v", e.Backend, e.Package, e.Attempts, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// ExecutableNotFoundError lists every name and directory that was tried.
type ExecutableNotFoundError struct {
	Backend string
	Package string
	Tried   []string
	Dirs    []string
}

func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("%s: no executable for %s (tried names %s in %s)",
		e.Backend, e.Package, strings.Join(e.Tried, ", "), strings.Join(e.Dirs, ", "))
}

// ToolchainMissingError is returned when the ecosystem installer itself is
// not on PATH.
type ToolchainMissingError struct {
	Tool string
}

func (e *ToolchainMissingError) Error() string {
	return fmt.Sprintf("%s not found on PATH", e.Tool)
}

// Options are the collaborators shared by all backends.
type Options struct {
	Runner         sandbox.Runner
	InstallTimeout time.Duration
	Logger         *slog.Logger

	// LookPath resolves ecosystem toolchains (npm, pip, go...). Default exec.LookPath.
	LookPath func(string) (string, error)

	// HTTPClient downloads archives. Default has a 10 minute timeout.
	HTTPClient *http.Client

	// Container is the hardening applied to container-image tools.
	Container sandbox.ContainerPolicy

	// MaxArchiveBytes caps downloads and extracted entries.
	MaxArchiveBytes int64
}

const (
	defaultInstallTimeout  = 5 * time.Minute
	defaultMaxArchiveBytes = 512 << 20
)

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = defaultInstallTimeout
	}
	if o.LookPath == nil {
		o.LookPath = exec.LookPath
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if o.MaxArchiveBytes <= 0 {
		o.MaxArchiveBytes = defaultMaxArchiveBytes
	}
	return o
}

// toolchain resolves an ecosystem binary, trying each name in order.
func (o Options) toolchain(names ...string) (string, error) {
	for _, n := range names {
		if p, err := o.LookPath(n); err == nil {
			return p, nil
		}
	}
	return "", &ToolchainMissingError{Tool: names[0]}
}

// run executes an installer or introspection command through the runner.
// A non-zero exit becomes an error carrying the captured stderr.
func (o Options) run(ctx context.Context, req sandbox.RunRequest) (*domain.ExecutionResult, error) {
	if req.Timeout <= 0 {
		req.Timeout = o.InstallTimeout
	}
	res, err := o.Runner.Run(ctx, req)
	if err != nil {
		return res, err
	}
	if res.TimedOut {
		return res, fmt.Errorf("%s timed out after %s", req.Path, req.Timeout)
	}
	if !res.Success {
		return res, fmt.Errorf("%s exited with %s: %s", req.Path, exitString(res), lastLine(res.Stderr))
	}
	return res, nil
}

func exitString(res *domain.ExecutionResult) string {
	if res.ExitCode == nil {
		return "no exit code"
	}
	return fmt.Sprintf("code %d", *res.ExitCode)
}

// lastLine returns the last non-empty line of s, trimmed to 300 bytes.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	if len(line) > 300 {
		line = line[:300]
	}
	return line
}

// degraded builds the fallback metadata record.
func degraded(ecosystem string, pkg domain.ResolvedPackage, reason error) domain.PackageMetadata {
	md := domain.PackageMetadata{
		Name:      pkg.Name,
		Ecosystem: ecosystem,
		Degraded:  true,
	}
	if pkg.Version != domain.LatestVersion {
		md.Version = pkg.Version
	}
	if reason != nil {
		md.Reason = reason.Error()
	}
	return md
}
