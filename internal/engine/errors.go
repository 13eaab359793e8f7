package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aemholland/e14z/internal/backend"
	"github.com/aemholland/e14z/internal/registry"
	"github.com/aemholland/e14z/internal/sandbox"
	"github.com/aemholland/e14z/internal/sanitize"
)

// FailureKind classifies engine failures.
type FailureKind string

const (
	FailInvalidIdentifier        FailureKind = "invalid_identifier"
	FailUnsafeCommand            FailureKind = "unsafe_command"
	FailRegistryLookup           FailureKind = "registry_lookup"
	FailUnsupportedInstallMethod FailureKind = "unsupported_install_method"
	FailInstallError             FailureKind = "install_error"
	FailExecutableNotFound       FailureKind = "executable_not_found"
	FailSpawnError               FailureKind = "spawn_error"
	FailProbeError               FailureKind = "probe_error"
	FailCanceled                 FailureKind = "canceled"
)

// Error is an engine failure: the state it happened in, its kind and a
// remediation hint for the user.
type Error struct {
	Kind  FailureKind
	State State
	Hint  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// MarshalJSON renders the error for API responses.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    FailureKind `json:"kind"`
		State   State       `json:"state"`
		Message string      `json:"message"`
		Hint    string      `json:"hint,omitempty"`
	}{e.Kind, e.State, e.Err.Error(), e.Hint})
}

// KindOf returns the failure kind of err, or "" when err is not an *Error.
func KindOf(err error) FailureKind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// newError classifies err raised in state. fallback is used when nothing
// more specific matches. b supplies the toolchain hint, and may be nil.
func newError(state State, fallback FailureKind, err error, b backend.Backend) *Error {
	e := &Error{Kind: fallback, State: state, Err: err}

	var (
		parseErr    *backend.DirectiveParseError
		missingErr  *backend.ToolchainMissingError
		notFoundErr *backend.ExecutableNotFoundError
		spawnErr    *sandbox.SpawnError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.Kind = FailCanceled
		e.Hint = "the request was canceled or ran out of time; retry with a longer timeout"
	case errors.Is(err, sanitize.ErrInvalidIdentifier):
		e.Kind = FailInvalidIdentifier
		e.Hint = "identifiers may only contain letters, digits and @ / _ . - (no \"..\")"
	case errors.Is(err, sanitize.ErrUnsafeCommand):
		e.Kind = FailUnsafeCommand
		e.Hint = "remove shell metacharacters and path traversal from the command, arguments and environment names"
	case errors.Is(err, registry.ErrNotFound):
		e.Kind = FailRegistryLookup
		e.Hint = "check the tool identifier, or import a record with 'e14z registry import'"
	case errors.Is(err, backend.ErrUnsupportedInstallMethod), errors.As(err, &parseErr):
		e.Kind = FailUnsupportedInstallMethod
		e.Hint = "none of the tool's install directives is a supported package manager command"
	case errors.As(err, &missingErr):
		e.Kind = FailInstallError
		if b != nil {
			e.Hint = b.Hint()
		} else {
			e.Hint = fmt.Sprintf("install %s and retry", missingErr.Tool)
		}
	case errors.As(err, &notFoundErr):
		e.Kind = FailExecutableNotFound
		e.Hint = "the package installed but exposes no matching executable; add executable_hints to the registry record"
	case errors.As(err, &spawnErr):
		e.Kind = FailSpawnError
		e.Hint = "the executable could not be started; check its permissions and that the cache is not mounted noexec"
	}

	if e.Hint == "" {
		switch e.Kind {
		case FailInstallError:
			e.Hint = "the package installer failed; check its output and retry"
		case FailRegistryLookup:
			e.Hint = "the registry could not be reached; check registry.url and your network"
		case FailProbeError:
			e.Hint = "the tool did not answer an MCP initialize request over stdio"
		}
	}
	return e
}
