package engine

import (
	"io"
	"time"

	"github.com/aemholland/e14z/internal/domain"
)

// State is a step of the execution state machine.
type State string

const (
	StateValidating   State = "validating"
	StateAuthChecking State = "auth_checking"
	StateResolving    State = "resolving"
	StateInstalling   State = "installing"
	StateLocating     State = "locating"
	StateRunning      State = "running"
	StateProbing      State = "probing"

	// Terminal states.
	StateDone         State = "done"
	StateFailed       State = "failed"
	StateAuthRequired State = "auth_required" // halted in auth_checking; not a fault
)

// Terminal reports whether s ends a request.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateAuthRequired
}

// Request asks the engine to resolve and run (or probe) a registry tool.
type Request struct {
	Identifier string            `json:"identifier"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`

	// SkipAuth bypasses the auth gate, e.g. when credentials were supplied
	// out of band.
	SkipAuth bool `json:"skip_auth,omitempty"`

	// Timeout overrides the run timeout. Zero = engine default.
	Timeout time.Duration `json:"timeout,omitempty"`

	Stdin io.Reader `json:"-"`
}

// Outcome is returned for every request, including failed ones. State is
// always terminal; the fields filled in depend on how far the request got.
type Outcome struct {
	ID         domain.ExecutionID           `json:"id"`
	Identifier string                       `json:"identifier"`
	State      State                        `json:"state"`
	States     []State                      `json:"states"`
	Auth       *domain.AuthRequirement      `json:"auth,omitempty"`
	Backend    string                       `json:"backend,omitempty"`
	Package    *domain.ResolvedPackage      `json:"package,omitempty"`
	Install    *domain.InstallOutcome       `json:"install,omitempty"`
	Executable *domain.ExecutableDescriptor `json:"executable,omitempty"`
	Metadata   *domain.PackageMetadata      `json:"metadata,omitempty"`
	Result     *domain.ExecutionResult      `json:"result,omitempty"`
	Probe      *domain.ProbeReport          `json:"probe,omitempty"`

	// AuthHints are credential variable names found in a failed run's
	// stderr. Advisory only.
	AuthHints []string `json:"auth_hints,omitempty"`

	Error    *Error        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Installed reports whether this request performed a physical install.
func (o *Outcome) Installed() bool {
	return o.Install != nil && !o.Install.AlreadyInstalled
}

// AuthStatus is the answer to CheckAuth.
type AuthStatus struct {
	domain.AuthRequirement
	Identifier string `json:"identifier"`

	// Satisfied is true when the requirement is already met by the
	// environment or the credential store.
	Satisfied bool `json:"satisfied"`
}
