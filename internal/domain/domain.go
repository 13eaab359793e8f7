// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// DirectiveKind tags an install directive with the ecosystem family it targets.
type DirectiveKind string

const (
	DirectiveArchiveScript      DirectiveKind = "archive-script"
	DirectiveRegistryPackage    DirectiveKind = "registry-package"
	DirectiveInterpretedPackage DirectiveKind = "interpreted-package"
	DirectiveCompiledPackage    DirectiveKind = "compiled-package"
	DirectiveContainerImage     DirectiveKind = "container-image"
	DirectiveSourceCheckout     DirectiveKind = "source-checkout"
)

// Valid reports whether k is one of the known directive kinds.
func (k DirectiveKind) Valid() bool {
	switch k {
	case DirectiveArchiveScript, DirectiveRegistryPackage, DirectiveInterpretedPackage,
		DirectiveCompiledPackage, DirectiveContainerImage, DirectiveSourceCheckout:
		return true
	}
	return false
}

// InstallDirective is a declared installation recipe for a tool.
// Lower Priority is preferred; Confidence breaks ties (higher first).
type InstallDirective struct {
	Kind       DirectiveKind `json:"kind" yaml:"kind"`
	RawCommand string        `json:"raw_command" yaml:"raw_command"`
	Priority   int           `json:"priority" yaml:"priority"`
	Confidence float64       `json:"confidence" yaml:"confidence"`
}

// ToolRecord is the registry descriptor of a third-party tool.
type ToolRecord struct {
	Identifier        string             `json:"identifier" yaml:"identifier"`
	Name              string             `json:"name,omitempty" yaml:"name,omitempty"`
	Description       string             `json:"description,omitempty" yaml:"description,omitempty"`
	InstallDirectives []InstallDirective `json:"install_directives" yaml:"install_directives"`
	AuthMethod        string             `json:"auth_method,omitempty" yaml:"auth_method,omitempty"`
	ExecutableHints   []string           `json:"executable_hints,omitempty" yaml:"executable_hints,omitempty"`
	RequiredEnv       []string           `json:"required_env,omitempty" yaml:"required_env,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at,omitempty" yaml:"-"`
}

// ResolvedPackage is the output of a backend's directive parser.
// Name has passed identifier validation before any backend installs it.
type ResolvedPackage struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	RegistryKind    string `json:"registry_kind"`
	OriginalCommand string `json:"original_command"`

	// ExplicitVersion is true when the directive carried a version qualifier,
	// including an explicit "latest" tag.
	ExplicitVersion bool `json:"explicit_version"`

	// Args are trailing runtime arguments embedded in the directive
	// (e.g. "npx -y pkg --stdio").
	Args []string `json:"args,omitempty"`

	// Source is the fetch location for archive and checkout backends.
	Source string `json:"source,omitempty"`

	// Ref is a branch or tag for checkouts, or a sha256 digest for archives.
	Ref string `json:"ref,omitempty"`

	// Hints are preferred executable names declared by the registry record.
	Hints []string `json:"hints,omitempty"`

	// EnvNames are environment variable names the directive forwards to the
	// tool (container -e flags). Values are never taken from the directive.
	EnvNames []string `json:"env_names,omitempty"`
}

// LatestVersion is the implicit version of an unqualified directive.
const LatestVersion = "latest"

// ResolvedVia records how an executable path was found.
type ResolvedVia string

const (
	ResolvedBinDir        ResolvedVia = "backend-bin-dir"
	ResolvedScopedPath    ResolvedVia = "scoped-path"
	ResolvedIntrospection ResolvedVia = "introspection"
)

// ExecutableDescriptor is a concrete, on-disk, runnable artifact.
type ExecutableDescriptor struct {
	AbsolutePath string      `json:"absolute_path"`
	Args         []string    `json:"args,omitempty"`
	BackendKind  string      `json:"backend_kind"`
	ToolName     string      `json:"tool_name"`
	ResolvedVia  ResolvedVia `json:"resolved_via"`

	// BinDir is prepended to the child's PATH when set.
	BinDir string `json:"bin_dir,omitempty"`

	// Container is the name given to the container that running
	// AbsolutePath with Args starts, for container-image tools.
	Container string `json:"container,omitempty"`
}

// InstallOutcome is the result of a backend install call.
type InstallOutcome struct {
	Package          string `json:"package"`
	RequestedVersion string `json:"requested_version"`
	InstalledVersion string `json:"installed_version,omitempty"`

	// VersionFallback is set when the requested version failed and the
	// unqualified retry succeeded. InstalledVersion then may differ from
	// RequestedVersion.
	VersionFallback  bool          `json:"version_fallback"`
	AlreadyInstalled bool          `json:"already_installed"`
	Attempts         int           `json:"attempts"`
	Duration         time.Duration `json:"duration"`
	Output           string        `json:"output,omitempty"`
}

// PackageMetadata is advisory information about an installed package.
type PackageMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
	License     string `json:"license,omitempty"`
	Ecosystem   string `json:"ecosystem"`

	// Degraded is true when metadata could not be read and the record only
	// carries what the directive itself provided.
	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// AuthMethod is the declared authentication scheme of a tool.
type AuthMethod string

const (
	AuthNone        AuthMethod = "none"
	AuthAPIKey      AuthMethod = "api_key"
	AuthOAuth       AuthMethod = "oauth"
	AuthCredentials AuthMethod = "credentials"
	AuthCustom      AuthMethod = "custom"
)

// AuthRequirement says whether a tool needs credentials before it runs.
type AuthRequirement struct {
	Required     bool       `json:"required"`
	Method       AuthMethod `json:"method"`
	Instructions []string   `json:"instructions,omitempty"`
	RequiredEnv  []string   `json:"required_env,omitempty"`
}

// ExecutionResult is produced exactly once per execution attempt.
// ExitCode is nil when the process never started or was killed by a signal.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	ExitCode   *int   `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// ExecutionID identifies one engine request in logs and responses.
type ExecutionID = uuid.UUID

// ProbeReport is what an MCP stdio handshake revealed about a tool.
type ProbeReport struct {
	ProtocolVersion string        `json:"protocol_version"`
	ServerName      string        `json:"server_name"`
	ServerVersion   string        `json:"server_version,omitempty"`
	Tools           []ProbeEntry  `json:"tools"`
	Resources       []ProbeEntry  `json:"resources,omitempty"`
	Prompts         []ProbeEntry  `json:"prompts,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// ProbeEntry names one tool, resource or prompt a server exposes.
// For resources Name holds the URI.
type ProbeEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
