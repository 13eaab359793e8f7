package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aemholland/e14z/internal/auth"
	"github.com/aemholland/e14z/internal/backend"
	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/observability"
	"github.com/aemholland/e14z/internal/registry"
	"github.com/aemholland/e14z/internal/sandbox"
	"github.com/aemholland/e14z/internal/sanitize"
)

// --- fakes ---

type fakeLookup struct {
	mu      sync.Mutex
	records map[string]domain.ToolRecord
	calls   int
}

func newLookup(recs ...domain.ToolRecord) *fakeLookup {
	l := &fakeLookup{records: make(map[string]domain.ToolRecord)}
	for _, r := range recs {
		l.records[r.Identifier] = r
	}
	return l
}

func (l *fakeLookup) Get(_ context.Context, id string) (*domain.ToolRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	rec, ok := l.records[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return &rec, nil
}

// fakeBackend handles "fake <name>" directives. Install marks the package
// present; FindExecutable only succeeds afterwards.
type fakeBackend struct {
	installDelay time.Duration
	installErr   error

	installs atomic.Int32
	mu       sync.Mutex
	present  map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{present: make(map[string]bool)}
}

func (b *fakeBackend) Name() string               { return "fake" }
func (b *fakeBackend) Kind() domain.DirectiveKind { return domain.DirectiveCompiledPackage }
func (b *fakeBackend) Hint() string               { return "install fake and retry" }

func (b *fakeBackend) CanHandle(d domain.InstallDirective) bool {
	return strings.HasPrefix(d.RawCommand, "fake ")
}

func (b *fakeBackend) ParseInstallDirective(d domain.InstallDirective) (domain.ResolvedPackage, error) {
	cmd, err := sanitize.ParseSafeCommand(d.RawCommand)
	if err != nil {
		return domain.ResolvedPackage{}, err
	}
	if len(cmd.Args) == 0 {
		return domain.ResolvedPackage{}, &backend.DirectiveParseError{Backend: "fake", Command: d.RawCommand, Reason: "no package"}
	}
	return domain.ResolvedPackage{
		Name:            cmd.Args[0],
		Version:         domain.LatestVersion,
		RegistryKind:    "fake",
		OriginalCommand: d.RawCommand,
		Args:            cmd.Args[1:],
	}, nil
}

func (b *fakeBackend) Install(_ context.Context, pkg domain.ResolvedPackage, _ string) (*domain.InstallOutcome, error) {
	b.installs.Add(1)
	time.Sleep(b.installDelay)
	if b.installErr != nil {
		return &domain.InstallOutcome{Package: pkg.Name, Attempts: 1}, &backend.InstallError{Backend: "fake", Package: pkg.Name, Attempts: 1, Err: b.installErr}
	}
	b.mu.Lock()
	b.present[pkg.Name] = true
	b.mu.Unlock()
	return &domain.InstallOutcome{Package: pkg.Name, RequestedVersion: pkg.Version, InstalledVersion: "1.0.0", Attempts: 1}, nil
}

func (b *fakeBackend) FindExecutable(_ context.Context, pkg domain.ResolvedPackage, _ string) (*domain.ExecutableDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.present[pkg.Name] {
		return nil, &backend.ExecutableNotFoundError{Backend: "fake", Package: pkg.Name, Tried: []string{pkg.Name}}
	}
	return &domain.ExecutableDescriptor{
		AbsolutePath: "/opt/fake/bin/" + pkg.Name,
		Args:         slices.Clone(pkg.Args),
		BackendKind:  "fake",
		ToolName:     pkg.Name,
		ResolvedVia:  domain.ResolvedBinDir,
		BinDir:       "/opt/fake/bin",
	}, nil
}

func (b *fakeBackend) Metadata(_ context.Context, pkg domain.ResolvedPackage, _ string) domain.PackageMetadata {
	return domain.PackageMetadata{Name: pkg.Name, Version: "1.0.0", Ecosystem: "fake", License: "MIT"}
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []sandbox.RunRequest
	result func(req sandbox.RunRequest) (*domain.ExecutionResult, error)
}

func (r *fakeRunner) Run(_ context.Context, req sandbox.RunRequest) (*domain.ExecutionResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	if r.result != nil {
		return r.result(req)
	}
	return exitResult(0, "ok", ""), nil
}

func (r *fakeRunner) Calls() []sandbox.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.RunRequest(nil), r.calls...)
}

func exitResult(code int, stdout, stderr string) *domain.ExecutionResult {
	return &domain.ExecutionResult{Success: code == 0, ExitCode: &code, Stdout: stdout, Stderr: stderr}
}

type fakeProber struct {
	report *domain.ProbeReport
	err    error
}

func (p fakeProber) Probe(context.Context, *domain.ExecutableDescriptor, map[string]string) (*domain.ProbeReport, error) {
	return p.report, p.err
}

func fakeRecord(id string, directives ...string) domain.ToolRecord {
	rec := domain.ToolRecord{Identifier: id}
	for i, d := range directives {
		rec.InstallDirectives = append(rec.InstallDirectives, domain.InstallDirective{RawCommand: d, Priority: i + 1})
	}
	return rec
}

type harness struct {
	engine  *Engine
	lookup  *fakeLookup
	backend *fakeBackend
	runner  *fakeRunner
	metrics *observability.MetricsCollector
}

func newHarness(t *testing.T, recs ...domain.ToolRecord) *harness {
	t.Helper()
	h := &harness{
		lookup:  newLookup(recs...),
		backend: newFakeBackend(),
		runner:  &fakeRunner{},
		metrics: observability.NewMetricsCollector(),
	}
	reg := backend.NewRegistry()
	reg.Register(h.backend)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(Deps{
		Lookup:   h.lookup,
		Backends: reg,
		Runner:   h.runner,
		Locker:   backend.NewLocker(filepath.Join(t.TempDir(), "locks"), 0, logger),
		CacheDir: t.TempDir(),
		Logger:   logger,
		Metrics:  h.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine = e
	return h
}

func wantKind(t *testing.T, err error, kind FailureKind) *Error {
	t.Helper()
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if ee.Kind != kind {
		t.Fatalf("kind = %s, want %s (err: %v)", ee.Kind, kind, ee.Err)
	}
	if ee.Hint == "" {
		t.Errorf("%s error has no hint", kind)
	}
	return ee
}

// --- tests ---

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("expected error for empty deps")
	}
}

func TestExecute_InvalidIdentifier(t *testing.T) {
	h := newHarness(t)

	out, err := h.engine.Execute(context.Background(), Request{Identifier: "../etc/passwd"})
	wantKind(t, err, FailInvalidIdentifier)
	if out.State != StateFailed || !slices.Equal(out.States, []State{StateValidating}) {
		t.Errorf("state = %s, states = %v", out.State, out.States)
	}
	if h.lookup.calls != 0 {
		t.Errorf("registry consulted %d times for an invalid identifier", h.lookup.calls)
	}
	if ExitCode(out, err) != ExitFailure {
		t.Errorf("exit code = %d", ExitCode(out, err))
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Execute(context.Background(), Request{Identifier: "nope"})
	wantKind(t, err, FailRegistryLookup)
}

func TestExecute_RejectsUnsafeCallerInput(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "fake tool"))

	tests := []struct {
		name string
		req  Request
	}{
		{"shell metacharacter in args", Request{Identifier: "tool", Args: []string{"x; rm -rf /"}}},
		{"denied env name", Request{Identifier: "tool", Env: map[string]string{"LD_PRELOAD": "/tmp/evil.so"}}},
		{"invalid env name", Request{Identifier: "tool", Env: map[string]string{"A-B": "1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Execute(context.Background(), tt.req)
			wantKind(t, err, FailUnsafeCommand)
		})
	}
	if n := h.backend.installs.Load(); n != 0 {
		t.Errorf("installs = %d, want 0", n)
	}
}

func TestExecute_AuthRequiredHaltsBeforeInstall(t *testing.T) {
	t.Setenv("E14Z_ENGINE_TEST_TOKEN", "")
	rec := fakeRecord("github", "fake github-mcp")
	rec.AuthMethod = "api_key"
	rec.RequiredEnv = []string{"E14Z_ENGINE_TEST_TOKEN"}
	h := newHarness(t, rec)

	out, err := h.engine.Execute(context.Background(), Request{Identifier: "github"})
	if err != nil {
		t.Fatalf("auth required must not be an error: %v", err)
	}
	if out.State != StateAuthRequired {
		t.Fatalf("state = %s, want %s", out.State, StateAuthRequired)
	}
	if out.States[len(out.States)-1] != StateAuthChecking {
		t.Errorf("states = %v, want to end in auth_checking", out.States)
	}
	if out.Auth == nil || !out.Auth.Required || !strings.Contains(strings.Join(out.Auth.Instructions, " "), "E14Z_ENGINE_TEST_TOKEN") {
		t.Errorf("auth = %+v", out.Auth)
	}
	if h.backend.installs.Load() != 0 || len(h.runner.Calls()) != 0 {
		t.Error("engine went past auth checking")
	}
	if ExitCode(out, err) != ExitAuthRequired {
		t.Errorf("exit code = %d, want %d", ExitCode(out, err), ExitAuthRequired)
	}

	// Supplying the credential, or skipping the check, lets it through.
	out, err = h.engine.Execute(context.Background(), Request{Identifier: "github", Env: map[string]string{"E14Z_ENGINE_TEST_TOKEN": "t0k"}})
	if err != nil || out.State != StateDone {
		t.Errorf("with credential: state = %s, err = %v", out.State, err)
	}
	out, err = h.engine.Execute(context.Background(), Request{Identifier: "github", SkipAuth: true})
	if err != nil || out.State != StateDone {
		t.Errorf("skip auth: state = %s, err = %v", out.State, err)
	}
}

func TestExecute_RegistryTokenDoesNotSatisfyToolOAuth(t *testing.T) {
	t.Setenv("E14Z_API_KEY", "registry-token")
	t.Setenv("E14Z_ENGINE_TEST_OAUTH", "")
	rec := fakeRecord("notion", "fake notion-mcp")
	rec.AuthMethod = "oauth"
	h := newHarness(t, rec)

	tests := []struct {
		name      string
		oauthEnv  string
		oauthVal  string
		wantState State
	}{
		{name: "no tool oauth variable", oauthEnv: "", wantState: StateAuthRequired},
		{name: "tool variable is the registry key", oauthEnv: "E14Z_API_KEY", wantState: StateAuthRequired},
		{name: "tool variable unset", oauthEnv: "E14Z_ENGINE_TEST_OAUTH", wantState: StateAuthRequired},
		{name: "tool variable set", oauthEnv: "E14Z_ENGINE_TEST_OAUTH", oauthVal: "tool-token", wantState: StateDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("E14Z_ENGINE_TEST_OAUTH", tt.oauthVal)
			h.engine.deps.Credentials = auth.NewToolCredentialStore(tt.oauthEnv, "E14Z_API_KEY")
			out, err := h.engine.Execute(context.Background(), Request{Identifier: "notion"})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if out.State != tt.wantState {
				t.Errorf("state = %s, want %s", out.State, tt.wantState)
			}
		})
	}
}

// A container tag that cannot be pulled falls back to :latest, and the
// pulled image is the one located and run.
func TestExecute_ContainerVersionFallback(t *testing.T) {
	var mu sync.Mutex
	images := map[string]bool{}
	runner := &fakeRunner{result: func(req sandbox.RunRequest) (*domain.ExecutionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		ref := req.Args[len(req.Args)-1]
		switch req.Args[0] {
		case "pull":
			if strings.HasSuffix(ref, ":9.9.9") {
				return exitResult(1, "", "manifest unknown"), nil
			}
			images[ref] = true
			return exitResult(0, "pulled", ""), nil
		case "image":
			if !images[ref] {
				return exitResult(1, "", "No such image: "+ref), nil
			}
			return exitResult(0, "{}", ""), nil
		}
		return exitResult(0, "served", ""), nil
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := backend.NewRegistry()
	reg.Register(backend.NewContainer(backend.Options{
		Runner:   runner,
		Logger:   logger,
		LookPath: func(name string) (string, error) { return "/usr/bin/" + name, nil },
	}))
	e, err := New(Deps{
		Lookup:   newLookup(fakeRecord("acme", "docker run -i --rm ghcr.io/acme/tool:9.9.9")),
		Backends: reg,
		Runner:   runner,
		Locker:   backend.NewLocker(filepath.Join(t.TempDir(), "locks"), 0, logger),
		CacheDir: t.TempDir(),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := e.Execute(context.Background(), Request{Identifier: "acme"})
	if err != nil || out.State != StateDone {
		t.Fatalf("state = %s, err = %v", out.State, err)
	}
	if out.Install == nil || !out.Install.VersionFallback {
		t.Errorf("install = %+v, want version fallback", out.Install)
	}
	calls := runner.Calls()
	last := calls[len(calls)-1]
	if last.Args[0] != "run" || !slices.Contains(last.Args, "ghcr.io/acme/tool:latest") {
		t.Errorf("run args = %v", last.Args)
	}
	if last.Container == "" || last.Container != out.Executable.Container {
		t.Errorf("run request container = %q, descriptor %q", last.Container, out.Executable.Container)
	}

	// The next request locates the same image without installing.
	out, err = e.Execute(context.Background(), Request{Identifier: "acme"})
	if err != nil || out.State != StateDone || out.Install != nil {
		t.Errorf("second run: state = %s, install = %+v, err = %v", out.State, out.Install, err)
	}
}

type fakeSecrets map[string]string

func (f fakeSecrets) Resolve(_ context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, n := range names {
		if v, ok := f[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func TestExecute_ForwardsDeclaredEnv(t *testing.T) {
	t.Setenv("E14Z_ENGINE_TEST_TOKEN", "from-process")
	t.Setenv("E14Z_ENGINE_TEST_VAULTED", "")
	rec := fakeRecord("github", "fake github-mcp")
	rec.AuthMethod = "api_key"
	rec.RequiredEnv = []string{"E14Z_ENGINE_TEST_TOKEN", "E14Z_ENGINE_TEST_VAULTED"}
	h := newHarness(t, rec)

	out, _ := h.engine.Execute(context.Background(), Request{Identifier: "github"})
	if out.State != StateAuthRequired {
		t.Fatalf("state = %s, want auth_required without the vaulted credential", out.State)
	}

	h.engine.deps.Secrets = fakeSecrets{
		"E14Z_ENGINE_TEST_TOKEN":   "from-vault",
		"E14Z_ENGINE_TEST_VAULTED": "v4ult",
	}
	out, err := h.engine.Execute(context.Background(), Request{Identifier: "github"})
	if err != nil || out.State != StateDone {
		t.Fatalf("state = %s, err = %v", out.State, err)
	}
	calls := h.runner.Calls()
	env := calls[len(calls)-1].Env
	if env["E14Z_ENGINE_TEST_TOKEN"] != "from-process" {
		t.Errorf("process value should win over resolver: %q", env["E14Z_ENGINE_TEST_TOKEN"])
	}
	if env["E14Z_ENGINE_TEST_VAULTED"] != "v4ult" {
		t.Errorf("resolved credential not injected: %v", env)
	}

	out, _ = h.engine.Execute(context.Background(), Request{
		Identifier: "github",
		Env:        map[string]string{"E14Z_ENGINE_TEST_TOKEN": "caller"},
	})
	calls = h.runner.Calls()
	if got := calls[len(calls)-1].Env["E14Z_ENGINE_TEST_TOKEN"]; out.State != StateDone || got != "caller" {
		t.Errorf("caller value should win: state = %s, value = %q", out.State, got)
	}
}

func TestToolEnv(t *testing.T) {
	t.Setenv("BASH_ENV", "/tmp/evil")
	t.Setenv("E14Z_ENGINE_TEST_PLAIN", "p")
	h := newHarness(t)
	h.engine.deps.Secrets = fakeSecrets{"BASH_ENV": "x", "E14Z_ENGINE_TEST_MISSING": "m"}

	supplied := map[string]string{"OTHER": "o"}
	env := h.engine.toolEnv(context.Background(),
		[]string{"BASH_ENV", "E14Z_ENGINE_TEST_PLAIN", "E14Z_ENGINE_TEST_MISSING", "bad-name"}, supplied)
	want := map[string]string{"OTHER": "o", "E14Z_ENGINE_TEST_PLAIN": "p", "E14Z_ENGINE_TEST_MISSING": "m"}
	if len(env) != len(want) {
		t.Fatalf("env = %v, want %v", env, want)
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, env[k], v)
		}
	}
	if len(supplied) != 1 {
		t.Error("toolEnv mutated the caller's map")
	}
}

func TestExecute_InstallsThenRuns(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "fake tool --stdio"))

	out, err := h.engine.Execute(context.Background(), Request{Identifier: "tool", Args: []string{"--verbose"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []State{StateValidating, StateAuthChecking, StateResolving, StateLocating, StateInstalling, StateLocating, StateRunning}
	if !slices.Equal(out.States, want) {
		t.Errorf("states = %v, want %v", out.States, want)
	}
	if out.State != StateDone || !out.Installed() || out.Backend != "fake" {
		t.Errorf("outcome = %+v", out)
	}

	calls := h.runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("runner calls = %d", len(calls))
	}
	call := calls[0]
	if call.Path != "/opt/fake/bin/tool" {
		t.Errorf("path = %q", call.Path)
	}
	if !slices.Equal(call.Args, []string{"--stdio", "--verbose"}) {
		t.Errorf("args = %v", call.Args)
	}
	if !slices.Equal(call.PathPrepend, []string{"/opt/fake/bin"}) {
		t.Errorf("path prepend = %v", call.PathPrepend)
	}
	if call.Timeout != defaultRunTimeout {
		t.Errorf("timeout = %s", call.Timeout)
	}
	if ExitCode(out, err) != ExitOK {
		t.Errorf("exit code = %d", ExitCode(out, err))
	}
	if got := testutil.ToFloat64(h.metrics.ExecutionsTotal.WithLabelValues("fake", "done")); got != 1 {
		t.Errorf("executions_total{fake,done} = %v", got)
	}
}

func TestExecute_NonZeroExitIsAResult(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "fake tool"))
	h.runner.result = func(sandbox.RunRequest) (*domain.ExecutionResult, error) {
		return exitResult(2, "", "fatal: GITHUB_TOKEN is not set"), nil
	}

	out, err := h.engine.Execute(context.Background(), Request{Identifier: "tool"})
	if err != nil {
		t.Fatalf("non-zero exit must not be an engine error: %v", err)
	}
	if out.State != StateDone || out.Result.Success || *out.Result.ExitCode != 2 {
		t.Errorf("result = %+v", out.Result)
	}
	if !slices.Equal(out.AuthHints, []string{"GITHUB_TOKEN"}) {
		t.Errorf("auth hints = %v", out.AuthHints)
	}
	if ExitCode(out, err) != ExitFailure {
		t.Errorf("exit code = %d", ExitCode(out, err))
	}
}

func TestExecute_TimeoutIsAResult(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "fake tool"))
	h.runner.result = func(req sandbox.RunRequest) (*domain.ExecutionResult, error) {
		if req.Timeout != 2*time.Second {
			t.Errorf("timeout = %s, want request override", req.Timeout)
		}
		return &domain.ExecutionResult{TimedOut: true, Stdout: "partial"}, nil
	}

	out, err := h.engine.Execute(context.Background(), Request{Identifier: "tool", Timeout: 2 * time.Second})
	if err != nil || !out.Result.TimedOut || out.Result.Stdout != "partial" {
		t.Errorf("out = %+v, err = %v", out.Result, err)
	}
}

func TestExecute_SpawnError(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "fake tool"))
	h.runner.result = func(req sandbox.RunRequest) (*domain.ExecutionResult, error) {
		return &domain.ExecutionResult{Stderr: "permission denied"}, &sandbox.SpawnError{Path: req.Path, Err: errors.New("permission denied")}
	}

	out, err := h.engine.Execute(context.Background(), Request{Identifier: "tool"})
	ee := wantKind(t, err, FailSpawnError)
	if ee.State != StateRunning || out.Result == nil {
		t.Errorf("state = %s, result = %v", ee.State, out.Result)
	}
	if got := testutil.ToFloat64(h.metrics.FailuresTotal.WithLabelValues(string(FailSpawnError))); got != 1 {
		t.Errorf("failures_total = %v", got)
	}
}

func TestExecute_UnsupportedInstallMethod(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "brew install tool"))
	out, err := h.engine.Execute(context.Background(), Request{Identifier: "tool"})
	ee := wantKind(t, err, FailUnsupportedInstallMethod)
	if ee.State != StateResolving || out.Backend != "" {
		t.Errorf("state = %s, backend = %q", ee.State, out.Backend)
	}
}

// The top-ranked directive decides; an unsafe one fails the request even
// when a safe directive follows.
func TestExecute_UnsafeDirectiveDoesNotFallThrough(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "fake tool;reboot", "fake tool"))
	_, err := h.engine.Execute(context.Background(), Request{Identifier: "tool"})
	wantKind(t, err, FailUnsafeCommand)
	if h.backend.installs.Load() != 0 {
		t.Error("fell through to the second directive")
	}
}

func TestExecute_InstallFailure(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "fake tool"))
	h.backend.installErr = errors.New("registry unreachable")

	out, err := h.engine.Execute(context.Background(), Request{Identifier: "tool"})
	ee := wantKind(t, err, FailInstallError)
	if ee.State != StateInstalling || out.Install == nil {
		t.Errorf("state = %s, install = %+v", ee.State, out.Install)
	}
}

// With no go toolchain, "go install <mod>@latest" is attempted once with
// and once without the qualifier, then fails with the Go hint.
func TestExecute_GoToolchainMissing(t *testing.T) {
	runner := &fakeRunner{}
	reg := backend.NewRegistry()
	reg.Register(backend.NewGo(backend.Options{
		Runner:   runner,
		LookPath: func(string) (string, error) { return "", errors.New("not found") },
	}))
	rec := fakeRecord("example-tool", "go install example.org/e14z-engine-test-tool@latest")
	e, err := New(Deps{Lookup: newLookup(rec), Backends: reg, Runner: runner, CacheDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.Execute(context.Background(), Request{Identifier: "example-tool"})
	ee := wantKind(t, err, FailInstallError)
	if ee.Hint != "install Go and retry" {
		t.Errorf("hint = %q", ee.Hint)
	}
	var ie *backend.InstallError
	if !errors.As(err, &ie) || ie.Attempts != 2 {
		t.Errorf("install error = %v", err)
	}
	if out.Install == nil || out.Install.Attempts != 2 {
		t.Errorf("install outcome = %+v", out.Install)
	}
}

func TestExecute_ConcurrentRequestsInstallOnce(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "fake tool"))
	h.backend.installDelay = 50 * time.Millisecond

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.engine.Execute(context.Background(), Request{Identifier: "tool"})
			if err == nil && out.State != StateDone {
				err = errors.New("not done: " + string(out.State))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
	if got := h.backend.installs.Load(); got != 1 {
		t.Errorf("installs = %d, want exactly 1", got)
	}
	if got := len(h.runner.Calls()); got != n {
		t.Errorf("runs = %d, want %d", got, n)
	}
}

func TestResolve_RoundTripDoesNotReinstall(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "fake tool"))

	first, err := h.engine.Resolve(context.Background(), Request{Identifier: "tool"})
	if err != nil || !first.Installed() || first.Executable == nil {
		t.Fatalf("first resolve: %+v, %v", first, err)
	}
	if md := first.Metadata; md == nil || md.Name != "tool" || md.Version != "1.0.0" || md.License != "MIT" {
		t.Errorf("metadata = %+v", first.Metadata)
	}
	second, err := h.engine.Resolve(context.Background(), Request{Identifier: "tool"})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.Install != nil || h.backend.installs.Load() != 1 {
		t.Errorf("second resolve reinstalled (installs = %d)", h.backend.installs.Load())
	}
	if !slices.Equal(second.States, []State{StateValidating, StateAuthChecking, StateResolving, StateLocating}) {
		t.Errorf("states = %v", second.States)
	}
	if len(h.runner.Calls()) != 0 {
		t.Error("resolve must not run the tool")
	}
}

func TestProbe(t *testing.T) {
	h := newHarness(t, fakeRecord("tool", "fake tool"))

	_, err := h.engine.Probe(context.Background(), Request{Identifier: "tool"})
	wantKind(t, err, FailProbeError)

	h.engine.deps.Prober = fakeProber{report: &domain.ProbeReport{ServerName: "tool", Tools: []domain.ProbeEntry{{Name: "search"}}}}
	out, err := h.engine.Probe(context.Background(), Request{Identifier: "tool"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if out.Probe == nil || out.Probe.Tools[0].Name != "search" || out.States[len(out.States)-1] != StateProbing {
		t.Errorf("outcome = %+v", out)
	}
	if len(h.runner.Calls()) != 0 {
		t.Error("probe must not use the runner")
	}
	if got := testutil.ToFloat64(h.metrics.ProbesTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("probes_total{success} = %v", got)
	}
}

func TestCheckAuth(t *testing.T) {
	t.Setenv("E14Z_ENGINE_TEST_KEY", "")
	rec := fakeRecord("tool", "fake tool")
	rec.AuthMethod = "API Key"
	rec.RequiredEnv = []string{"E14Z_ENGINE_TEST_KEY"}
	h := newHarness(t, rec, fakeRecord("open", "fake open"))

	st, err := h.engine.CheckAuth(context.Background(), "tool", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Required || st.Method != domain.AuthAPIKey || st.Satisfied {
		t.Errorf("status = %+v", st)
	}
	st, _ = h.engine.CheckAuth(context.Background(), "tool", map[string]string{"E14Z_ENGINE_TEST_KEY": "x"})
	if !st.Satisfied {
		t.Error("supplied key should satisfy the requirement")
	}
	h.engine.deps.Secrets = fakeSecrets{"E14Z_ENGINE_TEST_KEY": "vaulted"}
	st, _ = h.engine.CheckAuth(context.Background(), "tool", nil)
	if !st.Satisfied {
		t.Error("configured credential reference should satisfy the requirement")
	}
	st, _ = h.engine.CheckAuth(context.Background(), "open", nil)
	if st.Required {
		t.Errorf("open tool requires auth: %+v", st)
	}
	if _, err := h.engine.CheckAuth(context.Background(), "a\\b", nil); KindOf(err) != FailInvalidIdentifier {
		t.Errorf("err = %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		out  *Outcome
		err  error
		want int
	}{
		{"nil outcome", nil, nil, ExitFailure},
		{"error", &Outcome{State: StateFailed}, errors.New("x"), ExitFailure},
		{"auth required", &Outcome{State: StateAuthRequired}, nil, ExitAuthRequired},
		{"resolved", &Outcome{State: StateDone}, nil, ExitOK},
		{"tool succeeded", &Outcome{State: StateDone, Result: exitResult(0, "", "")}, nil, ExitOK},
		{"tool failed", &Outcome{State: StateDone, Result: exitResult(2, "", "")}, nil, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.out, tt.err); got != tt.want {
				t.Errorf("ExitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed, StateAuthRequired} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StateRunning.Terminal() {
		t.Error("running is not terminal")
	}
}
