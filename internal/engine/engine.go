// Package engine drives a registry tool from identifier to a finished
// process: validate, check auth, pick a backend, install if needed, locate
// the executable, then run or probe it.
//
// The engine holds no mutable state of its own. Concurrent requests share
// only the on-disk cache, and installs of the same package version are
// serialized through the Locker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/aemholland/e14z/internal/auth"
	"github.com/aemholland/e14z/internal/backend"
	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/observability"
	"github.com/aemholland/e14z/internal/registry"
	"github.com/aemholland/e14z/internal/sandbox"
	"github.com/aemholland/e14z/internal/sanitize"
)

const defaultRunTimeout = 60 * time.Second

// Prober performs an MCP handshake against a located executable.
type Prober interface {
	Probe(ctx context.Context, desc *domain.ExecutableDescriptor, env map[string]string) (*domain.ProbeReport, error)
}

// CredentialResolver supplies values for tool environment variables from
// configured credential references. Names it has no reference for are
// omitted from the result.
type CredentialResolver interface {
	Resolve(ctx context.Context, names []string) (map[string]string, error)
}

// Deps are the engine's collaborators. Lookup, Backends, Runner and
// CacheDir are required; the rest are optional.
type Deps struct {
	Lookup      registry.Lookup
	Backends    *backend.Registry
	Runner      sandbox.Runner
	Credentials auth.CredentialStore
	Locker      *backend.Locker
	Prober      Prober
	Secrets     CredentialResolver
	CacheDir    string
	RunTimeout  time.Duration

	Logger  *slog.Logger
	Metrics *observability.MetricsCollector
	Tracer  trace.Tracer
}

// Engine executes registry tools. Safe for concurrent use.
type Engine struct {
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
}

// New validates deps and fills in defaults.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Lookup == nil:
		return nil, errors.New("engine: registry lookup is required")
	case deps.Backends == nil:
		return nil, errors.New("engine: backend registry is required")
	case deps.Runner == nil:
		return nil, errors.New("engine: process runner is required")
	case deps.CacheDir == "":
		return nil, errors.New("engine: cache dir is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Credentials == nil {
		deps.Credentials = auth.Anonymous{}
	}
	if deps.Locker == nil {
		deps.Locker = backend.NewLocker("", 0, deps.Logger)
	}
	if deps.RunTimeout <= 0 {
		deps.RunTimeout = defaultRunTimeout
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Engine{deps: deps, logger: deps.Logger, tracer: tracer}, nil
}

type mode string

const (
	modeExecute mode = "execute"
	modeResolve mode = "resolve"
	modeProbe   mode = "probe"
)

// Execute resolves the tool, installing it if needed, and runs it with
// req.Args appended to the directive's own arguments. A non-zero exit or a
// timeout is reported in Outcome.Result, not as an error.
func (e *Engine) Execute(ctx context.Context, req Request) (*Outcome, error) {
	return e.handle(ctx, req, modeExecute)
}

// Resolve stops after locating the executable. Used to pre-install tools.
func (e *Engine) Resolve(ctx context.Context, req Request) (*Outcome, error) {
	return e.handle(ctx, req, modeResolve)
}

// Probe resolves the tool and performs an MCP stdio handshake with it
// instead of running it.
func (e *Engine) Probe(ctx context.Context, req Request) (*Outcome, error) {
	return e.handle(ctx, req, modeProbe)
}

// CheckAuth reports the auth requirement of a tool without resolving it.
func (e *Engine) CheckAuth(ctx context.Context, identifier string, supplied map[string]string) (*AuthStatus, error) {
	id, err := sanitize.ValidateIdentifier(identifier)
	if err != nil {
		return nil, newError(StateValidating, FailInvalidIdentifier, err, nil)
	}
	rec, err := e.deps.Lookup.Get(ctx, id)
	if err != nil {
		return nil, newError(StateValidating, FailRegistryLookup, err, nil)
	}
	req := auth.DetectFor(rec.AuthMethod, rec.RequiredEnv)
	env := e.toolEnv(ctx, rec.RequiredEnv, supplied)
	return &AuthStatus{
		AuthRequirement: req,
		Identifier:      id,
		Satisfied:       auth.Satisfied(ctx, req, env, e.deps.Credentials),
	}, nil
}

// handle runs the state machine. The returned outcome is never nil; err is
// the same *Error as Outcome.Error.
func (e *Engine) handle(ctx context.Context, req Request, m mode) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{ID: uuid.New(), Identifier: req.Identifier}

	ctx, span := e.tracer.Start(ctx, "engine."+string(m),
		trace.WithAttributes(
			attribute.String("execution.id", out.ID.String()),
			attribute.String("tool.identifier", req.Identifier),
		))
	defer span.End()

	if e.deps.Metrics != nil {
		e.deps.Metrics.ActiveExecutions.Inc()
		defer e.deps.Metrics.ActiveExecutions.Dec()
	}

	var ee *Error
	if err := e.drive(ctx, req, m, out); err != nil {
		if !errors.As(err, &ee) {
			ee = newError(StateFailed, FailInstallError, err, nil)
		}
		out.State = StateFailed
		out.Error = ee
		span.RecordError(ee)
		span.SetStatus(codes.Error, ee.Error())
	}
	out.Duration = time.Since(start)
	span.SetAttributes(attribute.String("engine.state", string(out.State)))
	if out.Backend != "" {
		span.SetAttributes(attribute.String("engine.backend", out.Backend))
	}

	e.record(out, m)
	if ee != nil {
		return out, ee
	}
	return out, nil
}

func (e *Engine) drive(ctx context.Context, req Request, m mode, out *Outcome) error {
	var rec *domain.ToolRecord
	err := e.step(ctx, out, StateValidating, func(ctx context.Context) error {
		id, err := sanitize.ValidateIdentifier(req.Identifier)
		if err != nil {
			return newError(StateValidating, FailInvalidIdentifier, err, nil)
		}
		out.Identifier = id
		if err := sanitize.ValidateArgs(req.Args); err != nil {
			return newError(StateValidating, FailUnsafeCommand, err, nil)
		}
		for name := range req.Env {
			if err := sanitize.ValidateEnvName(name); err != nil {
				return newError(StateValidating, FailUnsafeCommand, err, nil)
			}
			if sandbox.IsDeniedEnv(name) {
				return newError(StateValidating, FailUnsafeCommand,
					fmt.Errorf("%w: environment variable %s is not allowed", sanitize.ErrUnsafeCommand, name), nil)
			}
		}
		rec, err = e.deps.Lookup.Get(ctx, id)
		if err != nil {
			return newError(StateValidating, FailRegistryLookup, err, nil)
		}
		return nil
	})
	if err != nil {
		return err
	}

	halted := false
	err = e.step(ctx, out, StateAuthChecking, func(ctx context.Context) error {
		requirement := auth.DetectFor(rec.AuthMethod, rec.RequiredEnv)
		out.Auth = &requirement
		req.Env = e.toolEnv(ctx, rec.RequiredEnv, req.Env)
		if !requirement.Required || req.SkipAuth {
			return nil
		}
		if auth.Satisfied(ctx, requirement, req.Env, e.deps.Credentials) {
			return nil
		}
		halted = true
		e.logger.Info("tool requires authentication",
			slog.String("execution_id", out.ID.String()),
			slog.String("identifier", out.Identifier),
			slog.String("method", string(requirement.Method)),
			slog.Any("required_env", requirement.RequiredEnv),
		)
		return nil
	})
	if err != nil {
		return err
	}
	if halted {
		out.State = StateAuthRequired
		return nil
	}

	var (
		b   backend.Backend
		pkg domain.ResolvedPackage
	)
	err = e.step(ctx, out, StateResolving, func(ctx context.Context) error {
		var (
			directive domain.InstallDirective
			err       error
		)
		b, directive, err = e.deps.Backends.SelectRanked(rec.InstallDirectives)
		if err != nil {
			return newError(StateResolving, FailUnsupportedInstallMethod, err, nil)
		}
		out.Backend = b.Name()
		// The chosen directive is final: a parse failure does not fall
		// through to lower-ranked directives.
		pkg, err = b.ParseInstallDirective(directive)
		if err != nil {
			return newError(StateResolving, FailUnsupportedInstallMethod, err, b)
		}
		for _, h := range rec.ExecutableHints {
			if !slices.Contains(pkg.Hints, h) {
				pkg.Hints = append(pkg.Hints, h)
			}
		}
		out.Package = &pkg
		e.logger.Debug("backend selected",
			slog.String("execution_id", out.ID.String()),
			slog.String("backend", b.Name()),
			slog.String("package", pkg.Name),
			slog.String("version", pkg.Version),
		)
		return nil
	})
	if err != nil {
		return err
	}

	desc, err := e.resolveExecutable(ctx, out, b, pkg)
	if err != nil {
		return err
	}
	out.Executable = desc

	switch m {
	case modeResolve:
		// Metadata is informational; backends degrade instead of failing.
		md := b.Metadata(ctx, pkg, e.deps.CacheDir)
		out.Metadata = &md
	case modeProbe:
		err = e.step(ctx, out, StateProbing, func(ctx context.Context) error {
			if e.deps.Prober == nil {
				return newError(StateProbing, FailProbeError, errors.New("MCP probing is not configured"), b)
			}
			report, err := e.deps.Prober.Probe(ctx, desc, req.Env)
			e.recordProbe(err)
			if err != nil {
				return newError(StateProbing, FailProbeError, err, b)
			}
			out.Probe = report
			return nil
		})
	default:
		err = e.step(ctx, out, StateRunning, func(ctx context.Context) error {
			return e.run(ctx, req, desc, out, b)
		})
	}
	if err != nil {
		return err
	}

	out.State = StateDone
	return nil
}

// resolveExecutable locates the executable, installing the package first if
// it is not there yet. The install runs under the per-version lock and
// re-checks for the executable once the lock is held, so a request that
// waited on another request's install does not install again.
func (e *Engine) resolveExecutable(ctx context.Context, out *Outcome, b backend.Backend, pkg domain.ResolvedPackage) (*domain.ExecutableDescriptor, error) {
	cacheDir := e.deps.CacheDir

	var desc *domain.ExecutableDescriptor
	var locateErr error
	_ = e.step(ctx, out, StateLocating, func(ctx context.Context) error {
		desc, locateErr = b.FindExecutable(ctx, pkg, cacheDir)
		return nil
	})
	if locateErr == nil {
		e.logLocated(out, desc)
		return desc, nil
	}
	e.logger.Debug("executable not found, installing",
		slog.String("execution_id", out.ID.String()),
		slog.String("backend", b.Name()),
		slog.String("package", pkg.Name),
		slog.String("reason", locateErr.Error()),
	)

	err := e.step(ctx, out, StateInstalling, func(ctx context.Context) error {
		key := backend.InstallKey(b.Name(), pkg.Name, pkg.Version)
		unlock, err := e.deps.Locker.Lock(ctx, key)
		if err != nil {
			return newError(StateInstalling, FailInstallError, err, b)
		}
		defer unlock()

		if found, err := b.FindExecutable(ctx, pkg, cacheDir); err == nil {
			e.logger.Info("package installed by a concurrent request",
				slog.String("execution_id", out.ID.String()),
				slog.String("backend", b.Name()),
				slog.String("package", pkg.Name),
			)
			desc = found
			return nil
		}

		inst, err := b.Install(ctx, pkg, cacheDir)
		out.Install = inst
		if err != nil {
			return newError(StateInstalling, FailInstallError, err, b)
		}
		if inst != nil && inst.VersionFallback {
			e.logger.Warn("requested version could not be installed, using fallback",
				slog.String("execution_id", out.ID.String()),
				slog.String("package", pkg.Name),
				slog.String("requested", inst.RequestedVersion),
				slog.String("installed", inst.InstalledVersion),
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if desc != nil {
		e.logLocated(out, desc)
		return desc, nil
	}

	err = e.step(ctx, out, StateLocating, func(ctx context.Context) error {
		var err error
		desc, err = b.FindExecutable(ctx, pkg, cacheDir)
		if err != nil {
			return newError(StateLocating, FailExecutableNotFound, err, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logLocated(out, desc)
	return desc, nil
}

func (e *Engine) run(ctx context.Context, req Request, desc *domain.ExecutableDescriptor, out *Outcome, b backend.Backend) error {
	runReq := sandbox.RunRequest{
		Path:      desc.AbsolutePath,
		Args:      append(slices.Clone(desc.Args), req.Args...),
		Env:       req.Env,
		Timeout:   req.Timeout,
		Stdin:     req.Stdin,
		Container: desc.Container,
	}
	if runReq.Timeout <= 0 {
		runReq.Timeout = e.deps.RunTimeout
	}
	if desc.BinDir != "" {
		runReq.PathPrepend = []string{desc.BinDir}
	}

	res, err := e.deps.Runner.Run(ctx, runReq)
	out.Result = res
	if err != nil {
		return newError(StateRunning, FailSpawnError, err, b)
	}

	if !res.Success {
		out.AuthHints = auth.ExtractEnvHints(res.Stderr)
		attrs := []any{
			slog.String("execution_id", out.ID.String()),
			slog.String("identifier", out.Identifier),
			slog.Bool("timed_out", res.TimedOut),
		}
		if res.ExitCode != nil {
			attrs = append(attrs, slog.Int("exit_code", *res.ExitCode))
		}
		if len(out.AuthHints) > 0 {
			attrs = append(attrs, slog.Any("auth_hints", out.AuthHints))
		}
		e.logger.Info("tool exited unsuccessfully", attrs...)
	}
	return nil
}

// step runs fn as one state of the machine, in its own span.
func (e *Engine) step(ctx context.Context, out *Outcome, state State, fn func(context.Context) error) error {
	out.States = append(out.States, state)
	e.logger.Debug("engine state",
		slog.String("execution_id", out.ID.String()),
		slog.String("state", string(state)),
	)

	ctx, span := e.tracer.Start(ctx, "engine.state."+string(state))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) logLocated(out *Outcome, desc *domain.ExecutableDescriptor) {
	e.logger.Debug("executable located",
		slog.String("execution_id", out.ID.String()),
		slog.String("tool", desc.ToolName),
		slog.String("path", desc.AbsolutePath),
		slog.String("resolved_via", string(desc.ResolvedVia)),
	)
}

// record emits the terminal metrics and log line for a request.
func (e *Engine) record(out *Outcome, m mode) {
	backendLabel := out.Backend
	if backendLabel == "" {
		backendLabel = "none"
	}

	if e.deps.Metrics != nil {
		e.deps.Metrics.ExecutionsTotal.WithLabelValues(backendLabel, string(out.State)).Inc()
		e.deps.Metrics.ExecutionDuration.WithLabelValues(backendLabel).Observe(out.Duration.Seconds())
		if out.Error != nil {
			e.deps.Metrics.FailuresTotal.WithLabelValues(string(out.Error.Kind)).Inc()
		}
	}

	attrs := []any{
		slog.String("execution_id", out.ID.String()),
		slog.String("mode", string(m)),
		slog.String("identifier", out.Identifier),
		slog.String("backend", backendLabel),
		slog.String("state", string(out.State)),
		slog.Duration("duration", out.Duration),
	}
	if out.Error != nil {
		attrs = append(attrs,
			slog.String("failure", string(out.Error.Kind)),
			slog.String("error", out.Error.Err.Error()),
		)
		e.logger.Warn("engine request failed", attrs...)
		return
	}
	e.logger.Info("engine request finished", attrs...)
}

func (e *Engine) recordProbe(err error) {
	if e.deps.Metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	e.deps.Metrics.ProbesTotal.WithLabelValues(result).Inc()
}

// toolEnv returns supplied plus the tool's declared variables, taken first
// from the e14z process environment and then from configured credential
// references. Supplied values always win. Values are never logged.
func (e *Engine) toolEnv(ctx context.Context, declared []string, supplied map[string]string) map[string]string {
	env := maps.Clone(supplied)
	if env == nil {
		env = make(map[string]string, len(declared))
	}
	var missing []string
	for _, name := range declared {
		if env[name] != "" || sandbox.IsDeniedEnv(name) || sanitize.ValidateEnvName(name) != nil {
			continue
		}
		if v := os.Getenv(name); v != "" {
			env[name] = v
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) == 0 || e.deps.Secrets == nil {
		return env
	}
	resolved, err := e.deps.Secrets.Resolve(ctx, missing)
	if err != nil {
		e.logger.Warn("resolving tool credentials", slog.String("error", err.Error()))
	}
	for name, v := range resolved {
		if v != "" {
			env[name] = v
		}
	}
	return env
}
