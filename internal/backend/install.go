package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aemholland/e14z/internal/domain"
)

// installPlan is what a backend hands to installWithFallback.
type installPlan struct {
	backend string
	pkg     domain.ResolvedPackage

	// installed returns the currently installed version, if any.
	installed func(ctx context.Context) (version string, ok bool)

	// attempt runs the installer. version == "" means unqualified.
	attempt func(ctx context.Context, version string) (output string, err error)
}

// installWithFallback implements the shared install policy: short-circuit
// when a satisfying version is present, otherwise install; when a version
// qualifier was given and the attempt fails, retry exactly once without it.
func (o Options) installWithFallback(ctx context.Context, plan installPlan) (*domain.InstallOutcome, error) {
	start := time.Now()
	pkg := plan.pkg
	outcome := &domain.InstallOutcome{
		Package:          pkg.Name,
		RequestedVersion: pkg.Version,
	}

	if v, ok := plan.installed(ctx); ok && VersionSatisfies(pkg.Version, v) {
		outcome.AlreadyInstalled = true
		outcome.InstalledVersion = v
		outcome.Duration = time.Since(start)
		o.Logger.Debug("package already installed",
			slog.String("backend", plan.backend),
			slog.String("package", pkg.Name),
			slog.String("version", v),
		)
		return outcome, nil
	}

	version := ""
	if pkg.ExplicitVersion {
		version = pkg.Version
	}

	o.Logger.Info("installing package",
		slog.String("backend", plan.backend),
		slog.String("package", pkg.Name),
		slog.String("version", pkg.Version),
	)

	out, err := plan.attempt(ctx, version)
	outcome.Attempts = 1
	if err != nil && version != "" && ctx.Err() == nil {
		o.Logger.Warn("install with version qualifier failed, retrying without it",
			slog.String("backend", plan.backend),
			slog.String("package", pkg.Name),
			slog.String("version", version),
			slog.String("error", err.Error()),
		)
		firstErr := err
		out, err = plan.attempt(ctx, "")
		outcome.Attempts = 2
		if err != nil {
			err = errors.Join(firstErr, err)
		} else {
			outcome.VersionFallback = true
		}
	}
	outcome.Output = out
	outcome.Duration = time.Since(start)

	if err != nil {
		return outcome, &InstallError{
			Backend:  plan.backend,
			Package:  pkg.Name,
			Attempts: outcome.Attempts,
			Output:   out,
			Err:      err,
		}
	}

	if v, ok := plan.installed(ctx); ok {
		outcome.InstalledVersion = v
	} else if outcome.VersionFallback {
		outcome.InstalledVersion = domain.LatestVersion
	}

	if outcome.VersionFallback {
		o.Logger.Warn("installed a different version than requested",
			slog.String("backend", plan.backend),
			slog.String("package", pkg.Name),
			slog.String("requested", pkg.Version),
			slog.String("installed", outcome.InstalledVersion),
		)
	}
	return outcome, nil
}
