package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/aemholland/e14z/internal/sanitize"
)

// Injector maps tool environment variable names to credential references
// and resolves them on demand.
type Injector struct {
	refs     map[string]string // env name -> reference
	provider Provider
	logger   *slog.Logger
}

// NewInjector validates refs against provider. refs maps an environment
// variable name (e.g. GITHUB_TOKEN) to a reference (e.g.
// "vault://secret/data/github#token").
func NewInjector(refs map[string]string, provider *Router, logger *slog.Logger) (*Injector, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, name := range slices.Sorted(maps.Keys(refs)) {
		if err := sanitize.ValidateEnvName(name); err != nil {
			return nil, fmt.Errorf("credentials.refs: %w", err)
		}
		if !provider.Supports(refs[name]) {
			return nil, fmt.Errorf("credentials.refs.%s: no provider configured for %q", name, refs[name])
		}
	}
	return &Injector{refs: maps.Clone(refs), provider: provider, logger: logger}, nil
}

// Names returns the variable names the injector can supply, sorted.
func (i *Injector) Names() []string {
	return slices.Sorted(maps.Keys(i.refs))
}

// Resolve returns values for those names that have a configured reference.
// Names without one are skipped. Failed lookups are joined into the error;
// the values that did resolve are still returned.
func (i *Injector) Resolve(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string)
	var errs []error
	for _, name := range names {
		ref, ok := i.refs[name]
		if !ok {
			continue
		}
		secret, err := i.provider.Resolve(ctx, ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out[name] = secret.Value
		i.logger.Debug("credential injected",
			slog.String("variable", name),
			slog.String("source", secret.Source),
		)
	}
	return out, errors.Join(errs...)
}
