package backend

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/aemholland/e14z/internal/domain"
)

// Registry holds backends in selection order. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
	byName   map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Backend)}
}

// Register appends b to the selection order. Panics on duplicate names.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.byName[name]; exists {
		panic(fmt.Sprintf("backend %q already registered", name))
	}
	r.byName[name] = b
	r.backends = append(r.backends, b)
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byName[name]
	return b, ok
}

// List returns all backends in selection order.
func (r *Registry) List() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// Select returns the first backend whose CanHandle matches d.
func (r *Registry) Select(d domain.InstallDirective) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if b.CanHandle(d) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: no backend handles %q", ErrUnsupportedInstallMethod, d.RawCommand)
}

// SelectRanked orders directives by priority (ascending) then confidence
// (descending) and returns the first one some backend can handle.
func (r *Registry) SelectRanked(directives []domain.InstallDirective) (Backend, domain.InstallDirective, error) {
	ranked := slices.Clone(directives)
	slices.SortStableFunc(ranked, func(a, b domain.InstallDirective) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	for _, d := range ranked {
		if b, err := r.Select(d); err == nil {
			return b, d, nil
		}
	}
	return nil, domain.InstallDirective{}, fmt.Errorf("%w: none of %d directive(s) matched a backend", ErrUnsupportedInstallMethod, len(directives))
}

// DefaultRegistry registers every built-in backend in the documented
// priority order: npm, pip, go, cargo, container, git, archive.
// Registry package managers come first because their command shapes are
// the most specific; archive is last because it matches bare URLs.
func DefaultRegistry(opts Options) *Registry {
	r := NewRegistry()
	r.Register(NewNPM(opts))
	r.Register(NewPip(opts))
	r.Register(NewGo(opts))
	r.Register(NewCargo(opts))
	r.Register(NewContainer(opts))
	r.Register(NewGit(opts))
	r.Register(NewArchive(opts))
	return r
}
