package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aemholland/e14z/internal/domain"
)

// nameRules describe how an ecosystem decorates executable names.
type nameRules struct {
	prefixes []string
	suffixes []string
}

// nameSet collects unique single-path-element executable names in order.
type nameSet []string

func (s *nameSet) add(n string) {
	n = strings.TrimSpace(n)
	if n == "" || n == "." || strings.ContainsAny(n, `/\`) || strings.Contains(n, "..") {
		return
	}
	if !slices.Contains(*s, n) {
		*s = append(*s, n)
	}
}

// exactNames are the names a tool may be found under outside its own
// install directory: declared hints and the full package base name.
func exactNames(pkg domain.ResolvedPackage, base string) []string {
	var names nameSet
	for _, h := range pkg.Hints {
		names.add(h)
	}
	names.add(base)
	return names
}

// candidateNames extends exactNames with stripped and separator-swapped
// variants. Only search directories private to the package with these.
func candidateNames(pkg domain.ResolvedPackage, base string, rules nameRules) []string {
	names := nameSet(exactNames(pkg, base))
	add := names.add

	stripped := base
	for _, p := range rules.prefixes {
		if s, ok := strings.CutPrefix(stripped, p); ok && s != "" {
			stripped = s
			add(stripped)
		}
	}
	for _, s := range rules.suffixes {
		if t, ok := strings.CutSuffix(stripped, s); ok && t != "" {
			add(t)
		}
		if t, ok := strings.CutSuffix(base, s); ok && t != "" {
			add(t)
		}
	}
	// Python and Rust packages often swap separators in their entry points.
	add(strings.ReplaceAll(base, "_", "-"))
	add(strings.ReplaceAll(base, "-", "_"))
	return names
}

// isExecutable reports whether path is a regular file with an exec bit.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// within reports whether path lies inside root after cleaning.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// locator runs the three-step executable search shared by backends.
type locator struct {
	backend string
	pkg     domain.ResolvedPackage
	binDirs []string

	// names are tried in binDirs, which must hold only files installed by
	// this package (or be filtered by the backend to names it declares).
	names []string

	// pathNames are tried on PATH in step (b). A PATH hit on a shortened
	// name would run an unrelated program, so these are exact names only.
	pathNames []string

	// introspect is the ecosystem-specific last resort. May be nil.
	introspect func(ctx context.Context) (string, error)

	// pathEnv is the PATH searched in step (b). Default os.Getenv("PATH").
	pathEnv string
	logger  *slog.Logger
}

func (l locator) find(ctx context.Context) (*domain.ExecutableDescriptor, error) {
	desc := func(path string, via domain.ResolvedVia) *domain.ExecutableDescriptor {
		d := &domain.ExecutableDescriptor{
			AbsolutePath: path,
			Args:         append([]string(nil), l.pkg.Args...),
			BackendKind:  l.backend,
			ToolName:     filepath.Base(path),
			ResolvedVia:  via,
		}
		if len(l.binDirs) > 0 {
			d.BinDir = l.binDirs[0]
		}
		l.logger.Info("executable located",
			slog.String("backend", l.backend),
			slog.String("package", l.pkg.Name),
			slog.String("path", path),
			slog.String("resolved_via", string(via)),
		)
		return d
	}

	// (a) The ecosystem's own bin directories.
	for _, dir := range l.binDirs {
		for _, n := range l.names {
			if p := filepath.Join(dir, n); isExecutable(p) {
				return desc(p, domain.ResolvedBinDir), nil
			}
		}
	}

	// (b) PATH search, exact names only.
	pathEnv := l.pathEnv
	if pathEnv == "" {
		pathEnv = os.Getenv("PATH")
	}
	for _, n := range l.pathNames {
		for _, dir := range filepath.SplitList(pathEnv) {
			if dir == "" || !filepath.IsAbs(dir) {
				continue
			}
			if p := filepath.Join(dir, n); isExecutable(p) {
				l.logger.Warn("executable not in backend bin dir, using PATH match",
					slog.String("backend", l.backend),
					slog.String("name", n),
					slog.String("path", p),
				)
				return desc(p, domain.ResolvedScopedPath), nil
			}
		}
	}

	// (c) Ecosystem introspection.
	if l.introspect != nil {
		p, err := l.introspect(ctx)
		switch {
		case err != nil:
			l.logger.Debug("introspection found nothing",
				slog.String("backend", l.backend),
				slog.String("error", err.Error()),
			)
		case filepath.IsAbs(p) && isExecutable(p):
			return desc(filepath.Clean(p), domain.ResolvedIntrospection), nil
		}
	}

	return nil, &ExecutableNotFoundError{
		Backend: l.backend,
		Package: l.pkg.Name,
		Tried:   l.tried(),
		Dirs:    l.binDirs,
	}
}

func (l locator) tried() []string {
	names := nameSet(slices.Clone(l.names))
	for _, n := range l.pathNames {
		names.add(n)
	}
	return names
}

// ecosystemDir returns <cacheDir>/<name>, creating it.
func ecosystemDir(cacheDir, name string) (string, error) {
	if cacheDir == "" {
		return "", fmt.Errorf("empty cache dir")
	}
	dir := filepath.Join(cacheDir, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating %s cache dir: %w", name, err)
	}
	return dir, nil
}

// flatName flattens a validated package name into one path element.
func flatName(name string) string {
	return strings.NewReplacer("/", "_", "@", "", "\\", "_").Replace(name)
}

// tokens splits a raw directive for CanHandle predicates. Validation
// happens in ParseInstallDirective.
func tokens(raw string) []string {
	return strings.Fields(raw)
}

// positional returns the non-flag tokens of args. Flags listed in
// valueFlags consume the following token.
func positional(args []string, valueFlags ...string) (pos []string, flags map[string]string) {
	flags = make(map[string]string)
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") || a == "-" {
			pos = append(pos, args[i:]...)
			return pos, flags
		}
		if k, v, ok := strings.Cut(a, "="); ok {
			flags[k] = v
			continue
		}
		if slices.Contains(valueFlags, a) && i+1 < len(args) {
			flags[a] = args[i+1]
			i++
			continue
		}
		flags[a] = ""
	}
	return pos, flags
}

// scanFlags is like positional but keeps scanning after the first
// positional token, for installers whose commands carry no runtime args.
func scanFlags(args []string, valueFlags ...string) (pos []string, flags map[string]string) {
	flags = make(map[string]string)
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case !strings.HasPrefix(a, "-") || a == "-":
			pos = append(pos, a)
		case strings.Contains(a, "="):
			k, v, _ := strings.Cut(a, "=")
			flags[k] = v
		case slices.Contains(valueFlags, a) && i+1 < len(args):
			flags[a] = args[i+1]
			i++
		default:
			flags[a] = ""
		}
	}
	return pos, flags
}
