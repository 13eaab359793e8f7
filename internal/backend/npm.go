package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
	"github.com/aemholland/e14z/internal/sanitize"
)

// NPM installs each registry package with npm into its own prefix,
// <cache>/npm/<name>. A shared prefix would let one install prune another
// as extraneous.
type NPM struct {
	opts Options
}

// NewNPM creates the npm backend.
func NewNPM(opts Options) *NPM { return &NPM{opts: opts.withDefaults()} }

func (b *NPM) Name() string               { return "npm" }
func (b *NPM) Kind() domain.DirectiveKind { return domain.DirectiveRegistryPackage }
func (b *NPM) Hint() string               { return "install Node.js (npm) and retry" }

var npmNameRules = nameRules{
	prefixes: []string{"mcp-server-", "server-"},
	suffixes: []string{"-mcp", "-server", "-cli"},
}

func (b *NPM) CanHandle(d domain.InstallDirective) bool {
	t := tokens(d.RawCommand)
	if len(t) < 2 {
		return false
	}
	switch t[0] {
	case "npx":
		return true
	case "npm":
		return slices.Contains([]string{"install", "i", "add"}, t[1]) && len(t) > 2
	}
	return false
}

func (b *NPM) ParseInstallDirective(d domain.InstallDirective) (domain.ResolvedPackage, error) {
	cmd, err := sanitize.ParseSafeCommand(d.RawCommand)
	if err != nil {
		return domain.ResolvedPackage{}, err
	}

	var rest []string
	switch cmd.Command {
	case "npx":
		rest = cmd.Args
	case "npm":
		if len(cmd.Args) == 0 {
			return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "missing npm subcommand"}
		}
		rest = cmd.Args[1:]
	default:
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "not an npm or npx command"}
	}

	pos, flags := positional(rest, "-p", "--package")
	spec := flags["--package"]
	if spec == "" {
		spec = flags["-p"]
	}
	var args, hints []string
	switch {
	case spec != "" && len(pos) > 0:
		// npx --package <pkg> <bin> [args]
		hints = []string{pos[0]}
		args = pos[1:]
	case spec == "" && len(pos) > 0:
		spec = pos[0]
		args = pos[1:]
	}
	if spec == "" {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "no package specified"}
	}
	if cmd.Command == "npm" {
		args = nil
	}

	name, version, explicit := splitNPMSpec(spec)
	if _, err := sanitize.ValidateIdentifier(name); err != nil {
		return domain.ResolvedPackage{}, err
	}
	if explicit {
		if err := validateVersion(b.Name(), d.RawCommand, version); err != nil {
			return domain.ResolvedPackage{}, err
		}
	}

	return domain.ResolvedPackage{
		Name:            name,
		Version:         version,
		RegistryKind:    b.Name(),
		OriginalCommand: d.RawCommand,
		ExplicitVersion: explicit,
		Args:            args,
		Hints:           hints,
	}, nil
}

// splitNPMSpec splits "[@scope/]name[@version]".
func splitNPMSpec(spec string) (name, version string, explicit bool) {
	at := strings.LastIndex(spec, "@")
	if at > 0 {
		return spec[:at], spec[at+1:], true
	}
	return spec, domain.LatestVersion, false
}

// prefix returns the package's own npm prefix. '+' cannot appear in npm
// package names, so scoped and unscoped names never share a directory.
func (b *NPM) prefix(cacheDir, name string) (string, error) {
	dir, err := ecosystemDir(cacheDir, b.Name())
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, strings.ReplaceAll(name, "/", "+")), nil
}

func (b *NPM) packageDir(prefix, name string) string {
	return filepath.Join(append([]string{prefix, "node_modules"}, strings.Split(name, "/")...)...)
}

func (b *NPM) Install(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.InstallOutcome, error) {
	prefix, err := b.prefix(cacheDir, pkg.Name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(prefix, 0o750); err != nil {
		return nil, fmt.Errorf("creating npm prefix: %w", err)
	}
	return b.opts.installWithFallback(ctx, installPlan{
		backend: b.Name(),
		pkg:     pkg,
		installed: func(context.Context) (string, bool) {
			manifest, err := b.readManifest(prefix, pkg.Name)
			if err != nil || manifest.Version == "" {
				return "", false
			}
			return manifest.Version, true
		},
		attempt: func(ctx context.Context, version string) (string, error) {
			npm, err := b.opts.toolchain("npm")
			if err != nil {
				return "", err
			}
			spec := pkg.Name
			if version != "" {
				spec += "@" + version
			}
			res, err := b.opts.run(ctx, sandbox.RunRequest{
				Path: npm,
				Args: []string{"install", "--prefix", prefix, "--no-audit", "--no-fund", "--no-save", spec},
				Dir:  prefix,
			})
			if res == nil {
				return "", err
			}
			return res.Stdout + res.Stderr, err
		},
	})
}

func (b *NPM) FindExecutable(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.ExecutableDescriptor, error) {
	prefix, err := b.prefix(cacheDir, pkg.Name)
	if err != nil {
		return nil, err
	}
	base := npmBase(pkg.Name)

	// node_modules/.bin also links the bins of dependencies, so only names
	// the package itself declares count there.
	var declared []string
	if manifest, err := b.readManifest(prefix, pkg.Name); err == nil {
		declared = manifest.binNames(base)
	}
	var names []string
	for _, n := range candidateNames(pkg, base, npmNameRules) {
		if slices.Contains(declared, n) {
			names = append(names, n)
		}
	}

	return locator{
		backend:    b.Name(),
		pkg:        pkg,
		binDirs:    []string{filepath.Join(prefix, "node_modules", ".bin")},
		names:      names,
		pathNames:  exactNames(pkg, base),
		introspect: func(context.Context) (string, error) { return b.binFromManifest(prefix, pkg, base) },
		logger:     b.opts.Logger,
	}.find(ctx)
}

// npmBase strips the scope from a package name.
func npmBase(name string) string {
	return name[strings.LastIndex(name, "/")+1:]
}

// binFromManifest resolves the package.json "bin" field.
func (b *NPM) binFromManifest(prefix string, pkg domain.ResolvedPackage, base string) (string, error) {
	manifest, err := b.readManifest(prefix, pkg.Name)
	if err != nil {
		return "", err
	}
	pkgDir := b.packageDir(prefix, pkg.Name)

	var rel string
	switch bin := manifest.Bin.(type) {
	case string:
		rel = bin
	case map[string]any:
		keys := make([]string, 0, len(bin))
		for k := range bin {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		names := candidateNames(pkg, base, npmNameRules)
		for _, n := range names {
			if v, ok := bin[n].(string); ok {
				rel = v
				break
			}
		}
		if rel == "" && len(keys) > 0 {
			rel, _ = bin[keys[0]].(string)
		}
	}
	if rel == "" {
		return "", fmt.Errorf("package.json of %s declares no bin", pkg.Name)
	}

	p := filepath.Join(pkgDir, filepath.FromSlash(rel))
	if !within(pkgDir, p) {
		return "", fmt.Errorf("bin %q of %s escapes the package directory", rel, pkg.Name)
	}
	return p, nil
}

type npmManifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Homepage    string `json:"homepage"`
	License     any    `json:"license"`
	Bin         any    `json:"bin"`
}

// binNames lists the executable names the manifest declares. A string
// "bin" is installed under the unscoped package name.
func (m *npmManifest) binNames(base string) []string {
	switch bin := m.Bin.(type) {
	case string:
		return []string{base}
	case map[string]any:
		names := make([]string, 0, len(bin))
		for k := range bin {
			names = append(names, k)
		}
		sort.Strings(names)
		return names
	}
	return nil
}

func (b *NPM) readManifest(prefix, name string) (*npmManifest, error) {
	data, err := os.ReadFile(filepath.Join(b.packageDir(prefix, name), "package.json"))
	if err != nil {
		return nil, err
	}
	var m npmManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing package.json of %s: %w", name, err)
	}
	return &m, nil
}

func (b *NPM) Metadata(_ context.Context, pkg domain.ResolvedPackage, cacheDir string) domain.PackageMetadata {
	prefix, err := b.prefix(cacheDir, pkg.Name)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	m, err := b.readManifest(prefix, pkg.Name)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	md := domain.PackageMetadata{
		Name:        pkg.Name,
		Version:     m.Version,
		Description: m.Description,
		Homepage:    m.Homepage,
		Ecosystem:   b.Name(),
	}
	switch l := m.License.(type) {
	case string:
		md.License = l
	case map[string]any:
		md.License, _ = l["type"].(string)
	}
	return md
}
