package backend

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
	"github.com/aemholland/e14z/internal/sanitize"
)

// Cargo installs crates with "cargo install --root <cache>/cargo".
type Cargo struct {
	opts Options
}

// NewCargo creates the cargo backend.
func NewCargo(opts Options) *Cargo { return &Cargo{opts: opts.withDefaults()} }

func (b *Cargo) Name() string               { return "cargo" }
func (b *Cargo) Kind() domain.DirectiveKind { return domain.DirectiveCompiledPackage }
func (b *Cargo) Hint() string               { return "install the Rust toolchain (cargo) and retry" }

func (b *Cargo) CanHandle(d domain.InstallDirective) bool {
	t := tokens(d.RawCommand)
	return len(t) >= 3 && t[0] == "cargo" && t[1] == "install"
}

func (b *Cargo) ParseInstallDirective(d domain.InstallDirective) (domain.ResolvedPackage, error) {
	cmd, err := sanitize.ParseSafeCommand(d.RawCommand)
	if err != nil {
		return domain.ResolvedPackage{}, err
	}
	if cmd.Command != "cargo" || len(cmd.Args) < 2 || cmd.Args[0] != "install" {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "not a cargo install command"}
	}

	pos, flags := scanFlags(cmd.Args[1:], "--version", "--vers", "--root", "--bin", "--features", "--git", "--path")
	if _, ok := flags["--git"]; ok {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "git sources are handled by the git backend"}
	}
	if _, ok := flags["--path"]; ok {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "local paths are not installable"}
	}
	if len(pos) == 0 {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "no crate specified"}
	}

	name, version, explicit := pos[0], domain.LatestVersion, false
	if n, v, ok := strings.Cut(name, "@"); ok {
		name, version, explicit = n, v, true
	}
	for _, f := range []string{"--version", "--vers"} {
		if v := flags[f]; v != "" {
			version, explicit = v, true
		}
	}
	if _, err := sanitize.ValidateIdentifier(name); err != nil {
		return domain.ResolvedPackage{}, err
	}
	if strings.Contains(name, "/") {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "crate names cannot contain '/'"}
	}
	if explicit {
		if err := validateVersion(b.Name(), d.RawCommand, version); err != nil {
			return domain.ResolvedPackage{}, err
		}
	}

	var hints []string
	if bin := flags["--bin"]; bin != "" {
		hints = []string{bin}
	}

	return domain.ResolvedPackage{
		Name:            name,
		Version:         version,
		RegistryKind:    b.Name(),
		OriginalCommand: d.RawCommand,
		ExplicitVersion: explicit,
		Hints:           hints,
	}, nil
}

func (b *Cargo) root(cacheDir string) (string, error) { return ecosystemDir(cacheDir, b.Name()) }

// cargoCrate is one entry of "cargo install --list".
type cargoCrate struct {
	version string
	bins    []string
}

// parseCargoList parses "name v1.2.3:" headers followed by indented binaries.
func parseCargoList(out string) map[string]cargoCrate {
	crates := make(map[string]cargoCrate)
	var current string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if current != "" {
				c := crates[current]
				c.bins = append(c.bins, strings.TrimSpace(line))
				crates[current] = c
			}
			continue
		}
		f := strings.Fields(strings.TrimSuffix(strings.TrimSpace(line), ":"))
		if len(f) < 2 {
			current = ""
			continue
		}
		current = f[0]
		crates[current] = cargoCrate{version: strings.TrimPrefix(f[1], "v")}
	}
	return crates
}

func (b *Cargo) list(ctx context.Context, root string) (map[string]cargoCrate, error) {
	cargo, err := b.opts.toolchain("cargo")
	if err != nil {
		return nil, err
	}
	res, err := b.opts.run(ctx, sandbox.RunRequest{Path: cargo, Args: []string{"install", "--list", "--root", root}})
	if err != nil {
		return nil, err
	}
	return parseCargoList(res.Stdout), nil
}

func (b *Cargo) Install(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.InstallOutcome, error) {
	root, err := b.root(cacheDir)
	if err != nil {
		return nil, err
	}
	return b.opts.installWithFallback(ctx, installPlan{
		backend: b.Name(),
		pkg:     pkg,
		installed: func(ctx context.Context) (string, bool) {
			crates, err := b.list(ctx, root)
			if err != nil {
				return "", false
			}
			c, ok := crates[pkg.Name]
			return c.version, ok
		},
		attempt: func(ctx context.Context, version string) (string, error) {
			cargo, err := b.opts.toolchain("cargo")
			if err != nil {
				return "", err
			}
			args := []string{"install", "--root", root, "--locked"}
			if version != "" {
				args = append(args, "--version", version)
			}
			res, err := b.opts.run(ctx, sandbox.RunRequest{Path: cargo, Args: append(args, pkg.Name)})
			if res == nil {
				return "", err
			}
			return res.Stdout + res.Stderr, err
		},
	})
}

func (b *Cargo) FindExecutable(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.ExecutableDescriptor, error) {
	root, err := b.root(cacheDir)
	if err != nil {
		return nil, err
	}
	// <root>/bin holds the binaries of every installed crate; other names
	// come only from the crate's own listing.
	binDir := filepath.Join(root, "bin")
	names := exactNames(pkg, pkg.Name)
	return locator{
		backend:   b.Name(),
		pkg:       pkg,
		binDirs:   []string{binDir},
		names:     names,
		pathNames: names,
		introspect: func(ctx context.Context) (string, error) {
			crates, err := b.list(ctx, root)
			if err != nil {
				return "", err
			}
			c, ok := crates[pkg.Name]
			if !ok || len(c.bins) == 0 {
				return "", fmt.Errorf("crate %s lists no binaries", pkg.Name)
			}
			p := filepath.Join(binDir, filepath.Base(c.bins[0]))
			return p, nil
		},
		logger: b.opts.Logger,
	}.find(ctx)
}

func (b *Cargo) Metadata(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) domain.PackageMetadata {
	root, err := b.root(cacheDir)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	crates, err := b.list(ctx, root)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	c, ok := crates[pkg.Name]
	if !ok {
		return degraded(b.Name(), pkg, fmt.Errorf("crate %s not installed", pkg.Name))
	}
	return domain.PackageMetadata{
		Name:      pkg.Name,
		Version:   c.version,
		Homepage:  "https://crates.io/crates/" + pkg.Name,
		Ecosystem: b.Name(),
	}
}
