package backend

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
	"github.com/aemholland/e14z/internal/sanitize"
)

// Go installs compiled packages with "go install" into <cache>/go/bin.
type Go struct {
	opts Options
}

// NewGo creates the go backend.
func NewGo(opts Options) *Go { return &Go{opts: opts.withDefaults()} }

func (b *Go) Name() string               { return "go" }
func (b *Go) Kind() domain.DirectiveKind { return domain.DirectiveCompiledPackage }
func (b *Go) Hint() string               { return "install Go and retry" }

var majorVersionElem = regexp.MustCompile(`^v[0-9]+$`)

func (b *Go) CanHandle(d domain.InstallDirective) bool {
	t := tokens(d.RawCommand)
	return len(t) >= 3 && t[0] == "go" && (t[1] == "install" || t[1] == "run")
}

func (b *Go) ParseInstallDirective(d domain.InstallDirective) (domain.ResolvedPackage, error) {
	cmd, err := sanitize.ParseSafeCommand(d.RawCommand)
	if err != nil {
		return domain.ResolvedPackage{}, err
	}
	if cmd.Command != "go" || len(cmd.Args) < 2 || (cmd.Args[0] != "install" && cmd.Args[0] != "run") {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "not a go install or go run command"}
	}

	pos, _ := positional(cmd.Args[1:], "-tags", "-ldflags", "-gcflags")
	if len(pos) == 0 {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "no module path"}
	}

	spec := pos[0]
	var args []string
	if cmd.Args[0] == "run" {
		args = pos[1:]
	}

	name, version, explicit := spec, domain.LatestVersion, false
	if n, v, ok := strings.Cut(spec, "@"); ok {
		name, version, explicit = n, v, true
	}
	if _, err := sanitize.ValidateIdentifier(name); err != nil {
		return domain.ResolvedPackage{}, err
	}
	if !strings.Contains(name, ".") || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "/") {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "expected a remote module path"}
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
	}, nil
}

// goBinaryName is the name "go install" gives the binary: the last path
// element that is not a major version suffix.
func goBinaryName(modPath string) string {
	elems := strings.Split(strings.TrimSuffix(modPath, "/..."), "/")
	for i := len(elems) - 1; i >= 0; i-- {
		if !majorVersionElem.MatchString(elems[i]) {
			return elems[i]
		}
	}
	return elems[len(elems)-1]
}

func (b *Go) binDir(cacheDir string) (string, error) {
	dir, err := ecosystemDir(cacheDir, b.Name())
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bin"), nil
}

func (b *Go) Install(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.InstallOutcome, error) {
	binDir, err := b.binDir(cacheDir)
	if err != nil {
		return nil, err
	}
	names := exactNames(pkg, goBinaryName(pkg.Name))
	return b.opts.installWithFallback(ctx, installPlan{
		backend: b.Name(),
		pkg:     pkg,
		installed: func(ctx context.Context) (string, bool) {
			for _, n := range names {
				p := filepath.Join(binDir, n)
				if !isExecutable(p) {
					continue
				}
				if v := b.moduleVersion(ctx, p, pkg.Name); v != "" {
					return v, true
				}
			}
			return "", false
		},
		attempt: func(ctx context.Context, version string) (string, error) {
			goBin, err := b.opts.toolchain("go")
			if err != nil {
				return "", err
			}
			spec := pkg.Name
			if version != "" {
				spec += "@" + version
			}
			res, err := b.opts.run(ctx, sandbox.RunRequest{
				Path: goBin,
				Args: []string{"install", spec},
				Env:  map[string]string{"GOBIN": binDir, "GOFLAGS": "-mod=mod"},
			})
			if res == nil {
				return "", err
			}
			return res.Stdout + res.Stderr, err
		},
	})
}

// moduleVersion reads the main module version embedded in a Go binary.
func (b *Go) moduleVersion(ctx context.Context, binary, modPath string) string {
	goBin, err := b.opts.toolchain("go")
	if err != nil {
		return ""
	}
	res, err := b.opts.run(ctx, sandbox.RunRequest{Path: goBin, Args: []string{"version", "-m", binary}})
	if err != nil {
		return ""
	}
	return parseGoVersionM(res.Stdout, modPath)
}

// parseGoVersionM extracts the version of the "mod" line from "go version -m".
func parseGoVersionM(out, modPath string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) >= 3 && f[0] == "mod" && strings.HasPrefix(modPath, f[1]) {
			return f[2]
		}
	}
	return ""
}

func (b *Go) FindExecutable(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.ExecutableDescriptor, error) {
	binDir, err := b.binDir(cacheDir)
	if err != nil {
		return nil, err
	}
	// GOBIN is shared by every Go tool, and "go install" names the binary
	// deterministically, so no shortened names are tried.
	names := exactNames(pkg, goBinaryName(pkg.Name))
	return locator{
		backend:   b.Name(),
		pkg:       pkg,
		binDirs:   []string{binDir},
		names:     names,
		pathNames: names,
		introspect: func(ctx context.Context) (string, error) {
			goBin, err := b.opts.toolchain("go")
			if err != nil {
				return "", err
			}
			res, err := b.opts.run(ctx, sandbox.RunRequest{Path: goBin, Args: []string{"env", "GOPATH"}})
			if err != nil {
				return "", err
			}
			for _, gp := range filepath.SplitList(strings.TrimSpace(res.Stdout)) {
				for _, n := range names {
					if p := filepath.Join(gp, "bin", n); isExecutable(p) {
						return p, nil
					}
				}
			}
			return "", fmt.Errorf("no binary for %s under GOPATH", pkg.Name)
		},
		logger: b.opts.Logger,
	}.find(ctx)
}

func (b *Go) Metadata(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) domain.PackageMetadata {
	desc, err := b.FindExecutable(ctx, pkg, cacheDir)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	v := b.moduleVersion(ctx, desc.AbsolutePath, pkg.Name)
	if v == "" {
		return degraded(b.Name(), pkg, fmt.Errorf("no module version embedded in %s", desc.AbsolutePath))
	}
	return domain.PackageMetadata{
		Name:      pkg.Name,
		Version:   v,
		Homepage:  "https://pkg.go.dev/" + pkg.Name,
		Ecosystem: b.Name(),
	}
}
