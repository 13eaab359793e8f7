package backend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
	"github.com/aemholland/e14z/internal/sanitize"
)

// Git checks out source repositories into <cache>/git/<host_path>.
// Prebuilt executables are located in the checkout; nothing is built.
type Git struct {
	opts Options
}

// NewGit creates the source-checkout backend.
func NewGit(opts Options) *Git { return &Git{opts: opts.withDefaults()} }

func (b *Git) Name() string               { return "git" }
func (b *Git) Kind() domain.DirectiveKind { return domain.DirectiveSourceCheckout }
func (b *Git) Hint() string               { return "install git and retry" }

var gitNameRules = nameRules{
	prefixes: []string{"mcp-server-", "server-"},
	suffixes: []string{"-mcp", "-server", "-cli"},
}

// gitSearchDirs are checked, in order, relative to the checkout root.
var gitSearchDirs = []string{"bin", ".", "build", "dist", filepath.Join("target", "release")}

func (b *Git) CanHandle(d domain.InstallDirective) bool {
	t := tokens(d.RawCommand)
	return len(t) >= 3 && t[0] == "git" && t[1] == "clone"
}

func (b *Git) ParseInstallDirective(d domain.InstallDirective) (domain.ResolvedPackage, error) {
	cmd, err := sanitize.ParseSafeCommand(d.RawCommand)
	if err != nil {
		return domain.ResolvedPackage{}, err
	}
	if cmd.Command != "git" || len(cmd.Args) < 2 || cmd.Args[0] != "clone" {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "not a git clone command"}
	}

	pos, flags := scanFlags(cmd.Args[1:], "--depth", "--branch", "-b", "--origin", "-o")
	if len(pos) == 0 {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "no repository URL"}
	}
	u, err := sanitize.ValidateSourceURL(pos[0])
	if err != nil {
		return domain.ResolvedPackage{}, err
	}
	if u.Fragment != "" {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "repository URL cannot carry a fragment"}
	}

	name := u.Hostname() + strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), ".git")
	if _, err := sanitize.ValidateIdentifier(name); err != nil {
		return domain.ResolvedPackage{}, err
	}

	version, explicit := domain.LatestVersion, false
	branch := flags["--branch"]
	if branch == "" {
		branch = flags["-b"]
	}
	if branch != "" {
		if err := validateVersion(b.Name(), d.RawCommand, branch); err != nil {
			return domain.ResolvedPackage{}, err
		}
		version, explicit = branch, true
	}

	return domain.ResolvedPackage{
		Name:            name,
		Version:         version,
		RegistryKind:    b.Name(),
		OriginalCommand: d.RawCommand,
		ExplicitVersion: explicit,
		Source:          u.String(),
		Ref:             branch,
	}, nil
}

// checkoutDir is <cache>/git/<host>/<path>, mirroring the repository URL.
func (b *Git) checkoutDir(cacheDir, name string) (string, error) {
	dir, err := ecosystemDir(cacheDir, b.Name())
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, filepath.FromSlash(name))
	if dest == dir || !within(dir, dest) {
		return "", fmt.Errorf("checkout path for %q escapes %s", name, dir)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("creating checkout parent: %w", err)
	}
	return dest, nil
}

func (b *Git) Install(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.InstallOutcome, error) {
	dest, err := b.checkoutDir(cacheDir, pkg.Name)
	if err != nil {
		return nil, err
	}
	return b.opts.installWithFallback(ctx, installPlan{
		backend: b.Name(),
		pkg:     pkg,
		installed: func(ctx context.Context) (string, bool) {
			if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
				return "", false
			}
			if pkg.ExplicitVersion {
				// A checkout of a named branch or tag satisfies only that ref.
				if ref := b.currentRef(ctx, dest); ref != pkg.Version {
					return ref, false
				}
				return pkg.Version, true
			}
			v := b.describe(ctx, dest)
			if v == "" {
				v = "HEAD"
			}
			return v, true
		},
		attempt: func(ctx context.Context, version string) (string, error) {
			gitBin, err := b.opts.toolchain("git")
			if err != nil {
				return "", err
			}
			// Clone next to the destination and rename, so readers never see
			// a half-written checkout.
			tmp, err := os.MkdirTemp(filepath.Dir(dest), ".clone-*")
			if err != nil {
				return "", fmt.Errorf("create clone dir: %w", err)
			}
			defer func() { _ = os.RemoveAll(tmp) }()

			args := []string{"clone", "--depth", "1", "--single-branch"}
			if version != "" {
				args = append(args, "--branch", version)
			}
			args = append(args, "--", pkg.Source, tmp)
			res, err := b.opts.run(ctx, sandbox.RunRequest{
				Path: gitBin,
				Args: args,
				Env:  map[string]string{"GIT_TERMINAL_PROMPT": "0"},
			})
			out := ""
			if res != nil {
				out = res.Stdout + res.Stderr
			}
			if err != nil {
				return out, err
			}
			if err := os.RemoveAll(dest); err != nil {
				return out, fmt.Errorf("replace checkout: %w", err)
			}
			if err := os.Rename(tmp, dest); err != nil {
				return out, fmt.Errorf("commit checkout: %w", err)
			}
			return out, nil
		},
	})
}

func (b *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	gitBin, err := b.opts.toolchain("git")
	if err != nil {
		return "", err
	}
	res, err := b.opts.run(ctx, sandbox.RunRequest{Path: gitBin, Args: append([]string{"-C", dir}, args...)})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (b *Git) currentRef(ctx context.Context, dir string) string {
	if ref, err := b.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && ref != "HEAD" {
		return ref
	}
	ref, _ := b.git(ctx, dir, "describe", "--tags", "--exact-match")
	return ref
}

func (b *Git) describe(ctx context.Context, dir string) string {
	v, _ := b.git(ctx, dir, "describe", "--tags", "--always")
	return v
}

func (b *Git) FindExecutable(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.ExecutableDescriptor, error) {
	root, err := b.checkoutDir(cacheDir, pkg.Name)
	if err != nil {
		return nil, err
	}
	base := pkg.Name[strings.LastIndex(pkg.Name, "/")+1:]
	names := candidateNames(pkg, base, gitNameRules)

	dirs := make([]string, 0, len(gitSearchDirs))
	for _, d := range gitSearchDirs {
		dirs = append(dirs, filepath.Join(root, d))
	}

	return locator{
		backend:   b.Name(),
		pkg:       pkg,
		binDirs:   dirs,
		names:     names,
		pathNames: exactNames(pkg, base),
		introspect: func(ctx context.Context) (string, error) {
			out, err := b.git(ctx, root, "ls-files", "-s")
			if err != nil {
				return "", err
			}
			return gitExecutable(out, root, names)
		},
		logger: b.opts.Logger,
	}.find(ctx)
}

// gitExecutable picks a tracked file with mode 100755, preferring one whose
// base name matches a candidate name.
func gitExecutable(lsFiles, root string, names []string) (string, error) {
	var execs []string
	sc := bufio.NewScanner(strings.NewReader(lsFiles))
	for sc.Scan() {
		meta, path, ok := strings.Cut(sc.Text(), "\t")
		if !ok || !strings.HasPrefix(meta, "100755") {
			continue
		}
		p := filepath.Join(root, filepath.FromSlash(path))
		if within(root, p) {
			execs = append(execs, p)
		}
	}
	for _, n := range names {
		for _, p := range execs {
			if filepath.Base(p) == n || strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)) == n {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("no tracked executable matches %s", strings.Join(names, ", "))
}

func (b *Git) Metadata(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) domain.PackageMetadata {
	root, err := b.checkoutDir(cacheDir, pkg.Name)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		return degraded(b.Name(), pkg, err)
	}
	return domain.PackageMetadata{
		Name:      pkg.Name,
		Version:   b.describe(ctx, root),
		Homepage:  pkg.Source,
		Ecosystem: b.Name(),
	}
}
