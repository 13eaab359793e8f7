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

// Pip installs interpreted-language packages into one virtualenv per
// package under <cache>/pip/<name>.
type Pip struct {
	opts Options
}

// NewPip creates the pip backend.
func NewPip(opts Options) *Pip { return &Pip{opts: opts.withDefaults()} }

func (b *Pip) Name() string               { return "pip" }
func (b *Pip) Kind() domain.DirectiveKind { return domain.DirectiveInterpretedPackage }
func (b *Pip) Hint() string               { return "install Python 3 (with venv and pip) and retry" }

var pipNameRules = nameRules{
	prefixes: []string{"mcp-server-", "mcp_server_"},
	suffixes: []string{"-mcp", "-server", "-cli", "_mcp"},
}

var pipExtras = regexp.MustCompile(`\[[A-Za-z0-9_,.-]*\]`)

// pipCommand returns the tokens after the install verb, or nil.
func pipCommand(t []string) []string {
	switch {
	case len(t) >= 3 && (t[0] == "pip" || t[0] == "pip3") && t[1] == "install":
		return t[2:]
	case len(t) >= 5 && (t[0] == "python" || t[0] == "python3") && t[1] == "-m" && t[2] == "pip" && t[3] == "install":
		return t[4:]
	case len(t) >= 2 && t[0] == "uvx":
		return t[1:]
	case len(t) >= 3 && t[0] == "pipx" && (t[1] == "run" || t[1] == "install"):
		return t[2:]
	case len(t) >= 4 && t[0] == "uv" && t[1] == "tool" && (t[2] == "run" || t[2] == "install"):
		return t[3:]
	}
	return nil
}

func (b *Pip) CanHandle(d domain.InstallDirective) bool {
	return pipCommand(tokens(d.RawCommand)) != nil
}

func (b *Pip) ParseInstallDirective(d domain.InstallDirective) (domain.ResolvedPackage, error) {
	cmd, err := sanitize.ParseSafeCommand(d.RawCommand)
	if err != nil {
		return domain.ResolvedPackage{}, err
	}
	rest := pipCommand(cmd.Tokens())
	if rest == nil {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "not a pip, pipx or uvx command"}
	}

	runner := cmd.Command == "uvx" || cmd.Command == "pipx" || cmd.Command == "uv"
	pos, flags := positional(rest, "--from", "--python", "-i", "--index-url")

	var spec string
	var args, hints []string
	if from := flags["--from"]; from != "" && len(pos) > 0 {
		// uvx --from <pkg> <entrypoint> [args]
		spec = from
		hints = []string{pos[0]}
		args = pos[1:]
	} else if len(pos) > 0 {
		spec = pos[0]
		args = pos[1:]
	}
	if spec == "" {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "no package specified"}
	}
	if !runner {
		args = nil
	}

	name, version, explicit := splitPipSpec(pipExtras.ReplaceAllString(spec, ""))
	if _, err := sanitize.ValidateIdentifier(name); err != nil {
		return domain.ResolvedPackage{}, err
	}
	if strings.Contains(name, "/") {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "local paths and URLs are not installable packages"}
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

// splitPipSpec splits "name==1.0" and "name@1.0".
func splitPipSpec(spec string) (name, version string, explicit bool) {
	if n, v, ok := strings.Cut(spec, "=="); ok {
		return n, v, true
	}
	if n, v, ok := strings.Cut(spec, "@"); ok {
		return n, v, true
	}
	return spec, domain.LatestVersion, false
}

func (b *Pip) venv(cacheDir, name string) (string, error) {
	dir, err := ecosystemDir(cacheDir, b.Name())
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, flatName(strings.ToLower(name))), nil
}

func (b *Pip) Install(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.InstallOutcome, error) {
	venv, err := b.venv(cacheDir, pkg.Name)
	if err != nil {
		return nil, err
	}
	return b.opts.installWithFallback(ctx, installPlan{
		backend: b.Name(),
		pkg:     pkg,
		installed: func(ctx context.Context) (string, bool) {
			info, err := b.show(ctx, venv, pkg.Name, false)
			if err != nil || info.version == "" {
				return "", false
			}
			return info.version, true
		},
		attempt: func(ctx context.Context, version string) (string, error) {
			var out strings.Builder
			if !isExecutable(filepath.Join(venv, "bin", "python")) {
				python, err := b.opts.toolchain("python3", "python")
				if err != nil {
					return "", err
				}
				res, err := b.opts.run(ctx, sandbox.RunRequest{Path: python, Args: []string{"-m", "venv", venv}})
				if res != nil {
					out.WriteString(res.Stderr)
				}
				if err != nil {
					return out.String(), fmt.Errorf("creating virtualenv: %w", err)
				}
			}
			spec := pkg.Name
			if version != "" {
				spec += "==" + version
			}
			res, err := b.opts.run(ctx, sandbox.RunRequest{
				Path: filepath.Join(venv, "bin", "pip"),
				Args: []string{"install", "--disable-pip-version-check", "--no-input", spec},
			})
			if res != nil {
				out.WriteString(res.Stdout + res.Stderr)
			}
			return out.String(), err
		},
	})
}

type pipShow struct {
	version  string
	summary  string
	homepage string
	license  string
	location string
	files    []string
}

// show runs "<venv>/bin/pip show [-f] name".
func (b *Pip) show(ctx context.Context, venv, name string, files bool) (*pipShow, error) {
	pip := filepath.Join(venv, "bin", "pip")
	if !isExecutable(pip) {
		return nil, fmt.Errorf("virtualenv %s has no pip", venv)
	}
	args := []string{"show", "--disable-pip-version-check"}
	if files {
		args = append(args, "-f")
	}
	res, err := b.opts.run(ctx, sandbox.RunRequest{Path: pip, Args: append(args, name)})
	if err != nil {
		return nil, err
	}
	return parsePipShow(res.Stdout), nil
}

func parsePipShow(out string) *pipShow {
	info := &pipShow{}
	inFiles := false
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if inFiles {
			if strings.HasPrefix(line, " ") {
				info.files = append(info.files, strings.TrimSpace(line))
				continue
			}
			inFiles = false
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch k {
		case "Version":
			info.version = v
		case "Summary":
			info.summary = v
		case "Home-page":
			info.homepage = v
		case "License":
			info.license = v
		case "Location":
			info.location = v
		case "Files":
			inFiles = true
		}
	}
	return info
}

func (b *Pip) FindExecutable(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.ExecutableDescriptor, error) {
	venv, err := b.venv(cacheDir, pkg.Name)
	if err != nil {
		return nil, err
	}
	binDir := filepath.Join(venv, "bin")
	base := strings.ToLower(pkg.Name)
	return locator{
		backend:   b.Name(),
		pkg:       pkg,
		binDirs:   []string{binDir},
		names:     candidateNames(pkg, base, pipNameRules),
		pathNames: exactNames(pkg, base),
		introspect: func(ctx context.Context) (string, error) {
			info, err := b.show(ctx, venv, pkg.Name, true)
			if err != nil {
				return "", err
			}
			return pipEntryPoint(info, venv)
		},
		logger: b.opts.Logger,
	}.find(ctx)
}

// pipEntryPoint picks the first installed script under the venv's bin dir.
func pipEntryPoint(info *pipShow, venv string) (string, error) {
	binDir := filepath.Join(venv, "bin")
	for _, f := range info.files {
		if !strings.Contains(f, "bin/") {
			continue
		}
		p := filepath.Clean(filepath.Join(info.location, filepath.FromSlash(f)))
		if !within(binDir, p) {
			continue
		}
		base := filepath.Base(p)
		if strings.HasPrefix(base, "python") || strings.HasPrefix(base, "pip") || strings.HasPrefix(base, "activate") {
			continue
		}
		return p, nil
	}
	return "", fmt.Errorf("pip show lists no console scripts")
}

func (b *Pip) Metadata(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) domain.PackageMetadata {
	venv, err := b.venv(cacheDir, pkg.Name)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	info, err := b.show(ctx, venv, pkg.Name, false)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	return domain.PackageMetadata{
		Name:        pkg.Name,
		Version:     info.version,
		Description: info.summary,
		Homepage:    info.homepage,
		License:     info.license,
		Ecosystem:   b.Name(),
	}
}
