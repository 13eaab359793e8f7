package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
	"github.com/aemholland/e14z/internal/sanitize"
)

// Container pulls images and runs them with the hardened docker flags.
// The executable is the container CLI itself; the image and tool args
// follow the hardening flags.
type Container struct {
	opts Options
}

// NewContainer creates the container-image backend.
func NewContainer(opts Options) *Container { return &Container{opts: opts.withDefaults()} }

func (b *Container) Name() string               { return "container" }
func (b *Container) Kind() domain.DirectiveKind { return domain.DirectiveContainerImage }

func (b *Container) Hint() string {
	return "install Docker (or Podman) and make sure the daemon is running, then retry"
}

// dockerValueFlags consume the next token. User-supplied docker flags are
// never forwarded; only -e names are kept.
var dockerValueFlags = []string{
	"-e", "--env", "-v", "--volume", "--name", "-p", "--publish", "--network", "--net",
	"--entrypoint", "-w", "--workdir", "-u", "--user", "--mount", "--env-file", "-l",
	"--label", "--platform", "-m", "--memory", "--cpus", "--add-host", "--device",
}

func (b *Container) CanHandle(d domain.InstallDirective) bool {
	t := tokens(d.RawCommand)
	return len(t) >= 3 && (t[0] == "docker" || t[0] == "podman") && (t[1] == "run" || t[1] == "pull")
}

func (b *Container) ParseInstallDirective(d domain.InstallDirective) (domain.ResolvedPackage, error) {
	cmd, err := sanitize.ParseSafeCommand(d.RawCommand)
	if err != nil {
		return domain.ResolvedPackage{}, err
	}
	if (cmd.Command != "docker" && cmd.Command != "podman") || len(cmd.Args) < 2 {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "not a docker run or pull command"}
	}

	verb := cmd.Args[0]
	var envNames []string
	rest := cmd.Args[1:]
	i := 0
	for ; i < len(rest) && strings.HasPrefix(rest[i], "-"); i++ {
		flag, val, hasVal := strings.Cut(rest[i], "=")
		if !hasVal && slices.Contains(dockerValueFlags, flag) && i+1 < len(rest) {
			i++
			val = rest[i]
		}
		if flag == "-e" || flag == "--env" {
			name, _, _ := strings.Cut(val, "=")
			if err := sanitize.ValidateEnvName(name); err != nil {
				return domain.ResolvedPackage{}, err
			}
			envNames = append(envNames, name)
		}
	}
	if i >= len(rest) {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "no image specified"}
	}

	name, version, explicit := splitImageRef(rest[i])
	if _, err := sanitize.ValidateIdentifier(name); err != nil {
		return domain.ResolvedPackage{}, err
	}
	if explicit {
		if err := validateVersion(b.Name(), d.RawCommand, version); err != nil {
			return domain.ResolvedPackage{}, err
		}
	}

	var args []string
	if verb == "run" {
		args = rest[i+1:]
	}

	return domain.ResolvedPackage{
		Name:            name,
		Version:         version,
		RegistryKind:    b.Name(),
		OriginalCommand: d.RawCommand,
		ExplicitVersion: explicit,
		Args:            args,
		EnvNames:        envNames,
	}, nil
}

// splitImageRef splits "registry:port/repo:tag" and "repo@sha256:..." into
// repository and tag or digest.
func splitImageRef(ref string) (name, version string, explicit bool) {
	if n, digest, ok := strings.Cut(ref, "@"); ok {
		return n, digest, true
	}
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon], ref[colon+1:], true
	}
	return ref, domain.LatestVersion, false
}

// imageRef joins a repository with a tag or digest.
func imageRef(name, version string) string {
	switch {
	case version == "":
		return name
	case strings.HasPrefix(version, "sha256:"):
		return name + "@" + version
	default:
		return name + ":" + version
	}
}

func (b *Container) cli() (string, error) { return b.opts.toolchain("docker", "podman") }

// inspect returns the image labels when ref is present locally.
func (b *Container) inspect(ctx context.Context, ref string) (map[string]string, error) {
	cli, err := b.cli()
	if err != nil {
		return nil, err
	}
	res, err := b.opts.run(ctx, sandbox.RunRequest{
		Path: cli,
		Args: []string{"image", "inspect", "--format", "{{json .Config.Labels}}", ref},
	})
	if err != nil {
		return nil, err
	}
	labels := map[string]string{}
	if out := strings.TrimSpace(res.Stdout); out != "" && out != "null" {
		if err := json.Unmarshal([]byte(out), &labels); err != nil {
			return nil, fmt.Errorf("parsing labels of %s: %w", ref, err)
		}
	}
	return labels, nil
}

// fallbackPath is where Install records the tag it pulled when the
// requested one could not be pulled. The requested tag never appears in the
// local image store in that case, so FindExecutable runs the recorded one.
func (b *Container) fallbackPath(cacheDir string, pkg domain.ResolvedPackage) (string, error) {
	dir, err := ecosystemDir(cacheDir, b.Name())
	if err != nil {
		return "", err
	}
	version := strings.NewReplacer(":", "_", "/", "_").Replace(pkg.Version)
	return filepath.Join(dir, flatName(pkg.Name)+"@"+version+".fallback"), nil
}

// recordFallback writes or clears the fallback tag for pkg.
func (b *Container) recordFallback(cacheDir string, pkg domain.ResolvedPackage, tag string) error {
	if cacheDir == "" || !pkg.ExplicitVersion {
		return nil
	}
	path, err := b.fallbackPath(cacheDir, pkg)
	if err != nil {
		return err
	}
	if tag == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return os.WriteFile(path, []byte(tag+"\n"), 0o640)
}

// localRef returns the reference of a locally present image for pkg: the
// requested tag, or the tag recorded by a version fallback.
func (b *Container) localRef(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (string, []string, error) {
	ref := imageRef(pkg.Name, pkg.Version)
	tried := []string{ref}
	_, err := b.inspect(ctx, ref)
	if err == nil || cacheDir == "" || !pkg.ExplicitVersion {
		return ref, tried, err
	}
	path, pathErr := b.fallbackPath(cacheDir, pkg)
	if pathErr != nil {
		return ref, tried, err
	}
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return ref, tried, err
	}
	tag := strings.TrimSpace(string(data))
	if validateVersion(b.Name(), pkg.OriginalCommand, tag) != nil {
		return ref, tried, err
	}
	fallback := imageRef(pkg.Name, tag)
	tried = append(tried, fallback)
	if _, err := b.inspect(ctx, fallback); err != nil {
		return ref, tried, err
	}
	return fallback, tried, nil
}

func (b *Container) Install(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.InstallOutcome, error) {
	outcome, err := b.installImage(ctx, pkg)
	if err != nil {
		return outcome, err
	}
	tag := ""
	if outcome.VersionFallback {
		tag = domain.LatestVersion
	}
	if !outcome.AlreadyInstalled {
		if err := b.recordFallback(cacheDir, pkg, tag); err != nil {
			b.opts.Logger.Warn("recording pulled image tag failed",
				slog.String("package", pkg.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return outcome, nil
}

func (b *Container) installImage(ctx context.Context, pkg domain.ResolvedPackage) (*domain.InstallOutcome, error) {
	return b.opts.installWithFallback(ctx, installPlan{
		backend: b.Name(),
		pkg:     pkg,
		installed: func(ctx context.Context) (string, bool) {
			if _, err := b.inspect(ctx, imageRef(pkg.Name, pkg.Version)); err != nil {
				return "", false
			}
			return pkg.Version, true
		},
		attempt: func(ctx context.Context, version string) (string, error) {
			cli, err := b.cli()
			if err != nil {
				return "", err
			}
			if version == "" {
				version = domain.LatestVersion
			}
			res, err := b.opts.run(ctx, sandbox.RunRequest{Path: cli, Args: []string{"pull", imageRef(pkg.Name, version)}})
			if res == nil {
				return "", err
			}
			return res.Stdout + res.Stderr, err
		},
	})
}

func (b *Container) FindExecutable(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.ExecutableDescriptor, error) {
	cli, err := b.cli()
	if err != nil {
		return nil, &ExecutableNotFoundError{Backend: b.Name(), Package: pkg.Name, Tried: []string{"docker", "podman"}, Dirs: []string{"PATH"}}
	}
	ref, tried, err := b.localRef(ctx, pkg, cacheDir)
	if err != nil {
		return nil, &ExecutableNotFoundError{Backend: b.Name(), Package: pkg.Name, Tried: tried, Dirs: []string{"local image store"}}
	}

	name, err := sandbox.NewContainerName()
	if err != nil {
		return nil, err
	}
	args := sandbox.ContainerArgs(b.opts.Container, name, ref, pkg.EnvNames)
	b.opts.Logger.Info("executable located",
		slog.String("backend", b.Name()),
		slog.String("package", pkg.Name),
		slog.String("path", cli),
		slog.String("image", ref),
		slog.String("container", name),
	)
	return &domain.ExecutableDescriptor{
		AbsolutePath: cli,
		Args:         append(args, pkg.Args...),
		BackendKind:  b.Name(),
		ToolName:     pkg.Name,
		ResolvedVia:  domain.ResolvedScopedPath,
		Container:    name,
	}, nil
}

func (b *Container) Metadata(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) domain.PackageMetadata {
	ref, _, err := b.localRef(ctx, pkg, cacheDir)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	labels, err := b.inspect(ctx, ref)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	md := domain.PackageMetadata{
		Name:        pkg.Name,
		Version:     labels["org.opencontainers.image.version"],
		Description: labels["org.opencontainers.image.description"],
		Homepage:    labels["org.opencontainers.image.source"],
		License:     labels["org.opencontainers.image.licenses"],
		Ecosystem:   b.Name(),
	}
	if md.Version == "" {
		_, md.Version, _ = splitImageRef(ref)
	}
	return md
}
