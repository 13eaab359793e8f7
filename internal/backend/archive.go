package backend

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sanitize"
)

// Archive downloads release artifacts over https into
// <cache>/archive/<name>-<urlhash> and extracts them. A "#sha256=<hex>"
// fragment on the URL is verified before anything is unpacked. Install
// scripts are never downloaded or run.
type Archive struct {
	opts Options
}

// NewArchive creates the archive backend.
func NewArchive(opts Options) *Archive { return &Archive{opts: opts.withDefaults()} }

func (b *Archive) Name() string               { return "archive" }
func (b *Archive) Kind() domain.DirectiveKind { return domain.DirectiveArchiveScript }
func (b *Archive) Hint() string               { return "check network access to the download host and retry" }

const (
	archiveMarker   = ".complete"
	downloadsSubdir = ".downloads"
)

var archiveNameRules = nameRules{
	suffixes: []string{"-mcp", "-server", "-cli"},
}

var (
	scriptExts   = []string{".sh", ".bash", ".zsh", ".ps1", ".bat", ".cmd", ".py"}
	archiveExts  = []string{".tar.gz", ".tgz", ".zip"}
	versionToken = regexp.MustCompile(`^v?[0-9]+(\.[0-9]+)*([-+.][0-9A-Za-z.]+)?$`)
	platformWord = map[string]bool{
		"linux": true, "darwin": true, "macos": true, "windows": true, "freebsd": true,
		"amd64": true, "x86_64": true, "arm64": true, "aarch64": true, "386": true, "x86": true,
		"arm": true, "armv7": true, "universal": true, "gnu": true, "musl": true, "unknown": true,
		"apple": true, "pc": true, "static": true,
	}
)

// curlValueFlags consume the next token.
var curlValueFlags = []string{"-o", "--output", "-O", "--output-document", "-H", "--header", "-A", "--user-agent", "-P", "--directory-prefix"}

func (b *Archive) CanHandle(d domain.InstallDirective) bool {
	t := tokens(d.RawCommand)
	if len(t) == 0 {
		return false
	}
	if strings.HasPrefix(t[0], "https://") {
		return true
	}
	return (t[0] == "curl" || t[0] == "wget") && slices.ContainsFunc(t[1:], func(s string) bool {
		return strings.HasPrefix(s, "https://")
	})
}

func (b *Archive) ParseInstallDirective(d domain.InstallDirective) (domain.ResolvedPackage, error) {
	cmd, err := sanitize.ParseSafeCommand(d.RawCommand)
	if err != nil {
		return domain.ResolvedPackage{}, err
	}

	var raw string
	switch cmd.Command {
	case "curl", "wget":
		pos, _ := positional(cmd.Args, curlValueFlags...)
		for _, p := range pos {
			if strings.HasPrefix(p, "https://") {
				raw = p
				break
			}
		}
	default:
		if strings.HasPrefix(cmd.Command, "https://") && len(cmd.Args) == 0 {
			raw = cmd.Command
		}
	}
	if raw == "" {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "no https download URL"}
	}

	u, err := sanitize.ValidateSourceURL(raw)
	if err != nil {
		return domain.ResolvedPackage{}, err
	}
	file := path.Base(u.Path)
	if file == "." || file == "/" || file == "" {
		return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "URL names no file"}
	}
	lower := strings.ToLower(file)
	for _, ext := range scriptExts {
		if strings.HasSuffix(lower, ext) {
			return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "install scripts are not executed"}
		}
	}

	name, version, stem := archiveName(file)
	if _, err := sanitize.ValidateIdentifier(name); err != nil {
		return domain.ResolvedPackage{}, err
	}

	checksum := strings.TrimPrefix(u.Fragment, "sha256=")
	if checksum != "" {
		if _, err := hex.DecodeString(checksum); err != nil || len(checksum) != sha256.Size*2 {
			return domain.ResolvedPackage{}, &DirectiveParseError{Backend: b.Name(), Command: d.RawCommand, Reason: "malformed sha256 fragment"}
		}
	}
	u.Fragment = ""

	var hints []string
	if stem != name {
		hints = []string{stem}
	}

	return domain.ResolvedPackage{
		Name:            name,
		Version:         version,
		RegistryKind:    b.Name(),
		OriginalCommand: d.RawCommand,
		Source:          u.String(),
		Ref:             strings.ToLower(checksum),
		Hints:           hints,
	}, nil
}

// archiveName derives the tool name from a release file name such as
// "tool_1.2.3_linux_amd64.tar.gz". It returns the name, the embedded
// version (or "latest") and the file name without its extension.
func archiveName(file string) (name, version, stem string) {
	stem = file
	for _, ext := range archiveExts {
		if s, ok := strings.CutSuffix(strings.ToLower(stem), ext); ok {
			stem = stem[:len(s)]
			break
		}
	}
	version = domain.LatestVersion
	parts := strings.FieldsFunc(stem, func(r rune) bool { return r == '_' || r == '-' })
	cut := len(parts)
	for i, p := range parts {
		if i == 0 {
			continue
		}
		if versionToken.MatchString(p) || platformWord[strings.ToLower(p)] {
			cut = i
			break
		}
	}
	for _, p := range parts[cut:] {
		// "386" is an architecture, not a version.
		if versionToken.MatchString(p) && (strings.Contains(p, ".") || p[0] == 'v') {
			version = strings.TrimPrefix(p, "v")
			break
		}
	}
	if cut == 0 || cut == len(parts) {
		return stem, version, stem
	}
	// Rejoin with the separator that followed the first part.
	sep := stem[len(parts[0]) : len(parts[0])+1]
	return strings.Join(parts[:cut], sep), version, stem
}

// installDir is <cache>/archive/<name>-<first 12 hex of sha256(url)>.
func (b *Archive) installDir(cacheDir string, pkg domain.ResolvedPackage) (string, error) {
	dir, err := ecosystemDir(cacheDir, b.Name())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(pkg.Source))
	return filepath.Join(dir, flatName(pkg.Name)+"-"+hex.EncodeToString(sum[:])[:12]), nil
}

func (b *Archive) Install(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.InstallOutcome, error) {
	dest, err := b.installDir(cacheDir, pkg)
	if err != nil {
		return nil, err
	}
	return b.opts.installWithFallback(ctx, installPlan{
		backend: b.Name(),
		pkg:     pkg,
		installed: func(context.Context) (string, bool) {
			v, err := os.ReadFile(filepath.Join(dest, archiveMarker))
			if err != nil {
				return "", false
			}
			return strings.TrimSpace(string(v)), true
		},
		attempt: func(ctx context.Context, _ string) (string, error) {
			downloads := filepath.Join(cacheDir, downloadsSubdir)
			if err := os.MkdirAll(downloads, 0o700); err != nil {
				return "", fmt.Errorf("prepare downloads dir: %w", err)
			}
			artifact, err := b.download(ctx, downloads, pkg.Source, pkg.Ref)
			if err != nil {
				return "", err
			}
			defer func() { _ = os.Remove(artifact) }()

			tmp, err := os.MkdirTemp(filepath.Dir(dest), ".extract-*")
			if err != nil {
				return "", fmt.Errorf("create extract dir: %w", err)
			}
			defer func() { _ = os.RemoveAll(tmp) }()

			if err := b.unpack(artifact, path.Base(pkg.Source), pkg.Name, tmp); err != nil {
				return "", err
			}
			version := pkg.Version
			if err := os.WriteFile(filepath.Join(tmp, archiveMarker), []byte(version+"\n"), 0o600); err != nil {
				return "", fmt.Errorf("write install marker: %w", err)
			}
			if err := os.RemoveAll(dest); err != nil {
				return "", fmt.Errorf("replace install dir: %w", err)
			}
			if err := os.Rename(tmp, dest); err != nil {
				return "", fmt.Errorf("commit install dir: %w", err)
			}
			return fmt.Sprintf("downloaded %s", pkg.Source), nil
		},
	})
}

// download fetches url into dir, enforcing the size cap and, when
// checksum is set, the sha256.
func (b *Archive) download(ctx context.Context, dir, url, checksum string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "e14z/1.0")

	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}
	if resp.ContentLength > b.opts.MaxArchiveBytes {
		return "", fmt.Errorf("download %s: %d bytes exceeds limit of %d", url, resp.ContentLength, b.opts.MaxArchiveBytes)
	}

	tmp, err := os.CreateTemp(dir, "download-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(resp.Body, b.opts.MaxArchiveBytes+1))
	if err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if n > b.opts.MaxArchiveBytes {
		return "", fmt.Errorf("download %s: exceeds limit of %d bytes", url, b.opts.MaxArchiveBytes)
	}

	if checksum != "" {
		if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, checksum) {
			return "", fmt.Errorf("checksum mismatch for %s: got %s, want %s", url, sum, checksum)
		}
	} else {
		b.opts.Logger.Warn("archive has no pinned checksum", slog.String("url", url))
	}

	keep = true
	return tmpPath, nil
}

// unpack extracts artifact into dest by file name; a bare file becomes
// dest/<name> with mode 0755.
func (b *Archive) unpack(artifact, file, name, dest string) error {
	lower := strings.ToLower(file)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		f, err := os.Open(artifact)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		return untar(gz, dest, b.opts.MaxArchiveBytes)
	case strings.HasSuffix(lower, ".zip"):
		return unzip(artifact, dest, b.opts.MaxArchiveBytes)
	default:
		target := filepath.Join(dest, flatName(name))
		if err := os.Rename(artifact, target); err != nil {
			return fmt.Errorf("place binary: %w", err)
		}
		return os.Chmod(target, 0o755)
	}
}

// ErrUnsafeArchive is returned for entries that would escape the
// extraction root or exceed the size limit.
var ErrUnsafeArchive = errors.New("unsafe archive entry")

// entryPath resolves an archive entry name under dest.
func entryPath(dest, name string) (string, error) {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) || strings.Contains(name, `\`) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeArchive, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q escapes the extraction root", ErrUnsafeArchive, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(clean))
	if !within(dest, target) {
		return "", fmt.Errorf("%w: %q escapes the extraction root", ErrUnsafeArchive, name)
	}
	return target, nil
}

// fileMode keeps only permission bits and never grants setuid or world write.
func fileMode(m fs.FileMode) fs.FileMode {
	m = m.Perm() &^ 0o022
	if m&0o400 == 0 {
		m |= 0o600
	}
	return m
}

func writeEntry(target string, mode fs.FileMode, r io.Reader, remaining *int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("prepare file %s: %w", target, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode(mode))
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	n, err := io.Copy(out, io.LimitReader(r, *remaining+1))
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", target, err)
	}
	*remaining -= n
	if *remaining < 0 {
		return fmt.Errorf("%w: extracted size exceeds limit", ErrUnsafeArchive)
	}
	return nil
}

// untar extracts regular files and directories. Links and device entries
// are skipped.
func untar(r io.Reader, dest string, limit int64) error {
	remaining := limit
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}
		target, err := entryPath(dest, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, fs.FileMode(header.Mode), tr, &remaining); err != nil {
				return err
			}
		}
	}
}

func unzip(archivePath, dest string, limit int64) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	remaining := limit
	for _, file := range reader.File {
		target, err := entryPath(dest, file.Name)
		if err != nil {
			return err
		}
		mode := file.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		case !mode.IsRegular():
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", file.Name, err)
		}
		err = writeEntry(target, mode, rc, &remaining)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Archive) FindExecutable(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) (*domain.ExecutableDescriptor, error) {
	root, err := b.installDir(cacheDir, pkg)
	if err != nil {
		return nil, err
	}
	names := candidateNames(pkg, pkg.Name, archiveNameRules)
	return locator{
		backend:   b.Name(),
		pkg:       pkg,
		binDirs:   []string{root, filepath.Join(root, "bin")},
		names:     names,
		pathNames: exactNames(pkg, pkg.Name),
		introspect: func(context.Context) (string, error) {
			return walkExecutable(root, names)
		},
		logger: b.opts.Logger,
	}.find(ctx)
}

// walkExecutable searches the extracted tree for a candidate name, then
// falls back to the only executable file if there is exactly one.
func walkExecutable(root string, names []string) (string, error) {
	var match string
	var execs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || !isExecutable(p) {
			return nil
		}
		if slices.Contains(names, d.Name()) {
			match = p
			return io.EOF
		}
		execs = append(execs, p)
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if match != "" {
		return match, nil
	}
	if len(execs) == 1 {
		return execs[0], nil
	}
	return "", fmt.Errorf("found %d executables under %s, none named %s", len(execs), root, strings.Join(names, ", "))
}

func (b *Archive) Metadata(ctx context.Context, pkg domain.ResolvedPackage, cacheDir string) domain.PackageMetadata {
	root, err := b.installDir(cacheDir, pkg)
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	v, err := os.ReadFile(filepath.Join(root, archiveMarker))
	if err != nil {
		return degraded(b.Name(), pkg, err)
	}
	return domain.PackageMetadata{
		Name:      pkg.Name,
		Version:   strings.TrimSpace(string(v)),
		Homepage:  pkg.Source,
		Ecosystem: b.Name(),
	}
}
