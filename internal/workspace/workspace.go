// Package workspace owns the on-disk install cache.
//
// Layout under the cache root (default ~/.e14z/cache, E14Z_CACHE_DIR):
//
//	npm/ pip/ go/ cargo/ git/ archive/   one tree per ecosystem, as its installer expects
//	.locks/                              install lock files (0700)
//	.downloads/                          in-flight archive downloads (0700)
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	locksDir     = ".locks"
	downloadsDir = ".downloads"
)

// Workspace is a resolved cache root. Its methods only touch paths below Root.
type Workspace struct {
	Root string
}

// New resolves root (expanding ~) and creates it along with the private
// lock and download directories.
func New(root string) (*Workspace, error) {
	resolved, err := expandHome(root)
	if err != nil {
		return nil, fmt.Errorf("resolving cache root %q: %w", root, err)
	}
	if err := os.MkdirAll(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	for _, d := range []string{locksDir, downloadsDir} {
		if err := os.MkdirAll(filepath.Join(resolved, d), 0700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return &Workspace{Root: resolved}, nil
}

// LocksDir holds one lock file per in-progress install.
func (w *Workspace) LocksDir() string { return filepath.Join(w.Root, locksDir) }

// DownloadsDir is scratch space for archive downloads.
func (w *Workspace) DownloadsDir() string { return filepath.Join(w.Root, downloadsDir) }

// Writable reports whether the cache root accepts new files.
func (w *Workspace) Writable() error {
	f, err := os.CreateTemp(w.Root, ".probe-*")
	if err != nil {
		return fmt.Errorf("cache root %s is not writable: %w", w.Root, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Ecosystems lists the ecosystem trees present in the cache, sorted.
func (w *Workspace) Ecosystems() ([]string, error) {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return nil, fmt.Errorf("reading cache root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}

// Usage is the disk footprint of one ecosystem tree.
type Usage struct {
	Ecosystem string `json:"ecosystem"`
	Files     int    `json:"files"`
	Bytes     int64  `json:"bytes"`
}

// DiskUsage walks every ecosystem tree. Symlinks are counted, not followed.
// Entries that vanish mid-walk (a concurrent janitor sweep) are skipped.
func (w *Workspace) DiskUsage(ctx context.Context) ([]Usage, error) {
	ecosystems, err := w.Ecosystems()
	if err != nil {
		return nil, err
	}
	out := make([]Usage, 0, len(ecosystems))
	for _, eco := range ecosystems {
		u := Usage{Ecosystem: eco}
		err := filepath.WalkDir(filepath.Join(w.Root, eco), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			u.Files++
			u.Bytes += info.Size()
			return nil
		})
		if err != nil {
			return out, fmt.Errorf("measuring %s: %w", eco, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
