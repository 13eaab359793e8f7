package workspace

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestNew_CreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	ws, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}
	for _, dir := range []string{ws.LocksDir(), ws.DownloadsDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("%s not created: %v", dir, err)
		}
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			t.Errorf("%s perm = %o, want no group/other access", dir, perm)
		}
	}
	if err := ws.Writable(); err != nil {
		t.Errorf("Writable: %v", err)
	}
}

func TestNew_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	ws, err := New("~/.e14z/cache")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".e14z", "cache"); ws.Root != want {
		t.Errorf("Root = %q, want %q", ws.Root, want)
	}
}

func TestNew_RelativeBecomesAbsolute(t *testing.T) {
	t.Chdir(t.TempDir())
	ws, err := New("cache")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(ws.Root) || !strings.HasSuffix(ws.Root, "cache") {
		t.Errorf("Root = %q", ws.Root)
	}
}

func TestEcosystemsAndDiskUsage(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	write := func(rel string, size int) {
		t.Helper()
		p := filepath.Join(ws.Root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, make([]byte, size), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("npm/node_modules/.bin/tool", 100)
	write("npm/node_modules/tool/package.json", 20)
	write("go/bin/gotool", 1000)
	write(".locks/npm_tool_latest.lock", 5)

	ecos, err := ws.Ecosystems()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ecos, []string{"go", "npm"}) {
		t.Errorf("Ecosystems = %v, want [go npm] (hidden dirs excluded)", ecos)
	}

	usage, err := ws.DiskUsage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []Usage{{"go", 1, 1000}, {"npm", 2, 120}}
	if !slices.Equal(usage, want) {
		t.Errorf("DiskUsage = %+v, want %+v", usage, want)
	}
}

func TestDiskUsage_Canceled(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(ws.Root, "pip", "venv"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.Root, "pip", "venv", "x"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ws.DiskUsage(ctx); err == nil {
		t.Error("expected cancellation error")
	}
}
