package backend

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
)

// fakeImageStore answers "docker pull" and "docker image inspect" from an
// in-memory set of refs. Pulls of refs in missing fail.
type fakeImageStore struct {
	mu      sync.Mutex
	images  map[string]string
	missing map[string]bool
}

func newFakeImageStore() *fakeImageStore {
	return &fakeImageStore{images: map[string]string{}, missing: map[string]bool{}}
}

func (s *fakeImageStore) run(req sandbox.RunRequest) (*domain.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := req.Args[len(req.Args)-1]
	switch req.Args[0] {
	case "pull":
		if s.missing[ref] {
			return failResult("manifest for " + ref + " not found"), errors.New("exit 1")
		}
		s.images[ref] = `{"org.opencontainers.image.source":"https://github.com/acme/tool"}`
		return okResult("pulled " + ref), nil
	case "image":
		labels, ok := s.images[ref]
		if !ok {
			return failResult("No such image: " + ref), errors.New("exit 1")
		}
		return okResult(labels), nil
	}
	return failResult("unexpected"), errors.New("unexpected docker call")
}

func TestContainer_LocatesFallbackTag(t *testing.T) {
	store := newFakeImageStore()
	store.missing["ghcr.io/acme/tool:9.9.9"] = true
	r := &fakeRunner{script: store.run}
	cache := t.TempDir()
	pkg := domain.ResolvedPackage{
		Name:            "ghcr.io/acme/tool",
		Version:         "9.9.9",
		RegistryKind:    "container",
		OriginalCommand: "docker run ghcr.io/acme/tool:9.9.9",
		ExplicitVersion: true,
		Args:            []string{"serve"},
	}

	b := NewContainer(testOptions(r, "docker"))
	ctx := context.Background()

	var notFound *ExecutableNotFoundError
	if _, err := b.FindExecutable(ctx, pkg, cache); !errors.As(err, &notFound) {
		t.Fatalf("before install: err = %v, want ExecutableNotFoundError", err)
	}

	out, err := b.Install(ctx, pkg, cache)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !out.VersionFallback || out.InstalledVersion != domain.LatestVersion {
		t.Fatalf("outcome = %+v, want fallback to latest", out)
	}

	// A fresh backend sees the recorded tag too.
	desc, err := NewContainer(testOptions(r, "docker")).FindExecutable(ctx, pkg, cache)
	if err != nil {
		t.Fatalf("FindExecutable after fallback: %v", err)
	}
	if !slices.Contains(desc.Args, "ghcr.io/acme/tool:latest") {
		t.Errorf("args do not run the pulled tag: %v", desc.Args)
	}
	if desc.Args[len(desc.Args)-1] != "serve" {
		t.Errorf("tool args not appended: %v", desc.Args)
	}
	if !strings.HasPrefix(desc.Container, "e14z-") {
		t.Errorf("Container = %q", desc.Container)
	}
	i := slices.Index(desc.Args, "--name")
	if i < 0 || desc.Args[i+1] != desc.Container {
		t.Errorf("--name does not match descriptor: %v", desc.Args)
	}

	md := b.Metadata(ctx, pkg, cache)
	if md.Degraded || md.Version != domain.LatestVersion || md.Homepage != "https://github.com/acme/tool" {
		t.Errorf("metadata = %+v", md)
	}

	// Once the requested tag exists, a new install clears the record.
	store.mu.Lock()
	delete(store.missing, "ghcr.io/acme/tool:9.9.9")
	store.mu.Unlock()
	out, err = b.Install(ctx, pkg, cache)
	if err != nil || out.VersionFallback {
		t.Fatalf("second Install = %+v, %v", out, err)
	}
	path, err := b.fallbackPath(cache, pkg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("fallback record not cleared: %v", err)
	}
	desc, err = b.FindExecutable(ctx, pkg, cache)
	if err != nil || !slices.Contains(desc.Args, "ghcr.io/acme/tool:9.9.9") {
		t.Errorf("FindExecutable = %+v, %v", desc, err)
	}
}

func TestContainer_UnqualifiedNeverUsesRecord(t *testing.T) {
	store := newFakeImageStore()
	r := &fakeRunner{script: store.run}
	cache := t.TempDir()
	pkg := domain.ResolvedPackage{Name: "alpine", Version: domain.LatestVersion, RegistryKind: "container"}

	b := NewContainer(testOptions(r, "docker"))
	_, err := b.FindExecutable(context.Background(), pkg, cache)
	var notFound *ExecutableNotFoundError
	if !errors.As(err, &notFound) || len(notFound.Tried) != 1 || notFound.Tried[0] != "alpine:latest" {
		t.Fatalf("err = %v", err)
	}
}
