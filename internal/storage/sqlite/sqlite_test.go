package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "registry.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestToolStore_PutGetList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tools := s.Tools()

	rec := &domain.ToolRecord{
		Identifier: "github-mcp",
		Name:       "GitHub",
		InstallDirectives: []domain.InstallDirective{
			{Kind: domain.DirectiveRegistryPackage, RawCommand: "npx -y @modelcontextprotocol/server-github", Priority: 1, Confidence: 0.9},
		},
		AuthMethod:  "api_key",
		RequiredEnv: []string{"GITHUB_TOKEN"},
	}
	if err := tools.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := tools.Get(ctx, "github-mcp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "GitHub" || got.AuthMethod != "api_key" {
		t.Errorf("record = %+v", got)
	}
	if len(got.InstallDirectives) != 1 || got.InstallDirectives[0].RawCommand != rec.InstallDirectives[0].RawCommand {
		t.Errorf("directives = %+v", got.InstallDirectives)
	}
	if len(got.RequiredEnv) != 1 || got.RequiredEnv[0] != "GITHUB_TOKEN" {
		t.Errorf("required env = %v", got.RequiredEnv)
	}

	// Upsert replaces in place.
	rec.Name = "GitHub MCP"
	rec.RequiredEnv = nil
	if err := tools.Put(ctx, rec); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if err := tools.Put(ctx, &domain.ToolRecord{Identifier: "fetch", InstallDirectives: []domain.InstallDirective{{RawCommand: "uvx mcp-server-fetch"}}}); err != nil {
		t.Fatalf("Put fetch: %v", err)
	}

	list, err := tools.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Identifier != "fetch" || list[1].Name != "GitHub MCP" {
		t.Errorf("List = %+v", list)
	}
	if len(list[1].RequiredEnv) != 0 {
		t.Errorf("required env not cleared: %v", list[1].RequiredEnv)
	}
}

func TestToolStore_NotFoundAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tools := s.Tools()

	if _, err := tools.Get(ctx, "missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := tools.Delete(ctx, "missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Delete err = %v, want ErrNotFound", err)
	}

	if err := tools.Put(ctx, &domain.ToolRecord{Identifier: "tool"}); err != nil {
		t.Fatal(err)
	}
	if err := tools.Delete(ctx, "tool"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := tools.Get(ctx, "tool"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("record survived delete: %v", err)
	}
}

func TestToolStore_RejectsInvalidRecord(t *testing.T) {
	s := openTestStore(t)
	err := s.Tools().Put(context.Background(), &domain.ToolRecord{Identifier: "../etc/passwd"})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestStore_PingAndDriver(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != "sqlite" {
		t.Errorf("Driver = %q", s.Driver())
	}
}
