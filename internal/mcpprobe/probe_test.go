package mcpprobe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
)

const helperEnv = "E14Z_MCP_HELPER"

// TestHelperMCPServer is not a real test: the probe tests re-execute the
// test binary with helperEnv set so it serves MCP over stdio.
func TestHelperMCPServer(t *testing.T) {
	switch os.Getenv(helperEnv) {
	case "":
		return
	case "serve":
		s := server.NewMCPServer("helper-server", "1.2.3",
			server.WithToolCapabilities(false),
			server.WithPromptCapabilities(false),
		)
		s.AddTool(mcp.NewTool("echo", mcp.WithDescription("Echo the input back")),
			func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText("ok"), nil
			})
		s.AddPrompt(mcp.NewPrompt("greet", mcp.WithPromptDescription("Say hello")),
			func(_ context.Context, _ mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
				return mcp.NewGetPromptResult("greet", nil), nil
			})
		if err := server.ServeStdio(s); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	case "crash":
		fmt.Fprintln(os.Stderr, "fatal: GITHUB_TOKEN is not set")
		os.Exit(2)
	}
}

func helperDescriptor(t *testing.T) *domain.ExecutableDescriptor {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot locate test binary: %v", err)
	}
	return &domain.ExecutableDescriptor{
		AbsolutePath: exe,
		Args:         []string{"-test.run=^TestHelperMCPServer$"},
		ToolName:     "helper",
	}
}

func TestProbe_ListsServerSurface(t *testing.T) {
	p := New(Config{Timeout: 20 * time.Second, GracePeriod: time.Second}, nil)

	report, err := p.Probe(context.Background(), helperDescriptor(t), map[string]string{helperEnv: "serve"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if report.ServerName != "helper-server" || report.ServerVersion != "1.2.3" {
		t.Errorf("server = %s %s", report.ServerName, report.ServerVersion)
	}
	if report.ProtocolVersion == "" {
		t.Error("protocol version is empty")
	}
	if len(report.Tools) != 1 || report.Tools[0].Name != "echo" || report.Tools[0].Description != "Echo the input back" {
		t.Errorf("tools = %+v", report.Tools)
	}
	if len(report.Prompts) != 1 || report.Prompts[0].Name != "greet" {
		t.Errorf("prompts = %+v", report.Prompts)
	}
	if len(report.Resources) != 0 {
		t.Errorf("resources = %+v", report.Resources)
	}
}

func TestProbe_HandshakeFailure(t *testing.T) {
	p := New(Config{Timeout: 10 * time.Second, GracePeriod: time.Second}, nil)

	_, err := p.Probe(context.Background(), helperDescriptor(t), map[string]string{helperEnv: "crash"})
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("err = %v, want *HandshakeError", err)
	}
	if hsErr.Tool != "helper" {
		t.Errorf("tool = %q", hsErr.Tool)
	}
}

func TestProbe_RejectsRelativePath(t *testing.T) {
	p := New(Config{}, nil)
	_, err := p.Probe(context.Background(), &domain.ExecutableDescriptor{AbsolutePath: "server"}, nil)
	var spawnErr *sandbox.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Errorf("err = %v, want *SpawnError", err)
	}
}

func TestProbe_RejectsDeniedEnv(t *testing.T) {
	p := New(Config{}, nil)
	_, err := p.Probe(context.Background(), helperDescriptor(t), map[string]string{"LD_PRELOAD": "/tmp/x.so"})
	if err == nil {
		t.Fatal("expected LD_PRELOAD to be rejected")
	}
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{}, nil)
	if p.timeout != defaultTimeout || p.grace != defaultGrace {
		t.Errorf("timeout=%s grace=%s", p.timeout, p.grace)
	}
	if p.clientInfo.Name != "e14z" {
		t.Errorf("client name = %q", p.clientInfo.Name)
	}
}
