// Package mcpprobe starts a located tool as an MCP stdio server and records
// what it advertises: protocol version, server info, tools, resources and
// prompts. The child gets the same allowlisted environment and process group
// isolation as the process runner.
package mcpprobe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aemholland/e14z/internal/domain"
	"github.com/aemholland/e14z/internal/sandbox"
)

const (
	defaultTimeout = 30 * time.Second
	defaultGrace   = 5 * time.Second
	maxStderrLines = 20
)

// Config configures a Prober.
type Config struct {
	Timeout       time.Duration // Default: 30s
	GracePeriod   time.Duration // Default: 5s
	EnvAllowlist  []string      // Default: sandbox.DefaultEnvAllowlist
	ClientName    string        // Default: "e14z"
	ClientVersion string
}

// HandshakeError reports a server that started but failed the initialize
// exchange. Stderr holds the last lines the server wrote.
type HandshakeError struct {
	Tool   string
	Err    error
	Stderr []string
}

func (e *HandshakeError) Error() string {
	msg := fmt.Sprintf("MCP initialize with %s: %v", e.Tool, e.Err)
	if len(e.Stderr) > 0 {
		msg += ": " + e.Stderr[len(e.Stderr)-1]
	}
	return msg
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Prober runs MCP handshakes.
type Prober struct {
	timeout    time.Duration
	grace      time.Duration
	allow      []string
	environ    func() []string
	clientInfo mcp.Implementation
	logger     *slog.Logger
}

// New creates a Prober.
func New(cfg Config, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Prober{
		timeout: cfg.Timeout,
		grace:   cfg.GracePeriod,
		allow:   cfg.EnvAllowlist,
		environ: os.Environ,
		clientInfo: mcp.Implementation{
			Name:    cfg.ClientName,
			Version: cfg.ClientVersion,
		},
		logger: logger,
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}
	if p.grace <= 0 {
		p.grace = defaultGrace
	}
	if len(p.allow) == 0 {
		p.allow = sandbox.DefaultEnvAllowlist
	}
	if p.clientInfo.Name == "" {
		p.clientInfo.Name = "e14z"
	}
	if p.clientInfo.Version == "" {
		p.clientInfo.Version = "dev"
	}
	return p
}

// Probe starts desc as an MCP server, performs the initialize handshake and
// lists what the server declares. Listing failures become warnings; only a
// failed start or handshake is an error. The server is always shut down.
func (p *Prober) Probe(ctx context.Context, desc *domain.ExecutableDescriptor, env map[string]string) (*domain.ProbeReport, error) {
	if desc == nil || !filepath.IsAbs(desc.AbsolutePath) {
		return nil, &sandbox.SpawnError{Path: pathOf(desc), Err: fmt.Errorf("executable path is not absolute")}
	}

	var pathPrepend []string
	if desc.BinDir != "" {
		pathPrepend = []string{desc.BinDir}
	}
	childEnv, err := sandbox.BuildEnv(p.environ(), p.allow, pathPrepend, env)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "e14z-probe-*")
	if err != nil {
		return nil, &sandbox.SpawnError{Path: desc.AbsolutePath, Err: fmt.Errorf("creating temp dir: %w", err)}
	}
	defer os.RemoveAll(workDir)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	var cmd *exec.Cmd
	c, err := mcpclient.NewStdioMCPClientWithOptions(desc.AbsolutePath, nil, desc.Args,
		transport.WithCommandFunc(func(_ context.Context, command string, _ []string, args []string) (*exec.Cmd, error) {
			cmd = exec.Command(command, args...)
			cmd.Env = childEnv
			cmd.Dir = workDir
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			return cmd, nil
		}),
	)
	if err != nil {
		return nil, &sandbox.SpawnError{Path: desc.AbsolutePath, Err: err}
	}

	tail := &stderrTail{}
	if stderr, ok := mcpclient.GetStderr(c); ok {
		go tail.drain(stderr)
	}
	if desc.Container != "" {
		defer func() {
			if err := sandbox.RemoveContainer(desc.AbsolutePath, desc.Container, childEnv, p.logger); err != nil {
				p.logger.Warn("container cleanup failed",
					slog.String("container", desc.Container),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	defer p.shutdown(c, cmd, desc.ToolName)

	p.logger.Info("probing MCP server",
		slog.String("tool", desc.ToolName),
		slog.String("path", desc.AbsolutePath),
		slog.Duration("timeout", p.timeout),
	)

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = p.clientInfo
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRes, err := c.Initialize(ctx, initReq)
	if err != nil {
		return nil, &HandshakeError{Tool: desc.ToolName, Err: err, Stderr: tail.lines()}
	}

	report := &domain.ProbeReport{
		ProtocolVersion: initRes.ProtocolVersion,
		ServerName:      initRes.ServerInfo.Name,
		ServerVersion:   initRes.ServerInfo.Version,
		Tools:           []domain.ProbeEntry{},
	}

	caps := initRes.Capabilities
	if caps.Tools != nil {
		if res, err := c.ListTools(ctx, mcp.ListToolsRequest{}); err != nil {
			report.Warnings = append(report.Warnings, "tools/list: "+err.Error())
		} else {
			for _, t := range res.Tools {
				report.Tools = append(report.Tools, domain.ProbeEntry{Name: t.Name, Description: t.Description})
			}
		}
	} else {
		report.Warnings = append(report.Warnings, "server does not declare the tools capability")
	}

	if caps.Resources != nil {
		if res, err := c.ListResources(ctx, mcp.ListResourcesRequest{}); err != nil {
			report.Warnings = append(report.Warnings, "resources/list: "+err.Error())
		} else {
			for _, r := range res.Resources {
				report.Resources = append(report.Resources, domain.ProbeEntry{Name: r.URI, Description: r.Description})
			}
		}
	}

	if caps.Prompts != nil {
		if res, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{}); err != nil {
			report.Warnings = append(report.Warnings, "prompts/list: "+err.Error())
		} else {
			for _, pr := range res.Prompts {
				report.Prompts = append(report.Prompts, domain.ProbeEntry{Name: pr.Name, Description: pr.Description})
			}
		}
	}

	report.Duration = time.Since(start)
	p.logger.Info("MCP probe complete",
		slog.String("tool", desc.ToolName),
		slog.String("server", report.ServerName),
		slog.String("protocol_version", report.ProtocolVersion),
		slog.Int("tools", len(report.Tools)),
		slog.Int("resources", len(report.Resources)),
		slog.Int("prompts", len(report.Prompts)),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}

// shutdown closes the client and, if the server does not exit within the
// grace period, kills its whole process group.
func (p *Prober) shutdown(c *mcpclient.Client, cmd *exec.Cmd, tool string) {
	done := make(chan struct{})
	go func() {
		if err := c.Close(); err != nil {
			p.logger.Debug("closing MCP client", slog.String("tool", tool), slog.String("error", err.Error()))
		}
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(p.grace):
	}

	if cmd != nil && cmd.Process != nil {
		p.logger.Warn("MCP server ignored shutdown, killing process group",
			slog.String("tool", tool),
			slog.Int("pid", cmd.Process.Pid),
		)
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	select {
	case <-done:
	case <-time.After(p.grace):
		p.logger.Error("MCP server did not exit after SIGKILL", slog.String("tool", tool))
	}
}

func pathOf(desc *domain.ExecutableDescriptor) string {
	if desc == nil {
		return ""
	}
	return desc.AbsolutePath
}

// stderrTail keeps the last few lines a server wrote to stderr.
type stderrTail struct {
	mu  sync.Mutex
	buf []string
}

func (t *stderrTail) drain(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		t.mu.Lock()
		t.buf = append(t.buf, line)
		if len(t.buf) > maxStderrLines {
			t.buf = t.buf[len(t.buf)-maxStderrLines:]
		}
		t.mu.Unlock()
	}
}

func (t *stderrTail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
