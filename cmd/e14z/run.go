package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aemholland/e14z/internal/engine"
)

var (
	runEnv      []string
	runSkipAuth bool
	runTimeout  time.Duration
	runJSON     bool
	runStdin    bool
	authEnv     []string
)

var runCmd = &cobra.Command{
	Use:   "run <identifier> [-- args...]",
	Short: "Resolve, install if needed, and run a registry tool",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runEngine("execute", args[0], args[1:])
	},
}

var installCmd = &cobra.Command{
	Use:   "install <identifier>",
	Short: "Resolve and install a registry tool without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runEngine("install", args[0], nil)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <identifier>",
	Short: "Resolve a tool and list what its MCP stdio server offers",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runEngine("probe", args[0], nil)
	},
}

var authCmd = &cobra.Command{
	Use:   "auth <identifier>",
	Short: "Show a tool's authentication requirement",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuth,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, installCmd, probeCmd} {
		cmd.Flags().StringArrayVarP(&runEnv, "env", "e", nil, "environment variable for the tool (KEY=VALUE, repeatable)")
		cmd.Flags().BoolVar(&runSkipAuth, "skip-auth", false, "skip the authentication check")
		cmd.Flags().BoolVar(&runJSON, "json", false, "print the full outcome as JSON")
	}
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "run timeout (default runner.timeout_seconds)")
	runCmd.Flags().BoolVar(&runStdin, "stdin", false, "forward standard input to the tool")
	authCmd.Flags().StringArrayVarP(&authEnv, "env", "e", nil, "credential to consider supplied (KEY=VALUE, repeatable)")
}

func runEngine(op, identifier string, toolArgs []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	env, err := parseEnvFlags(runEnv)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := engine.Request{
		Identifier: identifier,
		Args:       toolArgs,
		Env:        env,
		SkipAuth:   runSkipAuth,
		Timeout:    runTimeout,
	}
	if runStdin {
		req.Stdin = os.Stdin
	}

	var out *engine.Outcome
	switch op {
	case "install":
		out, err = sc.Engine.Resolve(ctx, req)
	case "probe":
		out, err = sc.Engine.Probe(ctx, req)
	default:
		out, err = sc.Engine.Execute(ctx, req)
	}

	if runJSON {
		if encErr := writeJSON(os.Stdout, out); encErr != nil {
			logger.Error("encoding outcome", slog.String("error", encErr.Error()))
		}
	} else {
		report(os.Stdout, os.Stderr, out)
	}

	if code := engine.ExitCode(out, err); code != engine.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

func runAuth(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	supplied, err := parseEnvFlags(authEnv)
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, newLogger(cfg.Logging))
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	status, err := sc.Engine.CheckAuth(context.Background(), args[0], supplied)
	if err != nil {
		reportError(os.Stderr, err)
		return &exitError{code: engine.ExitFailure}
	}
	if err := writeJSON(os.Stdout, status); err != nil {
		return err
	}
	if status.Required && !status.Satisfied {
		return &exitError{code: engine.ExitAuthRequired}
	}
	return nil
}

// parseEnvFlags turns KEY=VALUE flags into a map. Names are checked by the
// engine.
func parseEnvFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

// report prints a human readable outcome: the tool's own output for runs,
// a summary otherwise.
func report(stdout, stderr io.Writer, out *engine.Outcome) {
	if out == nil {
		return
	}
	switch out.State {
	case engine.StateAuthRequired:
		if out.Auth == nil {
			fmt.Fprintf(stderr, "%s requires authentication\n", out.Identifier)
			return
		}
		fmt.Fprintf(stderr, "%s requires authentication (%s)\n", out.Identifier, out.Auth.Method)
		for _, name := range out.Auth.RequiredEnv {
			fmt.Fprintf(stderr, "  set %s\n", name)
		}
		for _, line := range out.Auth.Instructions {
			fmt.Fprintf(stderr, "  %s\n", line)
		}
		return
	case engine.StateFailed:
		if out.Error != nil {
			reportError(stderr, out.Error)
		}
		return
	}

	switch {
	case out.Result != nil:
		_, _ = io.WriteString(stdout, out.Result.Stdout)
		_, _ = io.WriteString(stderr, out.Result.Stderr)
		if out.Result.TimedOut {
			fmt.Fprintf(stderr, "%s timed out after %dms\n", out.Identifier, out.Result.DurationMs)
		}
		if len(out.AuthHints) > 0 {
			fmt.Fprintf(stderr, "hint: the tool may need %s\n", strings.Join(out.AuthHints, ", "))
		}
	case out.Probe != nil:
		p := out.Probe
		fmt.Fprintf(stdout, "%s %s (protocol %s)\n", p.ServerName, p.ServerVersion, p.ProtocolVersion)
		fmt.Fprintf(stdout, "  tools: %d, resources: %d, prompts: %d\n", len(p.Tools), len(p.Resources), len(p.Prompts))
		for _, t := range p.Tools {
			fmt.Fprintf(stdout, "    - %s\n", t.Name)
		}
		for _, w := range p.Warnings {
			fmt.Fprintf(stderr, "warning: %s\n", w)
		}
	case out.Executable != nil:
		fmt.Fprintf(stdout, "%s -> %s\n", out.Identifier, out.Executable.AbsolutePath)
		if md := out.Metadata; md != nil && !md.Degraded {
			fmt.Fprintf(stdout, "  %s %s (%s)\n", md.Name, md.Version, md.Ecosystem)
			if md.Description != "" {
				fmt.Fprintf(stdout, "  %s\n", md.Description)
			}
			if md.License != "" {
				fmt.Fprintf(stdout, "  license: %s\n", md.License)
			}
			if md.Homepage != "" {
				fmt.Fprintf(stdout, "  homepage: %s\n", md.Homepage)
			}
		}
		if out.Install != nil && out.Install.VersionFallback {
			fmt.Fprintf(stderr, "warning: requested version %s unavailable, installed %s\n",
				out.Install.RequestedVersion, out.Install.InstalledVersion)
		}
	}
}

func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
	var ee *engine.Error
	if errors.As(err, &ee) && ee.Hint != "" {
		fmt.Fprintf(w, "hint: %s\n", ee.Hint)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
