package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aemholland/e14z/internal/janitor"
	"github.com/aemholland/e14z/internal/workspace"
)

var cacheJSON bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Show disk usage of the install cache",
	Args:  cobra.NoArgs,
	RunE:  runCacheUsage,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove stale install locks, downloads and partial installs now",
	Args:  cobra.NoArgs,
	RunE:  runCachePrune,
}

func init() {
	cacheCmd.Flags().BoolVar(&cacheJSON, "json", false, "print usage as JSON")
	cacheCmd.AddCommand(cachePruneCmd)
}

func openWorkspace() (*workspace.Workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return workspace.New(cfg.ResolvedCacheDir())
}

func runCacheUsage(_ *cobra.Command, _ []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	usage, err := ws.DiskUsage(ctx)
	if err != nil {
		return err
	}
	if cacheJSON {
		return writeJSON(os.Stdout, map[string]any{"root": ws.Root, "ecosystems": usage})
	}
	fmt.Printf("cache root: %s\n", ws.Root)
	return writeUsageTable(os.Stdout, usage)
}

func runCachePrune(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)
	ws, err := workspace.New(cfg.ResolvedCacheDir())
	if err != nil {
		return err
	}
	jan := janitor.New(ws, janitor.Config{
		LockStale:      cfg.Install.LockStale(),
		DownloadMaxAge: cfg.Janitor.DownloadMaxAge(),
	}, nil, logger)

	rep := jan.Sweep(context.Background())
	fmt.Printf("removed %d lock(s), %d download(s), %d partial install(s)\n", rep.Locks, rep.Downloads, rep.Partials)
	return errors.Join(rep.Errors...)
}

func writeUsageTable(w io.Writer, usage []workspace.Usage) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ECOSYSTEM\tFILES\tSIZE")
	var files int
	var total int64
	for _, u := range usage {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", u.Ecosystem, u.Files, humanize.IBytes(uint64(u.Bytes)))
		files += u.Files
		total += u.Bytes
	}
	fmt.Fprintf(tw, "total\t%d\t%s\n", files, humanize.IBytes(uint64(total)))
	return tw.Flush()
}
