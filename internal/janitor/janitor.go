// Package janitor periodically prunes what interrupted installs leave in
// the cache: stale install lock files, old downloads and half-written
// extract or clone directories. Installed packages are never touched.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aemholland/e14z/internal/workspace"
)

const (
	defaultSchedule       = "@every 15m"
	defaultLockStale      = 30 * time.Minute
	defaultDownloadMaxAge = time.Hour

	// partialDepth bounds the walk for partial directories below an
	// ecosystem dir (git checkouts nest as <host>/<owner>/<repo>).
	partialDepth = 4
)

// partialPrefixes name the temp dirs backends create next to their
// final destination before renaming it into place.
var partialPrefixes = []string{".extract-", ".clone-"}

// partialEcosystems are the ecosystem dirs that use partial directories.
var partialEcosystems = []string{"archive", "git"}

// Config configures a Janitor.
type Config struct {
	Schedule       string        // cron expression or descriptor. Default: "@every 15m"
	LockStale      time.Duration // Default: 30m
	DownloadMaxAge time.Duration // Default: 1h
}

// Report summarizes one sweep.
type Report struct {
	Locks     int
	Downloads int
	Partials  int
	Errors    []error
}

// Removed is the total number of entries removed.
func (r Report) Removed() int { return r.Locks + r.Downloads + r.Partials }

// Janitor sweeps a cache workspace.
type Janitor struct {
	ws       *workspace.Workspace
	schedule string
	lockAge  time.Duration
	dlAge    time.Duration
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Janitor. metrics may be nil.
func New(ws *workspace.Workspace, cfg Config, metrics *Metrics, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	j := &Janitor{
		ws:       ws,
		schedule: cfg.Schedule,
		lockAge:  cfg.LockStale,
		dlAge:    cfg.DownloadMaxAge,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
	if j.schedule == "" {
		j.schedule = defaultSchedule
	}
	if j.lockAge <= 0 {
		j.lockAge = defaultLockStale
	}
	if j.dlAge <= 0 {
		j.dlAge = defaultDownloadMaxAge
	}
	return j
}

// ValidateSchedule reports whether expr is a cron expression or descriptor
// the janitor accepts.
func ValidateSchedule(expr string) error {
	if _, err := parser().Parse(expr); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", expr, err)
	}
	return nil
}

func parser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Start sweeps once immediately and then on the configured schedule.
// Returns a stop function that waits for a running sweep to finish.
func (j *Janitor) Start(ctx context.Context) (func(), error) {
	c := cron.New(
		cron.WithParser(parser()),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(j.schedule, func() { j.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}

	initial := make(chan struct{})
	go func() {
		defer close(initial)
		j.Sweep(ctx)
	}()
	c.Start()
	j.logger.InfoContext(ctx, "cache janitor started",
		slog.String("schedule", j.schedule),
		slog.String("cache_root", j.ws.Root),
	)

	return func() {
		<-c.Stop().Done()
		<-initial
		j.logger.Info("cache janitor stopped")
	}, nil
}

// Sweep runs one pruning pass.
func (j *Janitor) Sweep(ctx context.Context) Report {
	start := j.now()
	var rep Report

	rep.Locks = j.prune(ctx, j.ws.LocksDir(), j.lockAge, &rep, func(e fs.DirEntry) bool {
		return !e.IsDir() && strings.HasSuffix(e.Name(), ".lock")
	})
	rep.Downloads = j.prune(ctx, j.ws.DownloadsDir(), j.dlAge, &rep, func(fs.DirEntry) bool { return true })
	for _, eco := range partialEcosystems {
		rep.Partials += j.prunePartials(ctx, filepath.Join(j.ws.Root, eco), &rep)
	}

	if j.metrics != nil {
		j.metrics.Sweeps.Inc()
		j.metrics.SweepErrors.Add(float64(len(rep.Errors)))
		j.metrics.Removed.WithLabelValues("lock").Add(float64(rep.Locks))
		j.metrics.Removed.WithLabelValues("download").Add(float64(rep.Downloads))
		j.metrics.Removed.WithLabelValues("partial").Add(float64(rep.Partials))
		j.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}

	level := slog.LevelDebug
	if rep.Removed() > 0 || len(rep.Errors) > 0 {
		level = slog.LevelInfo
	}
	j.logger.Log(ctx, level, "cache sweep finished",
		slog.Int("locks", rep.Locks),
		slog.Int("downloads", rep.Downloads),
		slog.Int("partials", rep.Partials),
		slog.Int("errors", len(rep.Errors)),
	)
	return rep
}

// prune removes direct children of dir accepted by match that are older than maxAge.
func (j *Janitor) prune(ctx context.Context, dir string, maxAge time.Duration, rep *Report, match func(fs.DirEntry) bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			rep.Errors = append(rep.Errors, err)
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !match(e) || !j.olderThan(e, maxAge) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			rep.Errors = append(rep.Errors, err)
			continue
		}
		j.logger.Debug("removed stale cache entry", slog.String("path", path))
		removed++
	}
	return removed
}

// prunePartials walks an ecosystem dir for abandoned partial directories.
// Anything younger than the download age may belong to a running install.
func (j *Janitor) prunePartials(ctx context.Context, root string, rep *Report) int {
	removed := 0
	rootDepth := strings.Count(root, string(os.PathSeparator))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if d.Name() == ".git" || d.Name() == "node_modules" {
			return filepath.SkipDir
		}
		if isPartial(d.Name()) {
			if j.olderThan(d, j.dlAge) {
				if err := os.RemoveAll(path); err != nil {
					rep.Errors = append(rep.Errors, err)
				} else {
					j.logger.Debug("removed partial install dir", slog.String("path", path))
					removed++
				}
			}
			return filepath.SkipDir
		}
		if strings.Count(path, string(os.PathSeparator))-rootDepth >= partialDepth {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		rep.Errors = append(rep.Errors, err)
	}
	return removed
}

func (j *Janitor) olderThan(e fs.DirEntry, maxAge time.Duration) bool {
	info, err := e.Info()
	if err != nil {
		return false
	}
	return j.now().Sub(info.ModTime()) > maxAge
}

func isPartial(name string) bool {
	for _, p := range partialPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
