package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aemholland/e14z/internal/config"
	"github.com/aemholland/e14z/internal/gateway/httpapi"
	"github.com/aemholland/e14z/internal/janitor"
	"github.com/aemholland/e14z/internal/ratelimit"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the execution API over HTTP",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
}

// runServe starts the HTTP API and, when enabled, the cache janitor.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = servePort
	}
	logger := newLogger(cfg.Logging)
	logger.Info("starting api server", slog.String("config", configPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		var metrics *janitor.Metrics
		if m := sc.Obs.MetricsOrNil(); m != nil {
			metrics = janitor.NewMetrics(m.Registry)
		}
		jan := janitor.New(sc.Workspace, janitor.Config{
			Schedule:       cfg.Janitor.CronSchedule(),
			LockStale:      cfg.Install.LockStale(),
			DownloadMaxAge: cfg.Janitor.DownloadMaxAge(),
		}, metrics, logger)
		stopJanitor, err := jan.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting janitor: %w", err)
		}
		defer stopJanitor()
	}

	apiCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr(),
		EnableDocs:     cfg.HTTP != nil && cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeys(),
		MaxRequestSize: cfg.HTTP.MaxBodyBytes(),
	}
	if obs := sc.Obs; obs != nil {
		apiCfg.HealthChecker = obs.Health
		apiCfg.Metrics = obs.Metrics
		apiCfg.Tracer = obs.TraceTracer()
		if obs.Metrics != nil {
			apiCfg.MetricsRegistry = obs.Metrics.Registry
			apiCfg.MetricsPath = obs.MetricsPath
		}
	}
	if len(apiCfg.APIKeys) == 0 {
		logger.Warn("http api has no api keys configured; /v1 is open to anyone who can reach it")
	}
	var limiter *ratelimit.Limiter
	if cfg.HTTP != nil && cfg.HTTP.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RequestsPerMinute,
			BurstSize:         cfg.HTTP.BurstSize,
		})
	}
	server := httpapi.NewServer(apiCfg, sc.Engine, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- server.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}
	return nil
}
