package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/aemholland/e14z/internal/auth"
	"github.com/aemholland/e14z/internal/backend"
	"github.com/aemholland/e14z/internal/config"
	"github.com/aemholland/e14z/internal/engine"
	"github.com/aemholland/e14z/internal/mcpprobe"
	"github.com/aemholland/e14z/internal/observability"
	"github.com/aemholland/e14z/internal/registry"
	"github.com/aemholland/e14z/internal/sandbox"
	"github.com/aemholland/e14z/internal/secrets"
	"github.com/aemholland/e14z/internal/storage"
	pgstore "github.com/aemholland/e14z/internal/storage/postgres"
	sqlitestore "github.com/aemholland/e14z/internal/storage/sqlite"
	"github.com/aemholland/e14z/internal/workspace"
)

// defaultToolchains are the binaries the default backends shell out to.
var defaultToolchains = []string{"npm", "python3", "go", "cargo", "docker", "git"}

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store
	Obs       *observability.Observability
	Engine    *engine.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config path from E14Z_CONFIG or --config and
// falls back to defaults when the file does not exist.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(goutils.Env("E14Z_CONFIG", configPath))
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// reserved for tool output and JSON results.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initShared wires configuration, storage, registry, backends, runner and
// the engine. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Install cache.
	ws, err := workspace.New(cfg.ResolvedCacheDir())
	if err != nil {
		return nil, fmt.Errorf("initializing cache: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("cache initialized", slog.String("root", ws.Root))

	// Data directory.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("store initialized", slog.String("driver", store.Driver()))

	// Registry: local files, then the local store, then the remote API.
	registryCredentials := auth.NewEnvCredentialStore(cfg.Registry.CredentialEnv())
	lookup, err := buildLookup(cfg, store, registryCredentials, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}

	resolver, err := buildCredentialResolver(cfg.Credentials, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}

	// Secure process runner.
	var runner sandbox.Runner = sandbox.NewProcessRunner(sandbox.ProcessConfig{
		DefaultTimeout: cfg.Runner.RunTimeout(),
		GracePeriod:    cfg.Runner.GracePeriod(),
		MaxOutputBytes: cfg.Runner.OutputLimit(),
		EnvAllowlist:   cfg.Runner.EnvAllowlist,
	}, logger)
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil) {
		runner = observability.NewInstrumentedRunner(runner, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}

	// Ecosystem backends.
	backends := backend.DefaultRegistry(backend.Options{
		Runner:          runner,
		InstallTimeout:  cfg.Install.Timeout(),
		Logger:          logger,
		MaxArchiveBytes: cfg.Install.MaxArchiveBytes(),
		Container: sandbox.ContainerPolicy{
			MemoryMB:       cfg.Container.MemoryMB,
			CPUCores:       cfg.Container.CPUCores,
			PIDsLimit:      cfg.Container.PIDsLimit,
			NetworkAllowed: cfg.Container.NetworkAllowed,
			ReadOnly:       cfg.Container.ReadOnly,
			User:           cfg.Container.User,
		},
	})
	backends = observability.InstrumentRegistry(backends, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	names := make([]string, 0, len(backends.List()))
	for _, b := range backends.List() {
		names = append(names, b.Name())
	}
	logger.Debug("backends registered", slog.Any("backends", names))

	prober := mcpprobe.New(mcpprobe.Config{
		Timeout:       cfg.Probe.Timeout(),
		GracePeriod:   cfg.Runner.GracePeriod(),
		EnvAllowlist:  cfg.Runner.EnvAllowlist,
		ClientVersion: version,
	}, logger)

	eng, err := engine.New(engine.Deps{
		Lookup:      lookup,
		Backends:    backends,
		Runner:      runner,
		Credentials: auth.NewToolCredentialStore(cfg.Credentials.OAuthEnv(), cfg.Registry.CredentialEnv()),
		Locker:      backend.NewLocker(ws.LocksDir(), cfg.Install.LockStale(), logger),
		Prober:      prober,
		Secrets:     resolver,
		CacheDir:    ws.Root,
		RunTimeout:  cfg.Runner.RunTimeout(),
		Logger:      logger,
		Metrics:     obs.MetricsOrNil(),
		Tracer:      obs.TraceTracer(),
	})
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	sc.Engine = eng

	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("store", store.Ping)
		obs.Health.AddCheck("cache", observability.CacheWritableCheck(ws.Writable))
		expected := defaultToolchains
		if h := cfg.Observability.Health; h != nil && h.Toolchains != nil {
			expected = h.Toolchains
		}
		if len(expected) > 0 {
			obs.Health.AddAdvisoryCheck("toolchains", observability.ToolchainCheck(exec.LookPath, expected...))
		}
	}

	return sc, nil
}

// buildCredentialResolver returns nil when no credential references are
// configured.
func buildCredentialResolver(cfg *config.CredentialsConfig, logger *slog.Logger) (engine.CredentialResolver, error) {
	if cfg == nil || len(cfg.Refs) == 0 {
		return nil, nil
	}
	providers := []secrets.Provider{secrets.NewEnvProvider()}
	if cfg.Vault != nil {
		vault, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:       cfg.Vault.Address,
			Namespace:     cfg.Vault.Namespace,
			Timeout:       cfg.Vault.Timeout(),
			TLSSkipVerify: cfg.Vault.TLSSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing vault: %w", err)
		}
		providers = append(providers, vault)
	}
	injector, err := secrets.NewInjector(cfg.Refs, secrets.NewRouter(providers...), logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("credential references configured", slog.Any("variables", injector.Names()))
	return injector, nil
}

func buildLookup(cfg *config.Config, store storage.Store, credentials auth.CredentialStore, logger *slog.Logger) (registry.Lookup, error) {
	var chain registry.Chain
	if len(cfg.Registry.Files) > 0 {
		files, err := registry.NewFileRegistry(cfg.Registry.Files...)
		if err != nil {
			return nil, fmt.Errorf("loading registry files: %w", err)
		}
		chain = append(chain, files)
	}
	chain = append(chain, store.Tools())
	if cfg.Registry.URL != "" {
		client, err := registry.NewHTTPClient(cfg.Registry.URL, cfg.Registry.Timeout(), credentials, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing registry client: %w", err)
		}
		chain = append(chain, client)
		logger.Debug("remote registry configured",
			slog.String("url", cfg.Registry.URL),
			slog.Bool("authenticated", credentials.IsAuthenticated(context.Background())),
		)
	}
	return chain, nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or E14Z_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
