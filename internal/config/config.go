// Package config handles loading and validating e14z configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for e14z.
type Config struct {
	CacheDir      string               `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"` // Install cache root. Default: ~/.e14z/cache. Override: E14Z_CACHE_DIR env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Local registry store. Default: ~/.e14z/data. Override: E14Z_DATA_DIR env var.
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Registry      RegistryConfig       `json:"registry" yaml:"registry"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Install       InstallConfig        `json:"install" yaml:"install"`
	Runner        RunnerConfig         `json:"runner" yaml:"runner"`
	Container     ContainerConfig      `json:"container" yaml:"container"`
	Probe         *ProbeConfig         `json:"probe,omitempty" yaml:"probe,omitempty"`                 // nil = defaults
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = serve uses defaults
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = cache janitor disabled
	Credentials   *CredentialsConfig   `json:"credentials,omitempty" yaml:"credentials,omitempty"`     // nil = only the process environment feeds tools
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LoggingConfig controls the slog handler built by the CLI.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error.
	Format string `json:"format" yaml:"format"` // json (default) or text.
}

// RegistryConfig points at the remote tool registry.
type RegistryConfig struct {
	URL            string   `json:"url,omitempty" yaml:"url,omitempty"`                 // Override: E14Z_REGISTRY_URL env var. Empty = local store only.
	APIKeyEnv      string   `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"` // Env var holding the bearer token. Default: E14Z_API_KEY.
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`             // Default: 15.
	Files          []string `json:"files,omitempty" yaml:"files,omitempty"`             // YAML/JSON record files consulted before the store.
}

// Timeout returns the registry lookup timeout.
func (r RegistryConfig) Timeout() time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// CredentialEnv returns the environment variable that carries the registry token.
func (r RegistryConfig) CredentialEnv() string {
	if r.APIKeyEnv != "" {
		return r.APIKeyEnv
	}
	return "E14Z_API_KEY"
}

// StorageConfig configures the local registry store.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: E14Z_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// InstallConfig bounds ecosystem installers.
type InstallConfig struct {
	TimeoutSeconds   int `json:"timeout_seconds" yaml:"timeout_seconds"`       // Per installer call. Default: 300.
	LockStaleSeconds int `json:"lock_stale_seconds" yaml:"lock_stale_seconds"` // Lock files older than this are reclaimed. Default: 1800.
	MaxArchiveMB     int `json:"max_archive_mb" yaml:"max_archive_mb"`         // Download and extraction cap. Default: 512.
}

// Timeout returns the per-call install timeout.
func (i InstallConfig) Timeout() time.Duration {
	if i.TimeoutSeconds > 0 {
		return time.Duration(i.TimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// LockStale returns the age after which an install lock file is considered abandoned.
func (i InstallConfig) LockStale() time.Duration {
	if i.LockStaleSeconds > 0 {
		return time.Duration(i.LockStaleSeconds) * time.Second
	}
	return 30 * time.Minute
}

// MaxArchiveBytes returns the archive size cap in bytes.
func (i InstallConfig) MaxArchiveBytes() int64 {
	if i.MaxArchiveMB > 0 {
		return int64(i.MaxArchiveMB) << 20
	}
	return 512 << 20
}

// RunnerConfig configures the secure process runner.
type RunnerConfig struct {
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`                 // Per run. Default: 60.
	GraceSeconds   int      `json:"grace_seconds" yaml:"grace_seconds"`                     // SIGTERM to SIGKILL. Default: 5.
	MaxOutputBytes int      `json:"max_output_bytes" yaml:"max_output_bytes"`               // Per stream. Default: 1 MiB.
	EnvAllowlist   []string `json:"env_allowlist,omitempty" yaml:"env_allowlist,omitempty"` // Empty = built-in allowlist.
}

// RunTimeout returns the default per-run timeout.
func (r RunnerConfig) RunTimeout() time.Duration {
	if r.TimeoutSeconds > 0 {
		return time.Duration(r.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// GracePeriod returns the delay between SIGTERM and SIGKILL.
func (r RunnerConfig) GracePeriod() time.Duration {
	if r.GraceSeconds > 0 {
		return time.Duration(r.GraceSeconds) * time.Second
	}
	return 5 * time.Second
}

// OutputLimit returns the per-stream capture cap.
func (r RunnerConfig) OutputLimit() int {
	if r.MaxOutputBytes > 0 {
		return r.MaxOutputBytes
	}
	return 1 << 20
}

// ContainerConfig holds the hardening applied to container-image tools.
type ContainerConfig struct {
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb"`             // --memory. 0 = 512.
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`             // --cpus. 0 = 1.0.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`           // --pids-limit. 0 = 64.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"` // false = --network=none.
	ReadOnly       bool    `json:"read_only" yaml:"read_only"`             // --read-only root filesystem.
	User           string  `json:"user,omitempty" yaml:"user,omitempty"`   // Default: 65534:65534.
}

// ProbeConfig configures the MCP protocol probe.
type ProbeConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
}

// Timeout returns the probe timeout. Safe on a nil receiver.
func (p *ProbeConfig) Timeout() time.Duration {
	if p != nil && p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// HTTPConfig configures the HTTP API served by "e14z serve".
type HTTPConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.

	// APIKeysEnv names an environment variable holding comma-separated
	// bearer keys for /v1. Empty = the API is unauthenticated.
	APIKeysEnv string `json:"api_keys_env,omitempty" yaml:"api_keys_env,omitempty"`

	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Per client on /v1. 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute.
}

// Addr returns the listen address. Safe on a nil receiver.
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxBodyBytes returns the request body cap. Safe on a nil receiver.
func (h *HTTPConfig) MaxBodyBytes() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// APIKeys reads the bearer keys from APIKeysEnv. Safe on a nil receiver.
func (h *HTTPConfig) APIKeys() []string {
	if h == nil || h.APIKeysEnv == "" {
		return nil
	}
	var keys []string
	for k := range strings.SplitSeq(os.Getenv(h.APIKeysEnv), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// CredentialsConfig maps tool environment variables to secret references.
// A tool declaring GITHUB_TOKEN in its required env receives the value of
// Refs["GITHUB_TOKEN"] when the caller did not supply one.
type CredentialsConfig struct {
	Refs          map[string]string   `json:"refs,omitempty" yaml:"refs,omitempty"`                       // e.g. GITHUB_TOKEN: vault://secret/data/github#token
	Vault         *VaultSecretsConfig `json:"vault,omitempty" yaml:"vault,omitempty"`                     // nil = vault:// references unavailable
	OAuthTokenEnv string              `json:"oauth_token_env,omitempty" yaml:"oauth_token_env,omitempty"` // Env var marking tool OAuth as done. Never the registry key. Empty = OAuth tools halt.
}

// OAuthEnv returns the variable whose presence satisfies tools that declare
// OAuth, or "" when none is configured.
func (c *CredentialsConfig) OAuthEnv() string {
	if c == nil {
		return ""
	}
	return c.OAuthTokenEnv
}

// VaultSecretsConfig configures the HashiCorp Vault KV v2 provider.
// VAULT_ADDR, VAULT_TOKEN and VAULT_NAMESPACE take precedence.
type VaultSecretsConfig struct {
	Address        string `json:"address,omitempty" yaml:"address,omitempty"`
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 5.
	TLSSkipVerify  bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"`
}

// Timeout returns the Vault request timeout.
func (v *VaultSecretsConfig) Timeout() time.Duration {
	if v == nil || v.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(v.TimeoutSeconds) * time.Second
}

// JanitorConfig configures scheduled cache cleanup.
type JanitorConfig struct {
	Enabled               bool   `json:"enabled" yaml:"enabled"`
	Schedule              string `json:"schedule" yaml:"schedule"`                                 // Cron expression. Default: "@every 15m".
	DownloadMaxAgeSeconds int    `json:"download_max_age_seconds" yaml:"download_max_age_seconds"` // Default: 3600.
}

// CronSchedule returns the cron expression.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "@every 15m"
}

// DownloadMaxAge returns the age after which download leftovers are removed.
func (j *JanitorConfig) DownloadMaxAge() time.Duration {
	if j != nil && j.DownloadMaxAgeSeconds > 0 {
		return time.Duration(j.DownloadMaxAgeSeconds) * time.Second
	}
	return time.Hour
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`                   // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string            `json:"protocol" yaml:"protocol"`                   // "grpc" or "http". Default: "grpc"
	ServiceName string            `json:"service_name" yaml:"service_name"`           // Default: "e14z"
	SampleRate  float64           `json:"sample_rate" yaml:"sample_rate"`             // 0.0 to 1.0. Default: 1.0
	Insecure    bool              `json:"insecure" yaml:"insecure"`                   // Skip TLS for dev
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // Sent with every export, e.g. a collector auth header.
}

// HealthConfig tunes the readiness probe. The store and cache checks are
// always on; the toolchain check only degrades readiness.
type HealthConfig struct {
	Toolchains []string `json:"toolchains,omitempty" yaml:"toolchains,omitempty"` // Binaries expected on PATH. nil = every default backend's toolchain; empty list = no check.
}

// AnomalyConfig configures threshold-based failure-rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns ~/.e14z/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "e14z.yaml"
	}
	return filepath.Join(home, ".e14z", "config.yaml")
}

// Default returns a working configuration with environment overrides applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a JSON or YAML file, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(resolved)
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("E14Z_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("E14Z_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("E14Z_REGISTRY_URL"); v != "" {
		c.Registry.URL = v
	}
	if v := os.Getenv("E14Z_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("E14Z_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

func (c *Config) applyDefaults() {
	home, err := os.UserHomeDir()
	if c.CacheDir == "" && err == nil {
		c.CacheDir = filepath.Join(home, ".e14z", "cache")
	}
	if c.DataDir == "" && err == nil {
		c.DataDir = filepath.Join(home, ".e14z", "data")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedCacheDir returns the cache root, resolving ~ if needed.
func (c *Config) ResolvedCacheDir() string {
	resolved, err := resolvePath(c.CacheDir)
	if err != nil {
		return c.CacheDir
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".e14z", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "registry.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (use debug, info, warn, or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required (set E14Z_CACHE_DIR env var)")
	}
	if c.Registry.URL != "" && !strings.HasPrefix(c.Registry.URL, "https://") && !strings.HasPrefix(c.Registry.URL, "http://") {
		return fmt.Errorf("registry.url %q must be an http(s) URL", c.Registry.URL)
	}
	if c.Registry.TimeoutSeconds < 0 {
		return fmt.Errorf("registry.timeout_seconds must not be negative")
	}
	if c.Install.TimeoutSeconds < 0 || c.Install.LockStaleSeconds < 0 || c.Install.MaxArchiveMB < 0 {
		return fmt.Errorf("install limits must not be negative")
	}
	if c.Runner.TimeoutSeconds < 0 || c.Runner.GraceSeconds < 0 || c.Runner.MaxOutputBytes < 0 {
		return fmt.Errorf("runner limits must not be negative")
	}
	if c.HTTP != nil && (c.HTTP.RequestsPerMinute < 0 || c.HTTP.BurstSize < 0) {
		return fmt.Errorf("http rate limits must not be negative")
	}
	if c.Container.MemoryMB < 0 || c.Container.CPUCores < 0 || c.Container.PIDsLimit < 0 {
		return fmt.Errorf("container limits must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set E14Z_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}
