// Package config handles loading and validating pdbgate configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Engine modes.
const (
	ModeLocal  = "local"
	ModeDocker = "docker"
)

// Config is the root configuration for pdbgate.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Workspace     WorkspaceConfig      `json:"workspace" yaml:"workspace"`
	Preprocessing PreprocessingConfig  `json:"preprocessing" yaml:"preprocessing"`
	RegistryPath  string               `json:"registry_path,omitempty" yaml:"registry_path,omitempty"` // Empty = built-in command lists.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite in the workspace
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr             string          `json:"listen_addr" yaml:"listen_addr"`           // Default: ":8000". Override: PDBGATE_LISTEN_ADDR.
	EnableDocs             bool            `json:"enable_docs" yaml:"enable_docs"`           // Serve OpenAPI docs.
	MaxUploadBytes         int64           `json:"max_upload_bytes" yaml:"max_upload_bytes"` // Default: 100 MiB.
	CORSOrigins            []string        `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	ShutdownTimeoutSeconds int             `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"` // Default: 30.
	RateLimit              RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8000"
}

// MaxUpload returns the upload size cap in bytes.
func (s ServerConfig) MaxUpload() int64 {
	if s.MaxUploadBytes > 0 {
		return s.MaxUploadBytes
	}
	return 100 << 20
}

// ShutdownTimeout returns the graceful shutdown grace period.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutSeconds > 0 {
		return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// RateLimitConfig throttles job submissions per client address.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute.
}

// EngineConfig configures how the engine is invoked.
type EngineConfig struct {
	Mode              string             `json:"mode" yaml:"mode"`                                   // "local" (default) or "docker". Override: PDBGATE_ENGINE_MODE.
	BinaryPath        string             `json:"binary_path,omitempty" yaml:"binary_path,omitempty"` // Required in local mode. Override: PDBGATE_ENGINE_BINARY.
	TimeoutSeconds    int                `json:"timeout_seconds" yaml:"timeout_seconds"`             // Default: 600.
	MaxConcurrentJobs int                `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`     // Default: 3.
	Docker            DockerEngineConfig `json:"docker" yaml:"docker"`
}

// DockerEngineConfig holds container-mode settings.
type DockerEngineConfig struct {
	Runtime   string  `json:"runtime" yaml:"runtime"`       // Container CLI. Default: "docker".
	Image     string  `json:"image" yaml:"image"`           // Engine image. Override: PDBGATE_ENGINE_IMAGE.
	MountPath string  `json:"mount_path" yaml:"mount_path"` // Default: "/data".
	MemoryMB  int     `json:"memory_mb" yaml:"memory_mb"`   // 0 = no limit.
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`   // 0 = no limit.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"` // 0 = no limit.
	Network   string  `json:"network" yaml:"network"`       // e.g. "none". Empty = runtime default.
}

// EngineMode returns the configured mode, defaulting to local.
func (e EngineConfig) EngineMode() string {
	if e.Mode != "" {
		return strings.ToLower(e.Mode)
	}
	return ModeLocal
}

// Timeout returns the per-job wall-clock timeout.
func (e EngineConfig) Timeout() time.Duration {
	if e.TimeoutSeconds > 0 {
		return time.Duration(e.TimeoutSeconds) * time.Second
	}
	return 600 * time.Second
}

// MaxConcurrent returns the execution gate size.
func (e EngineConfig) MaxConcurrent() int {
	if e.MaxConcurrentJobs > 0 {
		return e.MaxConcurrentJobs
	}
	return 3
}

// WorkspaceConfig configures job directories and their cleanup.
type WorkspaceConfig struct {
	Root            string `json:"root,omitempty" yaml:"root,omitempty"`     // Default: $XDG_DATA_HOME/pdbgate. Override: PDBGATE_WORKSPACE.
	MaxAgeMinutes   int    `json:"max_age_minutes" yaml:"max_age_minutes"`   // Janitor age threshold. Default: 60.
	JanitorSchedule string `json:"janitor_schedule" yaml:"janitor_schedule"` // Cron spec. Default: "@every 10m".
}

// MaxAge returns the age after which the janitor removes job leftovers.
func (w WorkspaceConfig) MaxAge() time.Duration {
	if w.MaxAgeMinutes > 0 {
		return time.Duration(w.MaxAgeMinutes) * time.Minute
	}
	return time.Hour
}

// Schedule returns the janitor cron spec.
func (w WorkspaceConfig) Schedule() string {
	if w.JanitorSchedule != "" {
		return w.JanitorSchedule
	}
	return "@every 10m"
}

// PreprocessingConfig controls input structure cleaning. The zero value
// enables cleaning with every removal on and all protein chains kept.
type PreprocessingConfig struct {
	Disabled             bool `json:"disabled" yaml:"disabled"` // Override: PDBGATE_PREPROCESSING_ENABLED=false.
	KeepWater            bool `json:"keep_water" yaml:"keep_water"`
	KeepIons             bool `json:"keep_ions" yaml:"keep_ions"`
	KeepLigands          bool `json:"keep_ligands" yaml:"keep_ligands"`
	KeepHydrogens        bool `json:"keep_hydrogens" yaml:"keep_hydrogens"`
	KeepNonStandard      bool `json:"keep_non_standard" yaml:"keep_non_standard"`
	KeepLongestChainOnly bool `json:"keep_longest_chain_only" yaml:"keep_longest_chain_only"`
}

// Enabled reports whether inputs are cleaned before execution.
func (p PreprocessingConfig) Enabled() bool {
	return !p.Disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the workspace.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: PDBGATE_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
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
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "pdbgate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig selects the dependencies checked by the readiness endpoint.
type HealthConfig struct {
	IncludeDB     bool `json:"include_db" yaml:"include_db"`
	IncludeEngine bool `json:"include_engine" yaml:"include_engine"`
}

// AnomalyConfig configures engine failure-rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed jobs
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error. Override: PDBGATE_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "json" (default for serve) or "text".
}

// DefaultConfigPath returns the default config file path (~/.pdbgate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/pdbgate.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".pdbgate", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path builds the configuration from defaults and the environment alone.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

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
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies PDBGATE_* overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("PDBGATE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PDBGATE_ENGINE_MODE"); v != "" {
		c.Engine.Mode = v
	}
	// PDBENGINE_BINARY_PATH is accepted for existing deployments.
	if v := os.Getenv("PDBENGINE_BINARY_PATH"); v != "" {
		c.Engine.BinaryPath = v
	}
	if v := os.Getenv("PDBGATE_ENGINE_BINARY"); v != "" {
		c.Engine.BinaryPath = v
	}
	if v := os.Getenv("PDBGATE_ENGINE_IMAGE"); v != "" {
		c.Engine.Docker.Image = v
	}
	if v := os.Getenv("PDBGATE_WORKSPACE"); v != "" {
		c.Workspace.Root = v
	}
	if v := os.Getenv("PDBGATE_REGISTRY"); v != "" {
		c.RegistryPath = v
	}
	if v := os.Getenv("PDBGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PDBGATE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}

	var errs []error
	if err := envInt("PDBGATE_ENGINE_TIMEOUT", &c.Engine.TimeoutSeconds); err != nil {
		errs = append(errs, err)
	}
	if err := envInt("PDBGATE_MAX_CONCURRENT_JOBS", &c.Engine.MaxConcurrentJobs); err != nil {
		errs = append(errs, err)
	}
	if v := os.Getenv("PDBGATE_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("PDBGATE_MAX_UPLOAD_BYTES: %w", err))
		} else {
			c.Server.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("PDBGATE_PREPROCESSING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PDBGATE_PREPROCESSING_ENABLED: %w", err))
		} else {
			c.Preprocessing.Disabled = !enabled
		}
	}
	return errors.Join(errs...)
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
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

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// PostgresDSN returns the configured PostgreSQL DSN, if any.
func (c *Config) PostgresDSN() string {
	if c.Storage != nil && c.Storage.Postgres != nil {
		return c.Storage.Postgres.DSN
	}
	return ""
}

func (c *Config) validate() error {
	switch c.Engine.EngineMode() {
	case ModeLocal:
		if c.Engine.BinaryPath == "" {
			return fmt.Errorf("engine.binary_path is required in local mode (set PDBGATE_ENGINE_BINARY)")
		}
		resolved, err := resolvePath(c.Engine.BinaryPath)
		if err != nil {
			return fmt.Errorf("engine.binary_path: %w", err)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return fmt.Errorf("engine.binary_path %s: %w", resolved, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("engine.binary_path %s is not a regular file", resolved)
		}
		c.Engine.BinaryPath = resolved
	case ModeDocker:
		// Image and runtime fall back to backend defaults.
	default:
		return fmt.Errorf("engine.mode %q is not supported (use local or docker)", c.Engine.Mode)
	}

	if c.Engine.TimeoutSeconds < 0 {
		return fmt.Errorf("engine.timeout_seconds must not be negative")
	}
	if c.Engine.MaxConcurrentJobs < 0 {
		return fmt.Errorf("engine.max_concurrent_jobs must not be negative")
	}
	if c.Engine.Docker.MemoryMB < 0 || c.Engine.Docker.CPUCores < 0 || c.Engine.Docker.PIDsLimit < 0 {
		return fmt.Errorf("engine.docker limits must not be negative")
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("server.max_upload_bytes must not be negative")
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 || c.Server.RateLimit.BurstSize < 0 {
		return fmt.Errorf("server.rate_limit values must not be negative")
	}
	if c.Workspace.MaxAgeMinutes < 0 {
		return fmt.Errorf("workspace.max_age_minutes must not be negative")
	}
	// The janitor must never reach a job directory whose engine may still run.
	if c.Workspace.MaxAge() <= c.Engine.Timeout() {
		return fmt.Errorf("workspace.max_age_minutes (%s) must exceed engine.timeout_seconds (%s)",
			c.Workspace.MaxAge(), c.Engine.Timeout())
	}

	// Storage driver validation.
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.PostgresDSN() == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set PDBGATE_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (use debug, info, warn, or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}

	if t := c.tracing(); t != nil && t.Enabled && t.Endpoint == "" {
		return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}
