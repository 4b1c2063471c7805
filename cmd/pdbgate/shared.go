package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/pdbgate/internal/command"
	"github.com/jkaninda/pdbgate/internal/config"
	"github.com/jkaninda/pdbgate/internal/jobs"
	"github.com/jkaninda/pdbgate/internal/observability"
	"github.com/jkaninda/pdbgate/internal/preprocess"
	"github.com/jkaninda/pdbgate/internal/registry"
	"github.com/jkaninda/pdbgate/internal/sandbox"
	"github.com/jkaninda/pdbgate/internal/security"
	"github.com/jkaninda/pdbgate/internal/storage"
	pgstore "github.com/jkaninda/pdbgate/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/pdbgate/internal/storage/sqlite"
	"github.com/jkaninda/pdbgate/internal/workspace"
)

// SharedComponents holds the subsystems both serve and run modes require.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // SQLite or PostgreSQL.
	Obs       *observability.Observability
	Registry  *registry.Registry
	Validator *security.Validator
	Sandbox   sandbox.Sandbox
	Jobs      *jobs.Service

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

// loadConfig resolves the config file (PDBGATE_CONFIG, then the flag, then
// the default path when it exists) and loads it. With no file at all the
// configuration comes from the environment alone.
func loadConfig(flagPath string) (*config.Config, string, error) {
	path := goutils.Env("PDBGATE_CONFIG", flagPath)
	if path == "" {
		if def := config.DefaultConfigPath(); fileExists(def) {
			path = def
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// newLogger builds the process logger. format is used when the config does
// not set one.
func newLogger(cfg config.LoggingConfig, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(cfg.Level)}
	if cfg.Format != "" {
		format = cfg.Format
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initShared performs the initialization shared between serve and run modes.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, observability.ServiceInfo{
		Version:       version,
		Backend:       backendType(cfg),
		Engine:        engineName(cfg),
		MaxConcurrent: cfg.Engine.MaxConcurrent(),
	}, logger)
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
	store, err := initStore(cfg, ws, logger)
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
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Registry and validator.
	reg, err := registry.LoadOrDefault(cfg.RegistryPath)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("loading command registry: %w", err)
	}
	sc.Registry = reg
	sc.Validator = security.NewValidator(reg)
	logger.Debug("command registry loaded",
		slog.Int("commands", len(reg.Commands())),
		slog.Int("argument_keys", len(reg.ArgumentKeys())),
		slog.Int("flags", len(reg.Flags())),
	)

	// Execution backend.
	sb, err := initSandbox(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing execution backend: %w", err)
	}
	sc.Sandbox = observability.NewInstrumentedSandbox(sb, obs)

	// Job orchestration.
	var cleaner jobs.Cleaner
	if cfg.Preprocessing.Enabled() {
		cleaner = preprocess.New(preprocessOptions(cfg.Preprocessing), logger)
	}
	svc, err := jobs.NewService(jobs.Settings{
		Registry: reg,
		Builder:  command.NewBuilder(sc.Validator, cfg.Engine.BinaryPath, cfg.Engine.EngineMode() == config.ModeDocker),
		Sandbox:  sc.Sandbox,
		Gate:     sandbox.NewGate(cfg.Engine.MaxConcurrent()),
		Cleaner:  cleaner,
		Store:    store.Jobs(),
		Obs:      obs,
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Jobs = svc
	logger.Debug("job service initialized",
		slog.String("backend", svc.Backend()),
		slog.Int("max_concurrent_jobs", cfg.Engine.MaxConcurrent()),
		slog.Bool("preprocessing", cleaner != nil),
	)

	return sc, nil
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace.Root != "" {
		return workspace.New(cfg.Workspace.Root)
	}
	return workspace.Default()
}

func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pgCfg := pgstore.Config{DSN: cfg.PostgresDSN()}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	store, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return store, nil
}

// initSandbox creates the execution backend selected by engine.mode.
func initSandbox(cfg *config.Config, logger *slog.Logger) (sandbox.Sandbox, error) {
	e := cfg.Engine
	sbCfg := sandbox.Config{
		Type: sandbox.TypeProcess,
		Process: sandbox.ProcessConfig{
			BinaryPath: e.BinaryPath,
			Timeout:    e.Timeout(),
		},
	}
	if e.EngineMode() == config.ModeDocker {
		sbCfg.Type = sandbox.TypeDocker
		sbCfg.Docker = sandbox.DockerConfig{
			Runtime:   e.Docker.Runtime,
			Image:     e.Docker.Image,
			MountPath: e.Docker.MountPath,
			Timeout:   e.Timeout(),
			MemoryMB:  e.Docker.MemoryMB,
			CPUCores:  e.Docker.CPUCores,
			PIDsLimit: e.Docker.PIDsLimit,
			Network:   e.Docker.Network,
		}
	}
	return sandbox.New(sbCfg, logger)
}

// preprocessOptions maps the Keep* toggles onto cleaner options.
func preprocessOptions(p config.PreprocessingConfig) preprocess.Options {
	return preprocess.Options{
		RemoveWater:       !p.KeepWater,
		RemoveIons:        !p.KeepIons,
		RemoveLigands:     !p.KeepLigands,
		RemoveHydrogens:   !p.KeepHydrogens,
		RemoveNonStandard: !p.KeepNonStandard,
		KeepAllChains:     !p.KeepLongestChainOnly,
	}
}

// loadRegistry loads the command registry without a full config, for the
// offline subcommands.
func loadRegistry(path string) (*registry.Registry, error) {
	return registry.LoadOrDefault(goutils.Env("PDBGATE_REGISTRY", path))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func backendType(cfg *config.Config) string {
	if cfg.Engine.EngineMode() == config.ModeDocker {
		return sandbox.TypeDocker
	}
	return sandbox.TypeProcess
}

// engineName is the engine image in docker mode and the binary otherwise.
func engineName(cfg *config.Config) string {
	if cfg.Engine.EngineMode() == config.ModeDocker && cfg.Engine.Docker.Image != "" {
		return cfg.Engine.Docker.Image
	}
	return cfg.Engine.BinaryPath
}
