package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jkaninda/pdbgate/internal/config"
	"github.com/jkaninda/pdbgate/internal/gateway"
	"github.com/jkaninda/pdbgate/internal/gateway/httpapi"
	"github.com/jkaninda/pdbgate/internal/ratelimit"
	"github.com/jkaninda/pdbgate/internal/workspace"
)

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `pdbgate --config path` and `pdbgate serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (default ~/.pdbgate/config.yaml when present)")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8000)")
	}
}

// runServe starts pdbgate in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	logger := newLogger(cfg.Logging, "json")
	logger.Info("starting pdbgate",
		slog.String("version", version),
		slog.String("config", path),
		slog.String("engine_mode", cfg.Engine.EngineMode()),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Preflight. An unavailable backend does not stop the server: jobs fail
	// with backend_unavailable until it recovers.
	if err := sc.Jobs.Available(ctx); err != nil {
		logger.Warn("execution backend not available",
			slog.String("backend", sc.Jobs.Backend()),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("execution backend ready", slog.String("backend", sc.Jobs.Backend()))
	}

	registerHealthChecks(cfg, sc)

	// Workspace janitor. One sweep at startup reclaims leftovers of a
	// previous run.
	janitor, err := workspace.NewJanitor(sc.Workspace, cfg.Workspace.Schedule(), cfg.Workspace.MaxAge(), logger)
	if err != nil {
		return err
	}
	metrics := sc.Obs.MetricsOrNil()
	janitor.OnSweep(func(s workspace.SweepStats) { metrics.RecordReclaimed(s.Bytes) })
	metrics.RecordReclaimed(janitor.Sweep().Bytes)
	stopJanitor := janitor.Start(ctx)
	defer stopJanitor()

	httpGW := httpapi.NewGateway(httpConfig(cfg, sc), sc.Jobs, sc.Workspace, sc.Validator, logger).
		WithJobStore(sc.Store.Jobs()).
		WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Server.RateLimit.BurstSize,
		}))
	logger.Info("http api configured",
		slog.String("addr", cfg.Server.Addr()),
		slog.String("max_upload", humanize.IBytes(uint64(cfg.Server.MaxUpload()))),
		slog.Int("rate_limit_rpm", cfg.Server.RateLimit.RequestsPerMinute),
	)

	runErr := gateway.Run(ctx, logger, cfg.Server.ShutdownTimeout(), httpGW)
	logger.Info("pdbgate stopped")
	return runErr
}

func httpConfig(cfg *config.Config, sc *SharedComponents) httpapi.Config {
	hc := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		Version:        version,
		MaxUploadBytes: cfg.Server.MaxUpload(),
		CORSOrigins:    cfg.Server.CORSOrigins,
		Readiness:      sc.Obs.ReadinessOrNil(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		hc.Metrics = m
		hc.MetricsRegistry = m.Registry
		if cfg.Observability.Metrics != nil {
			hc.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if t := sc.Obs.TracerOrNil(); t != nil {
		hc.Tracer = t.Tracer()
	}
	return hc
}

// registerHealthChecks adds the readiness checks selected in the config.
func registerHealthChecks(cfg *config.Config, sc *SharedComponents) {
	ready := sc.Obs.ReadinessOrNil()
	if ready == nil {
		return
	}
	ready.ReportExecution(sc.Jobs.ExecutionState)
	if cfg.Observability == nil || cfg.Observability.Health == nil {
		return
	}
	if cfg.Observability.Health.IncludeDB {
		ready.AddCheck("database", sc.Store.Ping)
	}
	if cfg.Observability.Health.IncludeEngine {
		ready.AddCheck("engine", sc.Jobs.Available)
	}
}
