// Package postgres stores job records in PostgreSQL through GORM. The job
// model and repository in this package are shared with the SQLite backend.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/pdbgate/internal/storage"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute

	// connectTimeout bounds the first round trip made by Open.
	connectTimeout = 5 * time.Second

	slowQueryThreshold = 200 * time.Millisecond
)

// Config configures the connection and its pool. Zero values take the
// package defaults.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
	return c
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db   *gorm.DB
	jobs *JobRepository
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL and checks the connection. Call Migrate
// before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	cfg = cfg.withDefaults()

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      GormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("reaching postgres: %w", err)
	}

	slogger.Info("postgres store opened",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
		slog.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
	)
	return &Store{db: db, jobs: NewJobRepository(db)}, nil
}

// Migrate creates or updates the jobs table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := AutoMigrate(ctx, s.db); err != nil {
		return fmt.Errorf("migrating postgres: %w", err)
	}
	return nil
}

// Jobs returns the job repository.
func (s *Store) Jobs() storage.JobStore { return s.jobs }

// Ping checks the connection pool.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

// AutoMigrate creates or updates the job table on any GORM dialect.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&JobModel{})
}

// GormLogger routes GORM's slow query and error reports to slogger.
func GormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(slogWriter{slogger}, logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// slogWriter adapts *slog.Logger to logger.Writer. GORM only writes at the
// warn level or above here.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
