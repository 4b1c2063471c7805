// Package storage defines the Store interface that abstracts job persistence.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"

	"github.com/jkaninda/pdbgate/internal/domain"
)

// ErrNotFound is returned when a job record does not exist.
var ErrNotFound = errors.New("job not found")

// JobStore persists job records.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Update(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	// List returns the most recent jobs first, optionally filtered by status.
	List(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
}

// Store is the persistence interface for pdbgate.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	Jobs() JobStore

	// Ping checks the connection for the readiness endpoint.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50
