package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jkaninda/pdbgate/internal/domain"
	"github.com/jkaninda/pdbgate/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "db", "pdbgate.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	job := &domain.Job{ID: "job-1", Command: "ProteinDesign"}
	if err := s.Jobs().Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	job.Status = domain.JobFailed
	job.ExitCode = 2
	job.Error = "segfault"
	if err := s.Jobs().Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Jobs().Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.JobFailed || got.ExitCode != 2 || got.Error != "segfault" {
		t.Errorf("got %+v", got)
	}

	if _, err := s.Jobs().Get(ctx, "job-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing job error = %v", err)
	}
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
