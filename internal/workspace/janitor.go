package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
)

const (
	DefaultJanitorSchedule = "@every 10m"
	DefaultMaxAge          = time.Hour
)

// Janitor periodically removes job directories and archives that outlived
// their deferred cleanup, e.g. after a crash or an aborted download.
type Janitor struct {
	ws       *Workspace
	maxAge   time.Duration
	schedule string
	logger   *slog.Logger
	now      func() time.Time
	onSweep  func(SweepStats)
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Removed int
	Bytes   int64
}

// NewJanitor creates a janitor. The schedule uses standard cron syntax or a
// descriptor such as "@every 10m".
func NewJanitor(ws *Workspace, schedule string, maxAge time.Duration, logger *slog.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return &Janitor{
		ws:       ws,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// OnSweep registers a callback invoked after each scheduled sweep.
func (j *Janitor) OnSweep(fn func(SweepStats)) *Janitor {
	j.onSweep = fn
	return j
}

// Start runs Sweep on the schedule until ctx is done. Returns a stop function.
func (j *Janitor) Start(ctx context.Context) func() {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		stats := j.Sweep()
		if j.onSweep != nil {
			j.onSweep(stats)
		}
	}); err != nil {
		// Unreachable: the schedule was parsed in NewJanitor.
		j.logger.Error("janitor schedule rejected", slog.String("error", err.Error()))
		return func() {}
	}
	c.Start()

	j.logger.InfoContext(ctx, "workspace janitor started",
		slog.String("schedule", j.schedule),
		slog.Duration("max_age", j.maxAge),
	)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		j.logger.Info("workspace janitor stopped")
	}()
	return cancel
}

// Sweep removes every job directory and archive older than the max age.
func (j *Janitor) Sweep() SweepStats {
	cutoff := j.now().Add(-j.maxAge)
	var stats SweepStats

	for _, dir := range []string{j.ws.JobsDir(), j.ws.ArchivesDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			j.logger.Warn("janitor cannot read directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			size := diskUsage(path)
			if err := j.ws.Destroy(path); err != nil {
				j.logger.Warn("janitor failed to remove entry",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			stats.Removed++
			stats.Bytes += size
		}
	}

	if stats.Removed > 0 {
		j.logger.Info("workspace janitor swept stale entries",
			slog.Int("removed", stats.Removed),
			slog.String("freed", humanize.Bytes(uint64(stats.Bytes))),
		)
	}
	return stats
}

func diskUsage(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}
