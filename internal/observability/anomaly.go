package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/pdbgate/internal/config"
)

// minSamples is the number of executions needed before a rate is judged.
const minSamples = 5

// AnomalyDetector watches engine outcomes per command over a sliding window
// and warns when the failure rate crosses the configured threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	alerting  map[string]bool // commands currently above threshold
	cfg       *config.AnomalyConfig
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates a detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		alerting:  make(map[string]bool),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordFailure records a failed execution of command.
func (a *AnomalyDetector) RecordFailure(command string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.failures, command).add(a.now())
	a.check(command)
}

// RecordSuccess records a successful execution of command.
func (a *AnomalyDetector) RecordSuccess(command string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successes, command).add(a.now())
	a.check(command)
}

// FailureRate returns the failure rate of command within the window and the
// number of samples it is based on.
func (a *AnomalyDetector) FailureRate(command string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(command)
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rate(command string) (float64, int) {
	now := a.now()
	failed := a.window(a.failures, command).count(now)
	total := failed + a.window(a.successes, command).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

// check logs once when a command crosses the threshold and once when it
// recovers. Must be called with a.mu held.
func (a *AnomalyDetector) check(command string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	rate, total := a.rate(command)
	if total < minSamples {
		return
	}

	above := rate > threshold
	if above == a.alerting[command] {
		return
	}
	a.alerting[command] = above
	if a.logger == nil {
		return
	}
	if above {
		a.logger.Warn("anomaly detected: high engine failure rate",
			slog.String("command", command),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Int("samples", total),
		)
	} else {
		a.logger.Info("engine failure rate back under threshold",
			slog.String("command", command),
			slog.Float64("failure_rate", rate),
		)
	}
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a sample and prunes expired entries.
func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

// count returns the number of samples within the window.
func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
