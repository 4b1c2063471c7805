package observability

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// readinessTimeout bounds one round of readiness checks.
const readinessTimeout = 3 * time.Second

// Readiness statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// ExecutionState describes the execution backend in a readiness report.
type ExecutionState struct {
	Backend  string `json:"backend"`
	InFlight int    `json:"in_flight"`
	Capacity int    `json:"capacity"`
}

// ReadinessReport is the body of the readiness endpoint.
type ReadinessReport struct {
	Status    string                 `json:"status"`
	Execution *ExecutionState        `json:"execution,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type readinessCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// Readiness decides whether pdbgate can accept jobs. Checks cover the job
// store and the engine preflight; the execution state reports slot usage.
type Readiness struct {
	checks    []readinessCheck
	execution func() ExecutionState
	logger    *slog.Logger
}

// NewReadiness creates a Readiness with no checks registered.
func NewReadiness(logger *slog.Logger) *Readiness {
	return &Readiness{logger: logger}
}

// AddCheck registers a named dependency check. Any error marks the
// instance degraded and is reported as the check message.
func (r *Readiness) AddCheck(name string, fn func(ctx context.Context) error) {
	r.checks = append(r.checks, readinessCheck{name: name, fn: fn})
}

// ReportExecution sets the source of the execution state.
func (r *Readiness) ReportExecution(fn func() ExecutionState) {
	r.execution = fn
}

// Check runs all checks concurrently and aggregates them.
func (r *Readiness) Check(ctx context.Context) ReadinessReport {
	report := ReadinessReport{Status: StatusOK}
	if r.execution != nil {
		state := r.execution()
		report.Execution = &state
	}
	if len(r.checks) == 0 {
		return report
	}

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	results := make([]CheckResult, len(r.checks))
	var g errgroup.Group
	for i, c := range r.checks {
		g.Go(func() error {
			start := time.Now()
			err := c.fn(ctx)
			results[i] = CheckResult{Status: StatusOK, ElapsedMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = StatusFail
				results[i].Message = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Checks = make(map[string]CheckResult, len(r.checks))
	for i, c := range r.checks {
		report.Checks[c.name] = results[i]
		if results[i].Status == StatusOK {
			continue
		}
		report.Status = StatusDegraded
		if r.logger != nil {
			r.logger.Warn("readiness check failed",
				slog.String("check", c.name),
				slog.String("error", results[i].Message),
			)
		}
	}
	return report
}
