// Package jobs runs one engine job end to end: registry check, input
// preprocessing, argument building, gated execution and job bookkeeping.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/pdbgate/internal/command"
	"github.com/jkaninda/pdbgate/internal/domain"
	"github.com/jkaninda/pdbgate/internal/observability"
	"github.com/jkaninda/pdbgate/internal/registry"
	"github.com/jkaninda/pdbgate/internal/sandbox"
	"github.com/jkaninda/pdbgate/internal/security"
	"github.com/jkaninda/pdbgate/internal/storage"
)

// Cleaner rewrites an input structure and returns the path to use instead.
// It returns the input path unchanged when there is nothing to do or on
// any failure.
type Cleaner interface {
	Clean(inputPath string) string
}

// Settings holds the collaborators of a Service. It is read once by
// NewService and not retained.
type Settings struct {
	Registry *registry.Registry
	Builder  *command.Builder
	Sandbox  sandbox.Sandbox
	Gate     *sandbox.Gate

	Cleaner Cleaner                      // nil = preprocessing disabled
	Store   storage.JobStore             // nil = job history disabled
	Obs     *observability.Observability // nil = observability disabled
}

// Request is one job submission. WorkDir must be a directory exclusively
// owned by this job.
type Request struct {
	JobID     string
	Command   string
	Arguments map[string]string
	Flags     []string
	WorkDir   string
}

// Result is the outcome of a job that passed validation.
type Result struct {
	JobID       string
	Argv        security.Argv
	CommandLine []string
	Execution   *sandbox.ExecutionResult
	Status      domain.JobStatus
}

// Service is the job orchestrator.
type Service struct {
	registry *registry.Registry
	builder  *command.Builder
	sandbox  sandbox.Sandbox
	gate     *sandbox.Gate
	cleaner  Cleaner
	store    storage.JobStore
	obs      *observability.Observability
	logger   *slog.Logger
}

// NewService creates a Service. Registry, Builder and Sandbox are required.
func NewService(s Settings, logger *slog.Logger) (*Service, error) {
	if s.Registry == nil || s.Builder == nil || s.Sandbox == nil {
		return nil, errors.New("jobs: registry, builder and sandbox are required")
	}
	gate := s.Gate
	if gate == nil {
		gate = sandbox.NewGate(sandbox.DefaultMaxConcurrent)
	}
	return &Service{
		registry: s.Registry,
		builder:  s.Builder,
		sandbox:  s.Sandbox,
		gate:     gate,
		cleaner:  s.Cleaner,
		store:    s.Store,
		obs:      s.Obs,
		logger:   logger,
	}, nil
}

// Backend returns the execution backend type.
func (s *Service) Backend() string { return s.sandbox.Type() }

// ExecutionState reports the backend and execution slot usage.
func (s *Service) ExecutionState() observability.ExecutionState {
	return observability.ExecutionState{
		Backend:  s.Backend(),
		InFlight: s.gate.InFlight(),
		Capacity: s.gate.Size(),
	}
}

// Run executes one job. Validation failures and context cancellation while
// waiting for an execution slot are returned as errors; everything that
// happens once the engine is started is reported in the Result.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	if s.obs != nil && s.obs.Tracer != nil {
		var span trace.Span
		ctx, span = s.obs.Tracer.Tracer().Start(ctx, "jobs.run",
			trace.WithAttributes(observability.JobAttributes(req.JobID, req.Command, s.Backend())...))
		defer span.End()
	}

	start := time.Now()
	job := &domain.Job{
		ID:      req.JobID,
		Command: req.Command,
		Status:  domain.JobPending,
		Backend: s.sandbox.Type(),
	}
	s.create(ctx, job)

	if !s.registry.IsValidCommand(req.Command) {
		err := &security.Error{Kind: security.KindInvalidCommand, Token: req.Command, Detail: "not in registry"}
		return nil, s.reject(ctx, job, err)
	}

	args := s.preprocess(req)

	argv, err := s.builder.Build(req.Command, args, req.Flags)
	if err != nil {
		return nil, s.reject(ctx, job, err)
	}
	job.Argv = argv.Tokens()

	execution, err := s.execute(ctx, job, argv, req.WorkDir)
	if err != nil {
		return nil, err
	}

	s.obs.MetricsOrNil().RecordJob(req.Command, string(job.Status), time.Since(start).Seconds())

	return &Result{
		JobID:       req.JobID,
		Argv:        argv,
		CommandLine: s.builder.CommandLine(argv),
		Execution:   execution,
		Status:      job.Status,
	}, nil
}

// Help runs the engine's help form in workDir. Help runs are not recorded.
func (s *Service) Help(ctx context.Context, workDir string) (*sandbox.ExecutionResult, error) {
	if err := s.gate.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("waiting for execution slot: %w", err)
	}
	defer s.gate.Release()
	return s.sandbox.Execute(ctx, sandbox.ExecutionRequest{Args: s.builder.Help(), WorkingDir: workDir}), nil
}

// Available runs the backend preflight check.
func (s *Service) Available(ctx context.Context) error {
	return s.sandbox.Available(ctx)
}

func (s *Service) execute(ctx context.Context, job *domain.Job, argv security.Argv, workDir string) (*sandbox.ExecutionResult, error) {
	if err := s.gate.Acquire(ctx); err != nil {
		job.Status = domain.JobFailed
		job.Error = "cancelled while waiting for an execution slot"
		s.finish(ctx, job)
		return nil, fmt.Errorf("waiting for execution slot: %w", err)
	}

	job.Status = domain.JobRunning
	s.update(ctx, job)
	s.obs.MetricsOrNil().JobStarted()

	s.logger.Info("job started",
		slog.String("job_id", job.ID),
		slog.String("command", job.Command),
		slog.String("backend", job.Backend),
		slog.Int("in_flight", s.gate.InFlight()),
	)

	result := s.sandbox.Execute(ctx, sandbox.ExecutionRequest{Args: argv, WorkingDir: workDir})

	s.obs.MetricsOrNil().JobFinished()
	s.gate.Release()

	job.ExitCode = result.ExitCode
	job.FailureReason = string(result.FailureReason)
	job.Elapsed = result.Elapsed
	if result.Success {
		job.Status = domain.JobCompleted
	} else {
		job.Status = domain.JobFailed
		job.Error = result.ErrorSummary()
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetStatus(codes.Error, "engine execution failed")
			span.SetAttributes(observability.AttrJobExitCode.Int(result.ExitCode))
		}
	}
	s.finish(ctx, job)

	s.logger.Info("job finished",
		slog.String("job_id", job.ID),
		slog.String("command", job.Command),
		slog.String("status", string(job.Status)),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

// preprocess returns the arguments with path arguments that name an existing
// file inside the job directory replaced by their cleaned counterpart.
func (s *Service) preprocess(req Request) map[string]string {
	args := make(map[string]string, len(req.Arguments))
	for k, v := range req.Arguments {
		args[k] = v
	}
	if s.cleaner == nil || req.WorkDir == "" {
		return args
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		if s.registry.IsPathArgument(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		path, ok := jobFile(req.WorkDir, args[k])
		if !ok {
			continue
		}
		cleaned := s.cleaner.Clean(path)
		s.obs.MetricsOrNil().RecordPreprocess(cleaned != path)
		if cleaned != path {
			args[k] = cleaned
			s.logger.Debug("input preprocessed",
				slog.String("job_id", req.JobID),
				slog.String("argument", k),
				slog.String("path", cleaned),
			)
		}
	}
	return args
}

// jobFile resolves value against workDir and reports whether it names an
// existing regular file inside workDir. Values that are not already in
// clean form are left for the validator to judge.
func jobFile(workDir, value string) (string, bool) {
	if value == "" || filepath.Clean(value) != value {
		return "", false
	}
	path := value
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	rel, err := filepath.Rel(workDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}

func (s *Service) reject(ctx context.Context, job *domain.Job, err error) error {
	kind := security.KindOf(err)
	s.obs.MetricsOrNil().RecordRejection(kind.String())
	s.obs.MetricsOrNil().RecordJob(job.Command, string(domain.JobRejected), 0)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
	}
	s.logger.Warn("job rejected",
		slog.String("job_id", job.ID),
		slog.String("command", job.Command),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)

	job.Status = domain.JobRejected
	job.Error = err.Error()
	s.finish(ctx, job)
	return err
}

// Store failures never fail a job; they are logged.

func (s *Service) create(ctx context.Context, job *domain.Job) {
	if s.store == nil {
		return
	}
	if err := s.store.Create(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Error("failed to record job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) update(ctx context.Context, job *domain.Job) {
	if s.store == nil {
		return
	}
	if err := s.store.Update(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Error("failed to update job",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) finish(ctx context.Context, job *domain.Job) {
	now := time.Now().UTC()
	job.FinishedAt = &now
	s.update(ctx, job)
}
