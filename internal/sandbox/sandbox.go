// Package sandbox runs validated engine argument vectors, either as a local
// child process or inside an ephemeral container.
//
// Execute never returns an error: launch failures, timeouts and an
// unavailable container runtime are all encoded in the ExecutionResult.
package sandbox

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/pdbgate/internal/security"
)

// Backend type names, as used in configuration.
const (
	TypeProcess = "process"
	TypeDocker  = "docker"
)

// Exit codes reported when the engine never produced one.
const (
	ExitCodeTimeout     = -1
	ExitCodeLaunchError = -3
)

// maxErrorSummary caps stderr surfaced to callers.
const maxErrorSummary = 1000

// ErrBackendUnavailable is returned by Available when the backend cannot run jobs.
var ErrBackendUnavailable = errors.New("execution backend unavailable")

// FailureReason explains why an execution did not produce an exit code.
// Empty means the engine ran to completion.
type FailureReason string

const (
	FailureNone               FailureReason = ""
	FailureTimeout            FailureReason = "timeout"
	FailureLaunchError        FailureReason = "launch_error"
	FailureBackendUnavailable FailureReason = "backend_unavailable"
)

// Sandbox executes validated argument vectors.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult
	// Available is the preflight check run before jobs are accepted.
	Available(ctx context.Context) error
	Type() string
}

// ExecutionRequest defines what to run and where.
type ExecutionRequest struct {
	Args security.Argv

	// WorkingDir is the job directory, exclusively owned by this execution.
	WorkingDir string
}

// ExecutionResult captures the outcome of an execution.
type ExecutionResult struct {
	Success       bool
	Stdout        string
	Stderr        string
	ExitCode      int
	Elapsed       time.Duration
	FailureReason FailureReason
}

// ErrorSummary returns stderr capped for inclusion in caller-facing errors.
func (r *ExecutionResult) ErrorSummary() string {
	if len(r.Stderr) <= maxErrorSummary {
		return r.Stderr
	}
	n := maxErrorSummary
	for n > 0 && !utf8.RuneStart(r.Stderr[n]) {
		n--
	}
	return r.Stderr[:n]
}

func newResult(stdout, stderr string, exitCode int, elapsed time.Duration, reason FailureReason) *ExecutionResult {
	return &ExecutionResult{
		Success:       exitCode == 0 && reason == FailureNone,
		Stdout:        stdout,
		Stderr:        stderr,
		ExitCode:      exitCode,
		Elapsed:       elapsed,
		FailureReason: reason,
	}
}

func failed(reason FailureReason, exitCode int, msg string, elapsed time.Duration) *ExecutionResult {
	return newResult("", msg, exitCode, elapsed, reason)
}
