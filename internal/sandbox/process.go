package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty runs.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 600 * time.Second

	// waitDelay bounds how long Wait blocks on inherited pipes after the
	// process group is killed.
	waitDelay = 2 * time.Second
)

// ProcessConfig configures the local process backend.
type ProcessConfig struct {
	BinaryPath string
	Timeout    time.Duration
}

// ProcessSandbox runs the engine binary as a local child process.
//
//   - argv is passed as discrete tokens, never through a shell
//   - the child runs in its own process group (Setpgid)
//   - the whole group is killed on timeout
//   - stdout/stderr are captured and capped
//   - the environment is inherited from pdbgate
type ProcessSandbox struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewProcessSandbox creates a local process backend.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ProcessSandbox{
		binary:  cfg.BinaryPath,
		timeout: timeout,
		logger:  logger,
	}
}

// Type returns "process".
func (s *ProcessSandbox) Type() string { return TypeProcess }

// Available checks that the engine binary exists and is a regular file.
func (s *ProcessSandbox) Available(_ context.Context) error {
	info, err := os.Stat(s.binary)
	if err != nil {
		return fmt.Errorf("%w: engine binary: %w", ErrBackendUnavailable, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: engine binary %s is not a regular file", ErrBackendUnavailable, s.binary)
	}
	return nil
}

// Execute runs <binary> <argv...> in req.WorkingDir.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	start := time.Now()
	if req.Args.IsZero() {
		return failed(FailureLaunchError, ExitCodeLaunchError, "empty argument vector", time.Since(start))
	}

	// Only the engine timeout stops a run; caller cancellation does not.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.binary, req.Args.Tokens()...)
	cmd.Dir = req.WorkingDir

	// Process group isolation: the engine and anything it forks share a group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Info("engine executing",
		slog.String("backend", TypeProcess),
		slog.String("command", req.Args.Command()),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", s.timeout),
	)

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("engine execution timed out",
				slog.String("command", req.Args.Command()),
				slog.Duration("timeout", s.timeout),
				slog.Duration("elapsed", elapsed),
			)
			return newResult(stdoutBuf.String(), stderrBuf.String(), ExitCodeTimeout, elapsed, FailureTimeout)
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			s.logger.Error("engine launch failed",
				slog.String("binary", s.binary),
				slog.String("error", runErr.Error()),
			)
			return failed(FailureLaunchError, ExitCodeLaunchError, runErr.Error(), elapsed)
		}
		// Non-zero exit code is not a failure reason, it's a result.
		return s.completed(req, stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), elapsed)
	}

	return s.completed(req, stdoutBuf.String(), stderrBuf.String(), 0, elapsed)
}

func (s *ProcessSandbox) completed(req ExecutionRequest, stdout, stderr string, code int, elapsed time.Duration) *ExecutionResult {
	s.logger.Info("engine execution completed",
		slog.String("command", req.Args.Command()),
		slog.Int("exit_code", code),
		slog.Duration("elapsed", elapsed),
		slog.Int("stdout_bytes", len(stdout)),
		slog.Int("stderr_bytes", len(stderr)),
	)
	return newResult(stdout, stderr, code, elapsed, FailureNone)
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
