package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerRuntime   = "docker"
	defaultDockerImage     = "pdbgate-engine:latest"
	defaultContainerMount  = "/data"
	dockerPreflightTimeout = 5 * time.Second
)

// DockerConfig configures the container backend.
type DockerConfig struct {
	Runtime   string        // Container CLI, "docker" or a compatible one such as "podman".
	Image     string        // Engine image; its entrypoint is the engine binary.
	MountPath string        // In-container path the job directory is mounted at.
	Timeout   time.Duration // Wall-clock timeout per execution.

	// Optional hardening. Zero values add no flag.
	MemoryMB  int     // --memory hard limit, swap disabled.
	CPUCores  float64 // --cpus rate limit.
	PIDsLimit int     // --pids-limit.
	Network   string  // --network, e.g. "none".
}

// DockerSandbox runs the engine inside an ephemeral container:
//
//	<runtime> run --rm --name <unique> -v <jobdir>:<mount> -w <mount> <image> <argv...>
//
// Host paths under the job directory are rewritten to their in-container
// equivalent. The named container is force-removed after every run, even on
// timeout.
type DockerSandbox struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerSandbox creates a container backend.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	if cfg.Runtime == "" {
		cfg.Runtime = defaultDockerRuntime
	}
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MountPath == "" {
		cfg.MountPath = defaultContainerMount
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &DockerSandbox{
		config: cfg,
		logger: logger,
	}
}

// Type returns "docker".
func (s *DockerSandbox) Type() string { return TypeDocker }

// Available verifies the runtime daemon is reachable and the image is present.
func (s *DockerSandbox) Available(parent context.Context) error {
	if _, err := exec.LookPath(s.config.Runtime); err != nil {
		return fmt.Errorf("%w: %s not found: %w", ErrBackendUnavailable, s.config.Runtime, err)
	}

	ctx, cancel := context.WithTimeout(parent, dockerPreflightTimeout)
	defer cancel()
	if out, err := exec.CommandContext(ctx, s.config.Runtime, "info").CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s info: %s", ErrBackendUnavailable, s.config.Runtime, firstLine(out, err))
	}

	imgCtx, imgCancel := context.WithTimeout(parent, dockerPreflightTimeout)
	defer imgCancel()
	out, err := exec.CommandContext(imgCtx, s.config.Runtime, "images", "-q", s.config.Image).Output()
	if err != nil {
		return fmt.Errorf("%w: listing images: %w", ErrBackendUnavailable, err)
	}
	if strings.TrimSpace(string(out)) == "" {
		return fmt.Errorf("%w: image %s not found", ErrBackendUnavailable, s.config.Image)
	}
	return nil
}

// Execute runs the argument vector inside a fresh container.
func (s *DockerSandbox) Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	start := time.Now()
	if req.Args.IsZero() {
		return failed(FailureLaunchError, ExitCodeLaunchError, "empty argument vector", time.Since(start))
	}
	if _, err := exec.LookPath(s.config.Runtime); err != nil {
		return failed(FailureBackendUnavailable, ExitCodeLaunchError, err.Error(), time.Since(start))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Timeout)
	defer cancel()

	containerName, err := generateContainerName()
	if err != nil {
		return failed(FailureLaunchError, ExitCodeLaunchError, "generating container name: "+err.Error(), time.Since(start))
	}

	mapping := PathMapping{HostRoot: req.WorkingDir, ContainerRoot: s.config.MountPath}
	args := s.buildRunArgs(containerName, req.WorkingDir)
	args = append(args, mapping.Translate(req.Args.Tokens())...)

	cmd := exec.CommandContext(ctx, s.config.Runtime, args...)
	// Kill the client on timeout; the container itself is removed below.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Info("engine executing",
		slog.String("backend", TypeDocker),
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.String("command", req.Args.Command()),
		slog.Duration("timeout", s.config.Timeout),
	)

	runErr := cmd.Run()
	elapsed := time.Since(start)

	// Safety net: --rm does not fire when the client is killed mid-run.
	s.forceRemoveContainer(containerName)

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("engine container timed out",
				slog.String("container", containerName),
				slog.Duration("timeout", s.config.Timeout),
				slog.Duration("elapsed", elapsed),
			)
			return newResult(stdoutBuf.String(), stderrBuf.String(), ExitCodeTimeout, elapsed, FailureTimeout)
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			s.logger.Error("container runtime failed to start",
				slog.String("runtime", s.config.Runtime),
				slog.String("error", runErr.Error()),
			)
			return failed(FailureBackendUnavailable, ExitCodeLaunchError, runErr.Error(), elapsed)
		}
		return s.completed(containerName, stdoutBuf.String(), stderrBuf.String(), exitErr.ExitCode(), elapsed)
	}

	return s.completed(containerName, stdoutBuf.String(), stderrBuf.String(), 0, elapsed)
}

func (s *DockerSandbox) completed(name, stdout, stderr string, code int, elapsed time.Duration) *ExecutionResult {
	s.logger.Info("engine container completed",
		slog.String("container", name),
		slog.Int("exit_code", code),
		slog.Duration("elapsed", elapsed),
		slog.Int("stdout_bytes", len(stdout)),
		slog.Int("stderr_bytes", len(stderr)),
	)
	return newResult(stdout, stderr, code, elapsed, FailureNone)
}

// buildRunArgs constructs the run invocation up to and including the image.
// The caller appends the translated argument vector.
func (s *DockerSandbox) buildRunArgs(name, workDir string) []string {
	mount := s.config.MountPath
	args := []string{
		"run", "--rm",
		"--name", name,
		"-v", workDir + ":" + mount,
		"-w", mount,
	}

	if s.config.MemoryMB > 0 {
		memoryFlag := strconv.Itoa(s.config.MemoryMB) + "m"
		args = append(args,
			"--memory="+memoryFlag,
			"--memory-swap="+memoryFlag, // Same as memory = disable swap.
		)
	}
	if s.config.CPUCores > 0 {
		args = append(args, "--cpus="+strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64))
	}
	if s.config.PIDsLimit > 0 {
		args = append(args, "--pids-limit="+strconv.Itoa(s.config.PIDsLimit))
	}
	if s.config.Network != "" {
		args = append(args, "--network="+s.config.Network)
	}

	// Image (must come after all flags, before the engine arguments).
	return append(args, s.config.Image)
}

// forceRemoveContainer removes a container by name. Errors are logged, not
// returned.
func (s *DockerSandbox) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), dockerPreflightTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.config.Runtime, "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(bytes.ToLower(out), []byte("no such container")) {
			s.logger.Warn("container rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// generateContainerName returns a unique container name: pdbgate-job-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "pdbgate-job-" + hex.EncodeToString(b), nil
}

func firstLine(out []byte, err error) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		return err.Error()
	}
	return line
}
