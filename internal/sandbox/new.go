package sandbox

import (
	"fmt"
	"log/slog"
)

// Config selects and configures the one backend a process uses.
type Config struct {
	Type    string // "process" (default) or "docker".
	Process ProcessConfig
	Docker  DockerConfig
}

// New creates the configured backend. The choice is made once at startup.
func New(cfg Config, logger *slog.Logger) (Sandbox, error) {
	switch cfg.Type {
	case TypeDocker:
		return NewDockerSandbox(cfg.Docker, logger), nil
	case TypeProcess, "":
		if cfg.Process.BinaryPath == "" {
			return nil, fmt.Errorf("process sandbox requires an engine binary path")
		}
		return NewProcessSandbox(cfg.Process, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: process, docker)", cfg.Type)
	}
}
