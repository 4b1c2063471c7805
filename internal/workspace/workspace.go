// Package workspace manages the pdbgate runtime directory structure: one
// exclusive directory per job, the results archives produced from them, and
// the local job database.
//
// Default workspace: $XDG_DATA_HOME/pdbgate (configurable via config or the
// PDBGATE_WORKSPACE env var).
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
)

// ErrOutsideWorkspace is returned by Destroy for paths not under the root.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// Workspace manages all pdbgate runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// DefaultRoot returns $XDG_DATA_HOME/pdbgate.
func DefaultRoot() string {
	return filepath.Join(xdg.DataHome, "pdbgate")
}

// Default creates a Workspace at DefaultRoot.
func Default() (*Workspace, error) {
	return New(DefaultRoot())
}

// JobsDir returns <root>/jobs/. One subdirectory per job.
func (w *Workspace) JobsDir() string {
	return w.dir("jobs")
}

// ArchivesDir returns <root>/archives/. Results archives awaiting download.
func (w *Workspace) ArchivesDir() string {
	return w.dir("archives")
}

// DatabasePath returns <root>/pdbgate.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.Root, "pdbgate.db")
}

// ArchivePath returns <root>/archives/<jobID>.tar.zst.
func (w *Workspace) ArchivePath(jobID string) string {
	return filepath.Join(w.ArchivesDir(), sanitizeName(jobID)+".tar.zst")
}

// CreateJobDir creates a fresh job directory named by a UUIDv4 and returns
// its absolute path. The base name of the path is the job ID.
func (w *Workspace) CreateJobDir() (string, error) {
	id := uuid.NewString()
	p := filepath.Join(w.JobsDir(), id)
	// Mkdir, not MkdirAll: a collision must fail rather than share a directory.
	if err := os.Mkdir(p, 0750); err != nil {
		return "", fmt.Errorf("creating job directory: %w", err)
	}
	return p, nil
}

// JobID returns the job ID encoded in a job directory path.
func JobID(jobDir string) string {
	return filepath.Base(jobDir)
}

// Destroy removes a job directory or archive. Missing paths are not an error;
// paths outside the workspace are refused.
func (w *Workspace) Destroy(path string) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("removing %s: %w", abs, err)
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	for _, d := range []string{"jobs", "archives"} {
		if err := w.ensureDir(filepath.Join(w.Root, d), 0750); err != nil {
			return err
		}
	}
	return nil
}

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
