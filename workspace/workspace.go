// Package workspace manages the scratch directory holding unpacked
// credential files for the duration of one job execution. Each execution
// gets its own directory, so overlapping runs never share files.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace is a process-exclusive scratch directory.
type Workspace struct {
	path string
}

// Create allocates a fresh, empty workspace under the system temp
// directory. In the target execution environment that is the only
// writable tier, and it is wiped between runs, so orphaned workspaces
// from crashed executions are self-healing.
func Create() (*Workspace, error) {
	return CreateIn(os.TempDir())
}

// CreateIn allocates a fresh, empty workspace under parent.
func CreateIn(parent string) (*Workspace, error) {
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace parent: %w", err)
	}

	path := filepath.Join(parent, "tokensync-"+uuid.NewString())
	if err := os.Mkdir(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace directory: %w", err)
	}
	return &Workspace{path: path}, nil
}

// Path returns the workspace directory path.
func (w *Workspace) Path() string {
	return w.path
}

// Destroy removes the workspace and all its contents. Safe to call more
// than once.
func (w *Workspace) Destroy() error {
	if err := os.RemoveAll(w.path); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}
