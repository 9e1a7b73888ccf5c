package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Subtree names under the storage root. Export and import operate on
// exactly these two; everything else under the root (logs, pidfiles,
// the journal database) stays local to the daemon.
const (
	ConfigSubtree    = "config"
	WorkspaceSubtree = "workspace"
)

// Root is the persisted-state root: one directory that holds the
// configuration and workspace subtrees and survives daemon restarts.
type Root struct {
	dir string
}

// Open resolves dir to an absolute path and ensures the config and
// workspace subtrees exist.
func Open(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage root is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	r := &Root{dir: abs}
	for _, sub := range []string{r.ConfigDir(), r.WorkspaceDir()} {
		if err := os.MkdirAll(sub, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return r, nil
}

func (r *Root) Dir() string          { return r.dir }
func (r *Root) ConfigDir() string    { return filepath.Join(r.dir, ConfigSubtree) }
func (r *Root) WorkspaceDir() string { return filepath.Join(r.dir, WorkspaceSubtree) }

// Contains reports whether path resolves to a location inside the root.
func (r *Root) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if abs == r.dir {
		return true
	}
	return len(abs) > len(r.dir) && abs[:len(r.dir)] == r.dir && abs[len(r.dir)] == filepath.Separator
}
