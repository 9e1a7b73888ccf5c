package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CanonicalConfigName is the file the backend configuration lives in,
// relative to the config subtree, unless an override path is set.
const CanonicalConfigName = "backend.json"

// backupTimeLayout carries nanoseconds so two writes within the same
// second still produce distinct backup files.
const backupTimeLayout = "20060102T150405.000000000Z"

// ConfigStore resolves, reads and writes the single persisted backend
// configuration file. Writes are last-write-wins: the store takes no
// cross-request lock, callers serialize through the admin handler.
type ConfigStore struct {
	root     *Root
	override string // absolute override path; empty means canonical
}

// NewConfigStore builds a store over root. An non-empty override pins
// the configuration to an explicit path, which may live outside the
// root; Managed reports that distinction.
func NewConfigStore(root *Root, override string) (*ConfigStore, error) {
	s := &ConfigStore{root: root}
	if override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return nil, fmt.Errorf("resolve config override: %w", err)
		}
		s.override = abs
	}
	return s, nil
}

// Resolve returns the authoritative configuration path: the override
// when set, else the canonical file under the config subtree.
func (s *ConfigStore) Resolve() string {
	if s.override != "" {
		return s.override
	}
	return filepath.Join(s.root.ConfigDir(), CanonicalConfigName)
}

// Managed reports whether the configuration file lives inside the
// storage root. Import refuses to run against an unmanaged path.
func (s *ConfigStore) Managed() bool {
	return s.root.Contains(s.Resolve())
}

// Exists reports whether the resolved configuration file is present.
func (s *ConfigStore) Exists() bool {
	fi, err := os.Stat(s.Resolve())
	return err == nil && fi.Mode().IsRegular()
}

// ReadRaw returns the configuration file content verbatim.
func (s *ConfigStore) ReadRaw() ([]byte, error) {
	return os.ReadFile(s.Resolve())
}

// WriteRaw replaces the configuration file content. When a prior file
// exists it is first copied to a timestamp-suffixed backup next to the
// canonical file; backups accumulate and are never pruned here.
func (s *ConfigStore) WriteRaw(content []byte) error {
	path := s.Resolve()
	if prev, err := os.ReadFile(path); err == nil {
		backup := fmt.Sprintf("%s.%s.bak", path, time.Now().UTC().Format(backupTimeLayout))
		if err := os.WriteFile(backup, prev, 0o600); err != nil {
			return fmt.Errorf("write backup %s: %w", backup, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read previous config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o600)
}

// Backups lists existing backup file paths for the resolved
// configuration, oldest first.
func (s *ConfigStore) Backups() ([]string, error) {
	matches, err := filepath.Glob(s.Resolve() + ".*.bak")
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// MigrateLegacy renames an old-layout configuration file to the
// canonical path. It runs once at boot, only when no override is set
// and no canonical file exists yet; failures are logged, never fatal.
func (s *ConfigStore) MigrateLegacy(logger *slog.Logger) {
	if s.override != "" || s.Exists() {
		return
	}
	canonical := s.Resolve()
	legacy := []string{
		filepath.Join(s.root.ConfigDir(), "backend.conf"),
		filepath.Join(s.root.Dir(), CanonicalConfigName), // pre-subtree layout
	}
	for _, old := range legacy {
		fi, err := os.Stat(old)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		if err := os.Rename(old, canonical); err != nil {
			logger.Warn("legacy config migration failed", "from", old, "to", canonical, "error", err)
			return
		}
		logger.Info("migrated legacy config", "from", old, "to", canonical)
		return
	}
}
