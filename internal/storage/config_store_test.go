package storage

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open root: %v", err)
	}
	return r
}

func TestRootLayout(t *testing.T) {
	r := newTestRoot(t)
	for _, d := range []string{r.ConfigDir(), r.WorkspaceDir()} {
		fi, err := os.Stat(d)
		if err != nil || !fi.IsDir() {
			t.Fatalf("subtree %s missing: %v", d, err)
		}
	}
	if !r.Contains(filepath.Join(r.Dir(), "config", "x")) {
		t.Fatalf("Contains rejected in-root path")
	}
	if r.Contains("/etc/passwd") {
		t.Fatalf("Contains accepted out-of-root path")
	}
	if r.Contains(r.Dir() + "-sibling/file") {
		t.Fatalf("Contains accepted prefix-sibling path")
	}
}

func TestConfigStoreResolveAndExists(t *testing.T) {
	r := newTestRoot(t)
	s, err := NewConfigStore(r, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	want := filepath.Join(r.ConfigDir(), CanonicalConfigName)
	if got := s.Resolve(); got != want {
		t.Fatalf("resolve = %q, want %q", got, want)
	}
	if s.Exists() {
		t.Fatalf("exists true before any write")
	}
	if !s.Managed() {
		t.Fatalf("canonical path should be managed")
	}
	if err := s.WriteRaw([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !s.Exists() {
		t.Fatalf("exists false after write")
	}
	b, err := s.ReadRaw()
	if err != nil || string(b) != `{"a":1}` {
		t.Fatalf("read = %q, %v", b, err)
	}
}

func TestConfigStoreOverrideOutsideRoot(t *testing.T) {
	r := newTestRoot(t)
	outside := filepath.Join(t.TempDir(), "cfg.json")
	s, err := NewConfigStore(r, outside)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if s.Resolve() != outside {
		t.Fatalf("override not honored: %q", s.Resolve())
	}
	if s.Managed() {
		t.Fatalf("out-of-root override reported managed")
	}
}

// Two consecutive writes over an existing file must yield two distinct
// backups, each holding the content current at its write time.
func TestWriteRawBackupPerOverwrite(t *testing.T) {
	r := newTestRoot(t)
	s, _ := NewConfigStore(r, "")

	if err := s.WriteRaw([]byte("v1")); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	bk, _ := s.Backups()
	if len(bk) != 0 {
		t.Fatalf("backup created on first write: %v", bk)
	}
	if err := s.WriteRaw([]byte("v2")); err != nil {
		t.Fatalf("write v2: %v", err)
	}
	if err := s.WriteRaw([]byte("v3")); err != nil {
		t.Fatalf("write v3: %v", err)
	}
	bk, err := s.Backups()
	if err != nil {
		t.Fatalf("backups: %v", err)
	}
	if len(bk) != 2 {
		t.Fatalf("want 2 backups, got %d: %v", len(bk), bk)
	}
	contents := map[string]bool{}
	for _, p := range bk {
		b, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read backup %s: %v", p, err)
		}
		contents[string(b)] = true
	}
	if !contents["v1"] || !contents["v2"] {
		t.Fatalf("backup contents wrong: %v", contents)
	}
	cur, _ := s.ReadRaw()
	if string(cur) != "v3" {
		t.Fatalf("current content = %q", cur)
	}
}

func TestMigrateLegacy(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	t.Run("config subtree conf file wins", func(t *testing.T) {
		r := newTestRoot(t)
		old := filepath.Join(r.ConfigDir(), "backend.conf")
		if err := os.WriteFile(old, []byte("legacy"), 0o600); err != nil {
			t.Fatal(err)
		}
		s, _ := NewConfigStore(r, "")
		s.MigrateLegacy(logger)
		if !s.Exists() {
			t.Fatalf("canonical file missing after migration")
		}
		if _, err := os.Stat(old); !os.IsNotExist(err) {
			t.Fatalf("legacy file still present")
		}
		b, _ := s.ReadRaw()
		if string(b) != "legacy" {
			t.Fatalf("content = %q", b)
		}
	})

	t.Run("root-level json file", func(t *testing.T) {
		r := newTestRoot(t)
		old := filepath.Join(r.Dir(), CanonicalConfigName)
		if err := os.WriteFile(old, []byte("rootlegacy"), 0o600); err != nil {
			t.Fatal(err)
		}
		s, _ := NewConfigStore(r, "")
		s.MigrateLegacy(logger)
		b, err := s.ReadRaw()
		if err != nil || string(b) != "rootlegacy" {
			t.Fatalf("read after migration: %q, %v", b, err)
		}
	})

	t.Run("no-op when canonical exists", func(t *testing.T) {
		r := newTestRoot(t)
		s, _ := NewConfigStore(r, "")
		_ = s.WriteRaw([]byte("current"))
		old := filepath.Join(r.ConfigDir(), "backend.conf")
		_ = os.WriteFile(old, []byte("stale"), 0o600)
		s.MigrateLegacy(logger)
		b, _ := s.ReadRaw()
		if string(b) != "current" {
			t.Fatalf("migration overwrote canonical file: %q", b)
		}
	})

	t.Run("no-op with override", func(t *testing.T) {
		r := newTestRoot(t)
		old := filepath.Join(r.ConfigDir(), "backend.conf")
		_ = os.WriteFile(old, []byte("stale"), 0o600)
		s, _ := NewConfigStore(r, filepath.Join(t.TempDir(), "o.json"))
		s.MigrateLegacy(logger)
		if _, err := os.Stat(old); err != nil {
			t.Fatalf("legacy file touched despite override: %v", err)
		}
	})
}

func TestTokenPersistence(t *testing.T) {
	r := newTestRoot(t)
	tok1, err := r.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if len(tok1) != 64 {
		t.Fatalf("token length = %d, want 64 hex chars", len(tok1))
	}
	tok2, err := r.Token()
	if err != nil {
		t.Fatalf("token again: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("token not stable across reads")
	}
}
