package diag

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/warden/internal/logger"
)

func TestCollectWritesReport(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stdout := filepath.Join(logDir, "backend.stdout.log")
	if err := os.WriteFile(stdout, []byte("line one\nline two\n"), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	c := New(Options{
		Dir: filepath.Join(dir, "diag"),
		Log: logger.Config{File: logger.FileConfig{Dir: logDir}},
	})

	path, err := c.Collect(context.Background(), "readiness deadline exceeded", map[string]string{
		"state": "failed",
		"pid":   "4242",
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	report := string(data)
	for _, want := range []string{
		"reason: readiness deadline exceeded",
		"state: failed",
		"pid: 4242",
		"line two",
		"[environment names]",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}

	last, at := c.LastReport()
	if last != path || at.IsZero() {
		t.Fatalf("LastReport = %q, %v", last, at)
	}
}

func TestCollectRateLimited(t *testing.T) {
	c := New(Options{Dir: t.TempDir(), Cooldown: time.Hour})

	first, err := c.Collect(context.Background(), "first failure", nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	second, err := c.Collect(context.Background(), "second failure", nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if second != first {
		t.Fatalf("expected suppressed collection to return the first report, got %q and %q", first, second)
	}

	entries, err := os.ReadDir(filepath.Dir(first))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one report on disk, got %d", len(entries))
	}
}

func TestCollectAfterCooldown(t *testing.T) {
	c := New(Options{Dir: t.TempDir(), Cooldown: 10 * time.Millisecond})

	first, err := c.Collect(context.Background(), "first", nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	second, err := c.Collect(context.Background(), "second", nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if second == first {
		t.Fatalf("expected a fresh report after the cool-down")
	}
}

func TestTailFileTruncatesToLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 100)+"END"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	tail, err := tailFile(path, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 10 || !strings.HasSuffix(tail, "END") {
		t.Fatalf("tail = %q", tail)
	}
}
