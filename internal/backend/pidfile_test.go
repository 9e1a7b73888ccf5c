package backend

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pid")
	if err := WritePIDFile(path, os.Getpid()); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, _, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestReadPIDFileLegacy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pid")
	if err := os.WriteFile(path, []byte("4242"), 0o600); err != nil {
		t.Fatal(err)
	}
	pid, startUnix, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != 4242 || startUnix != 0 {
		t.Fatalf("got pid=%d start=%d", pid, startUnix)
	}
}

func TestReadPIDFileGarbageMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pid")
	if err := os.WriteFile(path, []byte("99\nnot-json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	pid, startUnix, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != 99 || startUnix != 0 {
		t.Fatalf("got pid=%d start=%d", pid, startUnix)
	}
}

func TestReadPIDFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pid")
	if err := os.WriteFile(path, []byte("nope\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadPIDFile(path); err == nil {
		t.Fatalf("want error for non-numeric pid")
	}
}
