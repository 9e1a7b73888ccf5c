package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPidFileRoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	pidFile := filepath.Join(tempDir, "warden.pid")

	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Errorf("writePidFile failed: %v", err)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("PID file was not created: %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("unexpected PID file content: %q", data)
	}

	if err := removePidFile(pidFile); err != nil {
		t.Errorf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("PID file was not removed")
	}

	// Empty path is a no-op.
	if err := removePidFile(""); err != nil {
		t.Errorf("removePidFile with empty path: %v", err)
	}
}

func TestServeFlags(t *testing.T) {
	flags := &ServeFlags{
		ConfigPath: "warden.toml",
		Daemonize:  true,
		PIDFile:    "/tmp/warden.pid",
		LogFile:    "/tmp/warden.log",
	}

	if flags.ConfigPath != "warden.toml" {
		t.Errorf("Expected ConfigPath 'warden.toml', got '%s'", flags.ConfigPath)
	}
	if !flags.Daemonize {
		t.Error("Expected Daemonize to be true")
	}
	if flags.PIDFile != "/tmp/warden.pid" {
		t.Errorf("Expected PIDFile '/tmp/warden.pid', got '%s'", flags.PIDFile)
	}
	if flags.LogFile != "/tmp/warden.log" {
		t.Errorf("Expected LogFile '/tmp/warden.log', got '%s'", flags.LogFile)
	}
}
