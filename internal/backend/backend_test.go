package backend

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/warden/internal/logger"
)

func startSpec(t *testing.T, p *Process, onExit func(ExitStatus)) {
	t.Helper()
	cmd := p.ConfigureCmd(nil)
	if err := p.Start(cmd, onExit); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = p.Kill() })
}

func waitExit(t *testing.T, p *Process, d time.Duration) {
	t.Helper()
	wd := p.WaitDone()
	if wd == nil {
		t.Fatalf("no wait channel")
	}
	select {
	case <-wd:
	case <-time.After(d):
		t.Fatalf("process did not exit within %s", d)
	}
}

func TestCleanExitCaptured(t *testing.T) {
	p := New(Spec{Command: "sh", Args: []string{"-c", "exit 0"}})
	startSpec(t, p, nil)
	waitExit(t, p, 2*time.Second)

	s := p.Snapshot()
	if s.Running {
		t.Fatalf("still marked running after exit")
	}
	if s.LastExit == nil || !s.LastExit.Clean() {
		t.Fatalf("want clean exit, got %+v", s.LastExit)
	}
}

func TestExitCodeCaptured(t *testing.T) {
	p := New(Spec{Command: "sh", Args: []string{"-c", "exit 3"}})
	startSpec(t, p, nil)
	waitExit(t, p, 2*time.Second)

	s := p.Snapshot()
	if s.LastExit == nil || s.LastExit.Code != 3 || s.LastExit.Clean() {
		t.Fatalf("want exit code 3, got %+v", s.LastExit)
	}
}

func TestOnExitRunsOnce(t *testing.T) {
	got := make(chan ExitStatus, 2)
	p := New(Spec{Command: "sh", Args: []string{"-c", "exit 7"}})
	startSpec(t, p, func(e ExitStatus) { got <- e })

	select {
	case e := <-got:
		if e.Code != 7 {
			t.Fatalf("exit code = %d, want 7", e.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("onExit not called")
	}
	select {
	case <-got:
		t.Fatalf("onExit called twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopTerminatesWithinGrace(t *testing.T) {
	p := New(Spec{Command: "sleep", Args: []string{"5"}})
	startSpec(t, p, nil)
	if !p.Alive() {
		t.Fatalf("not alive after start")
	}

	start := time.Now()
	if err := p.Stop(2*time.Second, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("stop took %s, SIGTERM not effective", time.Since(start))
	}
	s := p.Snapshot()
	if s.Running {
		t.Fatalf("running after stop")
	}
	if s.LastExit == nil || s.LastExit.Signal == "" {
		t.Fatalf("want signal exit, got %+v", s.LastExit)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	p := New(Spec{Command: "sh", Args: []string{"-c", "trap '' TERM; sleep 5"}})
	startSpec(t, p, nil)
	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	if err := p.Stop(300*time.Millisecond, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	s := p.Snapshot()
	if s.Running {
		t.Fatalf("running after escalated stop")
	}
	if s.LastExit == nil || !strings.Contains(s.LastExit.Signal, "kill") {
		t.Fatalf("want killed, got %+v", s.LastExit)
	}
}

func TestStopWithoutKillLeavesChild(t *testing.T) {
	p := New(Spec{Command: "sh", Args: []string{"-c", "trap '' TERM; sleep 5"}})
	startSpec(t, p, nil)
	time.Sleep(100 * time.Millisecond)

	err := p.Stop(200*time.Millisecond, false)
	if err == nil {
		t.Fatalf("want error when grace lapses without kill")
	}
	if !p.Alive() {
		t.Fatalf("child should still be running")
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
}

func TestStopIdleIsNoop(t *testing.T) {
	p := New(Spec{Command: "sleep", Args: []string{"1"}})
	if err := p.Stop(time.Second, true); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
}

func TestCaptureFilesWritten(t *testing.T) {
	dir := t.TempDir()
	p := New(Spec{
		Command: "sh",
		Args:    []string{"-c", "echo out-line; echo err-line >&2"},
		Log:     logger.Config{File: logger.FileConfig{Dir: dir}},
	})
	startSpec(t, p, nil)
	waitExit(t, p, 2*time.Second)

	stdout, stderr := p.Spec().Log.StreamPaths(processName)
	ob, err := os.ReadFile(stdout)
	if err != nil || !strings.Contains(string(ob), "out-line") {
		t.Fatalf("stdout capture: %q, %v", ob, err)
	}
	eb, err := os.ReadFile(stderr)
	if err != nil || !strings.Contains(string(eb), "err-line") {
		t.Fatalf("stderr capture: %q, %v", eb, err)
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "backend.pid")
	p := New(Spec{Command: "sleep", Args: []string{"5"}, PIDFile: pidFile})
	startSpec(t, p, nil)

	pid, startUnix, err := ReadPIDFile(pidFile)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	if pid != p.PID() {
		t.Fatalf("pidfile pid = %d, process pid = %d", pid, p.PID())
	}
	_ = startUnix // may be 0 on platforms without /proc

	if err := p.Stop(2*time.Second, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("pidfile not removed after exit")
	}
}
