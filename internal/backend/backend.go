package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/warden/internal/logger"
)

// processName keys the capture log files under the log directory.
const processName = "backend"

// Spec describes how to launch the supervised backend. Command and Args
// are executed directly, never through a shell.
type Spec struct {
	Command       string
	Args          []string
	WorkDir       string
	PIDFile       string
	GracePeriod   time.Duration
	KillOnTimeout bool
	Log           logger.Config
}

// ExitStatus records how a backend run ended.
type ExitStatus struct {
	Code   int       `json:"code"`   // exit code, -1 when signaled or unknown
	Signal string    `json:"signal"` // terminating signal name, empty on plain exit
	At     time.Time `json:"at"`
	Err    error     `json:"-"` // raw cmd.Wait error, nil on a clean exit
}

// Clean reports whether the run ended with exit code zero.
func (e ExitStatus) Clean() bool { return e.Err == nil }

func (e ExitStatus) String() string {
	if e.Err == nil {
		return "exit 0"
	}
	if e.Signal != "" {
		return "signal " + e.Signal
	}
	return fmt.Sprintf("exit %d", e.Code)
}

// Snapshot is a point-in-time view of the child process.
type Snapshot struct {
	Running   bool        `json:"running"`
	PID       int         `json:"pid"`
	StartedAt time.Time   `json:"started_at"`
	LastExit  *ExitStatus `json:"last_exit,omitempty"`
}

// Process owns one backend child at a time. Every successful Start
// attaches exactly one monitor goroutine that reaps the child, so Stop
// never calls cmd.Wait itself; it waits on the monitor instead.
type Process struct {
	mu        sync.Mutex
	spec      Spec
	cmd       *exec.Cmd
	running   bool
	startedAt time.Time
	lastExit  *ExitStatus
	waitDone  chan struct{} // closed by the monitor when cmd.Wait returns
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// UpdateSpec replaces the spec under lock. It affects the next launch,
// not a child already running.
func (p *Process) UpdateSpec(s Spec) {
	p.mu.Lock()
	p.spec = s
	p.mu.Unlock()
}

func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// ConfigureCmd builds the *exec.Cmd for the next launch: argv execution,
// workdir, the fully composed environment, its own process group, and
// rotating capture files for stdout/stderr (or /dev/null when no log
// destination is configured).
func (p *Process) ConfigureCmd(env []string) *exec.Cmd {
	p.mu.Lock()
	spec := p.spec
	p.mu.Unlock()

	// #nosec G204 -- command and args come from the operator's gateway config
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.Log.File.Dir != "" || spec.Log.File.StdoutPath != "" || spec.Log.File.StderrPath != "" {
		if spec.Log.File.Dir != "" {
			_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.ProcessWriters(processName)
		p.mu.Lock()
		p.outCloser, p.errCloser = outW, errW
		p.mu.Unlock()
		if outW != nil {
			cmd.Stdout = outW
		} else {
			cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		}
		if errW != nil {
			cmd.Stderr = errW
		} else {
			cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
		}
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	return cmd
}

// Start launches cmd, writes the PID file and attaches the monitor.
// onExit runs exactly once, from the monitor goroutine, after cmd.Wait
// returns; it may be nil.
func (p *Process) Start(cmd *exec.Cmd, onExit func(ExitStatus)) error {
	if err := cmd.Start(); err != nil {
		p.CloseWriters()
		return err
	}
	p.mu.Lock()
	p.cmd = cmd
	p.running = true
	p.startedAt = time.Now()
	p.lastExit = nil
	p.waitDone = make(chan struct{})
	wd := p.waitDone
	pidFile := p.spec.PIDFile
	p.mu.Unlock()

	if pidFile != "" {
		if err := WritePIDFile(pidFile, cmd.Process.Pid); err != nil {
			// The child is already running; a pidfile failure is not
			// worth killing it over.
			_ = err
		}
	}
	go p.monitor(cmd, wd, pidFile, onExit)
	return nil
}

func (p *Process) monitor(cmd *exec.Cmd, wd chan struct{}, pidFile string, onExit func(ExitStatus)) {
	err := cmd.Wait()
	exit := exitStatusFrom(err)

	p.mu.Lock()
	p.running = false
	p.lastExit = &exit
	p.mu.Unlock()

	p.CloseWriters()
	if pidFile != "" {
		RemovePIDFile(pidFile)
	}
	close(wd)
	if onExit != nil {
		onExit(exit)
	}
}

// Stop signals the child's process group with SIGTERM and waits up to
// grace for the monitor to reap it. After the grace period the group is
// SIGKILLed when killOnTimeout is set; otherwise the child is left
// running and an error is returned.
func (p *Process) Stop(grace time.Duration, killOnTimeout bool) error {
	p.mu.Lock()
	cmd := p.cmd
	running := p.running
	wd := p.waitDone
	p.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil || wd == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-wd:
		return nil
	case <-time.After(grace):
	}
	if !killOnTimeout {
		return fmt.Errorf("backend pid %d still running after %s", pid, grace)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-wd:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("backend pid %d not reaped after SIGKILL", pid)
	}
	return nil
}

// Kill sends SIGKILL to the process group without a grace period.
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd := p.cmd
	running := p.running
	wd := p.waitDone
	p.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil || wd == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-wd:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("backend pid %d not reaped after SIGKILL", pid)
	}
	return nil
}

// Alive reports whether the monitored child is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil || !p.running {
		return 0
	}
	return p.cmd.Process.Pid
}

// WaitDone returns the channel closed when the current run's monitor
// reaps the child, or nil before the first start.
func (p *Process) WaitDone() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

func (p *Process) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{
		Running:   p.running,
		StartedAt: p.startedAt,
	}
	if p.running && p.cmd != nil && p.cmd.Process != nil {
		s.PID = p.cmd.Process.Pid
	}
	if p.lastExit != nil {
		e := *p.lastExit
		s.LastExit = &e
	}
	return s
}

// CloseWriters closes the capture file writers, once.
func (p *Process) CloseWriters() {
	p.mu.Lock()
	out, errw := p.outCloser, p.errCloser
	p.outCloser, p.errCloser = nil, nil
	p.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errw != nil {
		_ = errw.Close()
	}
}

// exitStatusFrom classifies the error returned by cmd.Wait.
func exitStatusFrom(err error) ExitStatus {
	e := ExitStatus{At: time.Now(), Err: err}
	if err == nil {
		return e
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			e.Code = -1
			e.Signal = ws.Signal().String()
			return e
		}
		e.Code = ee.ExitCode()
		return e
	}
	e.Code = -1
	return e
}
