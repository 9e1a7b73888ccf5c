package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loykin/warden/internal/backend"
	"github.com/loykin/warden/internal/detector"
	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/probe"
	"github.com/loykin/warden/internal/store"
)

// State is the supervisor's view of the backend lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// Sentinel errors callers match with errors.Is.
var (
	ErrNotConfigured = errors.New("backend is not configured")
	ErrSpawn         = errors.New("backend spawn failed")
	ErrNotReady      = errors.New("backend did not become ready")
)

// startKey keys the singleflight group. There is exactly one backend, so
// one key: every concurrent start request attaches to the same attempt.
const startKey = "backend-start"

// ConfigState answers the supervisor's only configuration question:
// does a persisted backend configuration exist yet?
type ConfigState interface {
	Exists() bool
}

// Reporter collects a diagnostic report after a failed start. Implemented
// by the diag collector; rate limiting is the implementation's concern.
type Reporter interface {
	Collect(ctx context.Context, reason string, extra map[string]string) (string, error)
}

// Snapshot is the externally visible supervisor state, served by the
// health and status endpoints.
type Snapshot struct {
	State      State               `json:"state"`
	PID        int                 `json:"pid"`
	StartedAt  time.Time           `json:"started_at"`
	LastExit   *backend.ExitStatus `json:"last_exit,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
	LastReport string              `json:"last_report,omitempty"`
}

type Options struct {
	Backend backend.Spec
	Host    string // backend listen host, loopback in practice
	Port    int
	Token   string // gateway token handed to the backend via its environment
	Env     *env.Env
	Probe   probe.Options
	Config  ConfigState
	Journal store.Store    // optional run journal
	Sinks   []history.Sink // optional audit sinks
	Report  Reporter       // optional failure diagnostics
	Logger  *slog.Logger
}

// Supervisor owns the single backend child. All starts are serialized
// through the singleflight group; the mutex guards the state fields. The
// state machine is Stopped -> Starting -> Running -> Stopping -> Stopped,
// with Starting/Running -> Failed on spawn, readiness or exit failures.
type Supervisor struct {
	spec      backend.Spec
	baseURL   string
	launchEnv []string
	envM      *env.Env
	probeOpts probe.Options
	cfg       ConfigState
	journal   store.Store
	sinks     []history.Sink
	reporter  Reporter
	logger    *slog.Logger

	proc   *backend.Process
	flight singleflight.Group

	mu            sync.Mutex
	state         State
	stopRequested bool
	lastErr       error
	lastReport    string
	runKey        string
}

func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.Probe.Logger == nil {
		opts.Probe.Logger = opts.Logger
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	launch := []string{
		"WARDEN_BACKEND_HOST=" + opts.Host,
		"WARDEN_BACKEND_PORT=" + strconv.Itoa(opts.Port),
	}
	if opts.Token != "" {
		launch = append(launch, "WARDEN_BACKEND_TOKEN="+opts.Token)
	}
	return &Supervisor{
		spec:      opts.Backend,
		baseURL:   "http://" + addr,
		launchEnv: launch,
		envM:      opts.Env,
		probeOpts: opts.Probe,
		cfg:       opts.Config,
		journal:   opts.Journal,
		sinks:     opts.Sinks,
		reporter:  opts.Report,
		logger:    opts.Logger,
		proc:      backend.New(opts.Backend),
		state:     StateStopped,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Configured reports whether a persisted backend configuration exists.
func (s *Supervisor) Configured() bool { return s.cfg.Exists() }

// Snapshot returns the externally visible supervisor state.
func (s *Supervisor) Snapshot() Snapshot {
	ps := s.proc.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:      s.state,
		PID:        ps.PID,
		StartedAt:  ps.StartedAt,
		LastExit:   ps.LastExit,
		LastReport: s.lastReport,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Hint renders the last recorded failure for service-unavailable
// responses, pointing at the diagnostic report when one was collected.
func (s *Supervisor) Hint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return ""
	}
	hint := s.lastErr.Error()
	if s.lastReport != "" {
		hint += " (diagnostic report: " + s.lastReport + ")"
	}
	return hint
}

// EnsureRunning returns nil once the backend is running and ready. When a
// start attempt is already in flight the caller attaches to it instead of
// spawning a second child; all concurrent callers observe the outcome of
// the one attempt. The attempt itself is not bound to any caller's ctx: a
// canceled request must not abort a spawn other callers are waiting on.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning && s.proc.Alive() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ch := s.flight.DoChan(startKey, func() (any, error) {
		return nil, s.start(context.Background())
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start runs one complete start attempt. It executes inside the
// singleflight group, so at most one instance runs at a time.
func (s *Supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning && s.proc.Alive() {
		s.mu.Unlock()
		return nil
	}
	if !s.cfg.Exists() {
		s.lastErr = ErrNotConfigured
		s.mu.Unlock()
		return ErrNotConfigured
	}
	s.stopRequested = false
	s.mu.Unlock()

	s.setState(StateStarting, "")

	merged := s.envM.Merge(s.launchEnv)
	spec := s.spec
	spec.Command = env.Expand(spec.Command, merged)
	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		args[i] = env.Expand(a, merged)
	}
	spec.Args = args
	s.proc.UpdateSpec(spec)

	s.mu.Lock()
	aborted := s.stopRequested
	s.mu.Unlock()
	if aborted {
		s.setState(StateStopped, "start aborted")
		return fmt.Errorf("%w: aborted by stop request", ErrSpawn)
	}

	cmd := s.proc.ConfigureCmd(merged)
	launchedAt := time.Now()
	if err := s.proc.Start(cmd, s.onExit); err != nil {
		werr := fmt.Errorf("%w: %v", ErrSpawn, err)
		s.fail(ctx, werr)
		s.report(ctx, werr)
		return werr
	}

	pid := s.proc.PID()
	startedAt := s.proc.Snapshot().StartedAt
	s.mu.Lock()
	s.runKey = store.UniqueKey(pid, startedAt)
	s.mu.Unlock()

	metrics.IncSpawn()
	s.journalStart(ctx, pid, startedAt)
	s.logger.Info("backend spawned", "pid", pid, "command", spec.Command)

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	prober := probe.New(s.baseURL, s.probeOpts)
	probeErr := make(chan error, 1)
	go func() { probeErr <- prober.Wait(probeCtx) }()

	select {
	case err := <-probeErr:
		if err != nil {
			// The child is up but never answered; do not leave it
			// running half-started.
			_ = s.proc.Stop(s.spec.GracePeriod, s.spec.KillOnTimeout)
			werr := fmt.Errorf("%w: %v", ErrNotReady, err)
			s.fail(ctx, werr)
			s.report(ctx, werr)
			return werr
		}
	case <-s.proc.WaitDone():
		cancel()
		s.mu.Lock()
		stopped := s.stopRequested
		s.mu.Unlock()
		if stopped {
			return fmt.Errorf("%w: aborted by stop request", ErrSpawn)
		}
		werr := fmt.Errorf("%w: backend exited before ready", ErrSpawn)
		if exit := s.proc.Snapshot().LastExit; exit != nil {
			werr = fmt.Errorf("%w: backend exited before ready (%s)", ErrSpawn, exit)
		}
		s.fail(ctx, werr)
		s.report(ctx, werr)
		return werr
	}

	elapsed := time.Since(launchedAt)
	metrics.ObserveReadyWait(elapsed.Seconds())
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	s.setState(StateRunning, fmt.Sprintf("pid %d", pid))
	s.sendHistory(ctx, history.EventStart, pid, "ready in "+elapsed.Round(time.Millisecond).String())
	s.logger.Info("backend ready", "pid", pid, "elapsed", elapsed.Round(time.Millisecond))
	return nil
}

// Stop terminates the backend: SIGTERM to the process group, the grace
// window, then SIGKILL unless disabled. The state ends up Stopped even
// when the child refused to die; the error reports that case.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopping:
		s.mu.Unlock()
		return nil
	case StateStopped, StateFailed:
		if !s.proc.Alive() {
			s.mu.Unlock()
			return nil
		}
	}
	s.stopRequested = true
	s.mu.Unlock()

	pid := s.proc.PID()
	s.setState(StateStopping, "")
	err := s.proc.Stop(s.spec.GracePeriod, s.spec.KillOnTimeout)

	detail := ""
	if exit := s.proc.Snapshot().LastExit; exit != nil {
		detail = exit.String()
	}
	s.setState(StateStopped, detail)
	metrics.IncStop()
	s.sendHistory(ctx, history.EventStop, pid, detail)

	s.mu.Lock()
	s.stopRequested = false
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("stop backend: %w", err)
	}
	s.logger.Info("backend stopped", "pid", pid)
	return nil
}

// Restart is Stop followed by EnsureRunning. The singleflight group
// guarantees no second concurrent start even when restarts race with
// proxied requests.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		s.logger.Warn("stop before restart", "err", err)
	}
	return s.EnsureRunning(ctx)
}

// SweepOrphan terminates a backend left behind by a previous daemon run,
// identified by the pidfile. The recorded start time guards against PID
// reuse; zombies are skipped because they answer signals but never exit.
func (s *Supervisor) SweepOrphan(ctx context.Context) {
	pidFile := s.spec.PIDFile
	if pidFile == "" {
		return
	}
	pid, _, err := backend.ReadPIDFile(pidFile)
	if err != nil || pid <= 0 {
		return
	}
	alive, err := detector.PIDFileDetector{PIDFile: pidFile}.Alive()
	if err != nil || !alive {
		backend.RemovePIDFile(pidFile)
		return
	}
	if detector.Zombie(pid) {
		s.logger.Warn("previous backend is a zombie, leaving it to init", "pid", pid)
		backend.RemovePIDFile(pidFile)
		return
	}

	s.logger.Warn("terminating orphaned backend from a previous run", "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
	deadline := time.Now().Add(s.spec.GracePeriod)
	for time.Now().Before(deadline) {
		if alive, _ := (detector.PIDDetector{PID: pid}).Alive(); !alive {
			backend.RemovePIDFile(pidFile)
			s.appendJournal(ctx, store.Event{State: "orphan_swept", Detail: fmt.Sprintf("pid %d terminated", pid)})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	backend.RemovePIDFile(pidFile)
	s.appendJournal(ctx, store.Event{State: "orphan_swept", Detail: fmt.Sprintf("pid %d killed", pid)})
}

// onExit runs once per spawn, from the monitor goroutine, after the child
// is reaped. Expected exits (Stop in progress, start attempt still
// probing) are owned by their initiators; only an exit out of Running is
// handled here.
func (s *Supervisor) onExit(exit backend.ExitStatus) {
	s.journalExit(exit)
	metrics.IncExit(exit.Clean())

	s.mu.Lock()
	if s.state != StateRunning || s.stopRequested {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateFailed
	s.lastErr = fmt.Errorf("backend exited unexpectedly: %s", exit)
	key := s.runKey
	s.mu.Unlock()

	s.afterTransition(from, StateFailed, exit.String(), key)
	s.sendHistory(context.Background(), history.EventFail, 0, "unexpected exit: "+exit.String())
	s.logger.Error("backend exited unexpectedly", "exit", exit.String())
}

// fail records the cause and transitions to Failed.
func (s *Supervisor) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StateFailed, err.Error())
	s.sendHistory(ctx, history.EventFail, 0, err.Error())
}

// report triggers diagnostic collection; the reporter rate-limits.
func (s *Supervisor) report(ctx context.Context, cause error) {
	if s.reporter == nil {
		return
	}
	snap := s.Snapshot()
	extra := map[string]string{
		"state": string(snap.State),
		"pid":   strconv.Itoa(snap.PID),
	}
	if snap.LastExit != nil {
		extra["last_exit"] = snap.LastExit.String()
	}
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	path, err := s.reporter.Collect(cctx, cause.Error(), extra)
	if err != nil {
		s.logger.Warn("diagnostic collection failed", "err", err)
		return
	}
	if path != "" {
		s.mu.Lock()
		s.lastReport = path
		s.mu.Unlock()
	}
}

// setState applies an unconditional transition.
func (s *Supervisor) setState(to State, detail string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	key := s.runKey
	s.mu.Unlock()
	if from == to {
		return
	}
	s.afterTransition(from, to, detail, key)
}

// afterTransition emits the metrics and journal entry for a transition
// already applied under the lock.
func (s *Supervisor) afterTransition(from, to State, detail, runKey string) {
	metrics.RecordStateTransition(string(from), string(to))
	metrics.SetCurrentState(string(from), false)
	metrics.SetCurrentState(string(to), true)
	s.logger.Debug("state transition", "from", from, "to", to)
	s.appendJournal(context.Background(), store.Event{State: string(to), Detail: detail, RunKey: runKey})
}

func (s *Supervisor) appendJournal(ctx context.Context, ev store.Event) {
	if s.journal == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.journal.AppendEvent(cctx, ev); err != nil {
		s.logger.Warn("journal append failed", "err", err)
	}
}

func (s *Supervisor) journalStart(ctx context.Context, pid int, startedAt time.Time) {
	if s.journal == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	run := store.Run{
		PID:       pid,
		StartedAt: startedAt,
		Running:   true,
		Uniq:      store.UniqueKey(pid, startedAt),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.journal.RecordStart(cctx, run); err != nil {
		s.logger.Warn("journal start failed", "err", err)
	}
}

func (s *Supervisor) journalExit(exit backend.ExitStatus) {
	if s.journal == nil {
		return
	}
	s.mu.Lock()
	key := s.runKey
	s.mu.Unlock()
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	info := ""
	if !exit.Clean() {
		info = exit.String()
	}
	if err := s.journal.RecordExit(ctx, key, exit.At, info); err != nil {
		s.logger.Warn("journal exit failed", "err", err)
	}
	s.appendJournal(ctx, store.Event{At: exit.At, State: "exit", Detail: exit.String(), RunKey: key})
}

func (s *Supervisor) sendHistory(ctx context.Context, t history.EventType, pid int, detail string) {
	if len(s.sinks) == 0 {
		return
	}
	evt := history.Event{Type: t, OccurredAt: time.Now().UTC(), PID: pid, Detail: detail}
	for _, sink := range s.sinks {
		_ = sink.Send(ctx, evt)
	}
}
