// Package process starts, stops and tracks detached service processes.
//
// Liveness is always derived from the run record store and a probe of the
// recorded PID, never from in-memory handles, so a fresh supervisor (for
// example a new CLI invocation) sees the same state as the one that started
// the service.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/routerctl/internal/eventlog"
	"github.com/loykin/routerctl/internal/logger"
	"github.com/loykin/routerctl/internal/metrics"
	"github.com/loykin/routerctl/internal/runrecord"
)

var (
	// ErrUnknownService is returned for names that are not configured.
	ErrUnknownService = errors.New("unknown service")
	// ErrStopFailed aborts a restart whose stop could not confirm the old
	// process is gone.
	ErrStopFailed = errors.New("stop failed")
	// ErrLaunch wraps failures to spawn a service.
	ErrLaunch = errors.New("launch failed")
)

// Command describes how to launch a service.
type Command struct {
	Args []string
	Dir  string
	Env  []string // nil inherits the caller's environment
}

// Status is a point-in-time view of one service.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Stale     bool      `json:"stale,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	LogPath   string    `json:"log_path"`
}

type Options struct {
	Store  runrecord.Store
	Probe  Probe
	Events eventlog.Recorder
	// Services is the catalog consulted by Command.
	Services map[string]Command
	// LogDir receives <name>.log for each service's stdout and stderr.
	LogDir        string
	LogMaxSizeMB  int
	LogMaxBackups int
	// PollInterval is the liveness polling period while stopping.
	PollInterval time.Duration
	// KillPolls bounds the polls after SIGKILL before giving up.
	KillPolls int
	Logger    *slog.Logger
}

type Supervisor struct {
	opts  Options
	locks sync.Map // name -> *sync.Mutex
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Store == nil {
		opts.Store = runrecord.NewMemStore()
	}
	if opts.Probe == nil {
		opts.Probe = NewProbe()
	}
	if opts.Events == nil {
		opts.Events = eventlog.Discard{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.KillPolls <= 0 {
		opts.KillPolls = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{opts: opts}
}

// Command returns the configured launch command for name.
func (s *Supervisor) Command(name string) (Command, error) {
	c, ok := s.opts.Services[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return c, nil
}

// LogPath returns the file receiving name's output.
func (s *Supervisor) LogPath(name string) string {
	return filepath.Join(s.opts.LogDir, name+".log")
}

// lock serializes operations on one name within this process. Separate
// invocations are not serialized.
func (s *Supervisor) lock(name string) func() {
	v, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type observation struct {
	pid     int
	present bool // a record exists, possibly unreadable
	alive   bool
}

func (s *Supervisor) observe(name string) (observation, error) {
	pid, err := s.opts.Store.Read(name)
	switch {
	case err == nil:
		return observation{pid: pid, present: true, alive: s.opts.Probe.Alive(pid)}, nil
	case errors.Is(err, runrecord.ErrNotFound):
		return observation{}, nil
	case errors.Is(err, runrecord.ErrInvalid):
		return observation{present: true}, nil
	default:
		return observation{}, err
	}
}

// IsRunning reports whether name has a run record whose PID is alive. It
// never modifies the store.
func (s *Supervisor) IsRunning(name string) bool {
	obs, err := s.observe(name)
	return err == nil && obs.alive
}

// Status is IsRunning with detail. It never modifies the store.
func (s *Supervisor) Status(name string) (Status, error) {
	st := Status{Name: name, LogPath: s.LogPath(name)}
	obs, err := s.observe(name)
	if err != nil {
		return st, err
	}
	st.PID = obs.pid
	st.Running = obs.alive
	st.Stale = obs.present && !obs.alive
	if st.Running {
		st.StartedAt = startedAt(obs.pid)
	}
	metrics.SetUp(name, st.Running)
	return st, nil
}

// Start launches c for name unless it is already running, in which case the
// recorded PID is returned and nothing is spawned.
func (s *Supervisor) Start(name string, c Command) (int, error) {
	unlock := s.lock(name)
	defer unlock()
	return s.start(name, c)
}

func (s *Supervisor) start(name string, c Command) (int, error) {
	fail := func(err error) (int, error) {
		s.record(eventlog.ServiceStart, name, eventlog.ResultFailed, err.Error())
		metrics.IncStart(name, eventlog.ResultFailed)
		s.opts.Logger.Error("service start failed", "service", name, "error", err)
		return 0, err
	}
	if !runrecord.ValidName(name) {
		return fail(fmt.Errorf("%w: %q", runrecord.ErrBadName, name))
	}
	if len(c.Args) == 0 || c.Args[0] == "" {
		return fail(fmt.Errorf("%w: %s: empty command", ErrLaunch, name))
	}

	obs, err := s.observe(name)
	if err != nil {
		return fail(err)
	}
	if obs.alive {
		s.record(eventlog.ServiceStart, name, eventlog.ResultAlreadyRunning, fmt.Sprintf("pid=%d", obs.pid))
		metrics.IncStart(name, eventlog.ResultAlreadyRunning)
		return obs.pid, nil
	}
	if obs.present {
		if err := s.opts.Store.Remove(name); err != nil {
			return fail(err)
		}
		s.opts.Logger.Debug("removed stale run record", "service", name, "pid", obs.pid)
	}

	pid, err := s.launch(name, c)
	if err != nil {
		return fail(err)
	}
	s.record(eventlog.ServiceStart, name, eventlog.ResultSuccess, fmt.Sprintf("pid=%d", pid))
	metrics.IncStart(name, eventlog.ResultSuccess)
	metrics.SetUp(name, true)
	s.opts.Logger.Info("service started", "service", name, "pid", pid)
	return pid, nil
}

func (s *Supervisor) launch(name string, c Command) (int, error) {
	logPath := s.LogPath(name)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrLaunch, name, err)
	}
	if err := logger.RotateIfLarger(logPath, s.opts.LogMaxSizeMB, s.opts.LogMaxBackups); err != nil {
		s.opts.Logger.Warn("service log rotation failed", "service", name, "error", err)
	}
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrLaunch, name, err)
	}
	// the child holds its own descriptor once started
	defer func() { _ = out.Close() }()

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = out
	cmd.Stderr = out
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrLaunch, name, err)
	}
	pid := cmd.Process.Pid
	if err := s.opts.Store.Write(name, pid); err != nil {
		_ = s.opts.Probe.Signal(pid, SignalKill)
		_ = cmd.Wait()
		return 0, fmt.Errorf("%w: %s: write run record: %w", ErrLaunch, name, err)
	}
	// reap the child if it exits while this process is still around
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// Stop terminates name, escalating to a forced kill after timeout. It
// returns true once the process is confirmed gone and its record removed,
// and false if that could not be confirmed.
func (s *Supervisor) Stop(name string, timeout time.Duration) bool {
	unlock := s.lock(name)
	defer unlock()
	return s.stop(name, timeout)
}

func (s *Supervisor) stop(name string, timeout time.Duration) bool {
	obs, err := s.observe(name)
	if err != nil {
		s.stopped(name, eventlog.ResultFailed, err.Error())
		return false
	}
	if !obs.present {
		s.stopped(name, eventlog.ResultNotRunning, "")
		return true
	}
	if !obs.alive {
		if err := s.opts.Store.Remove(name); err != nil {
			s.stopped(name, eventlog.ResultFailed, err.Error())
			return false
		}
		s.stopped(name, eventlog.ResultStalePID, fmt.Sprintf("pid=%d", obs.pid))
		return true
	}

	pid := obs.pid
	// the process may already be gone; polling below settles it
	_ = s.opts.Probe.Signal(pid, SignalTerminate)
	result := eventlog.ResultSuccess
	if !s.waitUntil(pid, time.Now().Add(timeout)) {
		s.opts.Logger.Warn("service ignored terminate, killing", "service", name, "pid", pid, "timeout", timeout)
		_ = s.opts.Probe.Signal(pid, SignalKill)
		deadline := time.Now().Add(time.Duration(s.opts.KillPolls) * s.opts.PollInterval)
		if !s.waitUntil(pid, deadline) {
			s.stopped(name, eventlog.ResultFailed, fmt.Sprintf("pid=%d survived kill", pid))
			return false
		}
		result = eventlog.ResultKilled
	}
	if err := s.opts.Store.Remove(name); err != nil {
		s.stopped(name, eventlog.ResultFailed, err.Error())
		return false
	}
	s.stopped(name, result, fmt.Sprintf("pid=%d", pid))
	return true
}

// waitUntil polls pid until it is dead or deadline passes.
func (s *Supervisor) waitUntil(pid int, deadline time.Time) bool {
	for {
		if !s.opts.Probe.Alive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(s.opts.PollInterval)
	}
}

func (s *Supervisor) stopped(name, result, detail string) {
	s.record(eventlog.ServiceStop, name, result, detail)
	metrics.IncStop(name, result)
	if result == eventlog.ResultFailed {
		s.opts.Logger.Error("service stop failed", "service", name, "detail", detail)
		return
	}
	metrics.SetUp(name, false)
	s.opts.Logger.Info("service stopped", "service", name, "result", result)
}

// Restart stops name and starts c. If the stop can not be confirmed the
// start is not attempted and ErrStopFailed is returned.
func (s *Supervisor) Restart(name string, c Command, timeout time.Duration) (int, error) {
	unlock := s.lock(name)
	defer unlock()

	if !s.stop(name, timeout) {
		err := fmt.Errorf("%w: %s", ErrStopFailed, name)
		s.record(eventlog.ServiceRestart, name, eventlog.ResultFailed, err.Error())
		metrics.IncRestart(name, eventlog.ResultFailed)
		return 0, err
	}
	pid, err := s.start(name, c)
	if err != nil {
		s.record(eventlog.ServiceRestart, name, eventlog.ResultFailed, err.Error())
		metrics.IncRestart(name, eventlog.ResultFailed)
		return 0, err
	}
	s.record(eventlog.ServiceRestart, name, eventlog.ResultSuccess, fmt.Sprintf("pid=%d", pid))
	metrics.IncRestart(name, eventlog.ResultSuccess)
	return pid, nil
}

func (s *Supervisor) record(kind, name, result, detail string) {
	s.opts.Events.Record(eventlog.Event{Event: kind, Service: name, Result: result, Detail: detail})
}
