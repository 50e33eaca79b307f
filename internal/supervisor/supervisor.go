// ABOUTME: Supervises the local brokerage gateway process: spawn, readiness, restart
// ABOUTME: Repeated rapid exits mark the gateway unstable and stop auto-restart

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/brokergate/internal/backoff"
)

// Prober checks whether the gateway answers on its local API.
type Prober interface {
	Probe(ctx context.Context) error
}

// Process is a started gateway process.
type Process interface {
	PID() int
	Wait() error
	Kill() error
}

// Launcher starts gateway processes.
type Launcher interface {
	Launch() (Process, error)
}

// StartupError is returned when the gateway does not become ready in time.
type StartupError struct {
	Probes  int
	Timeout time.Duration
	Cause   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("gateway not ready after %d probes within %s: %v", e.Probes, e.Timeout, e.Cause)
}

func (e *StartupError) Unwrap() error { return e.Cause }

// UnstableError is returned once the gateway exited too often; auto-restart is off.
type UnstableError struct {
	Exits  int
	Window time.Duration
}

func (e *UnstableError) Error() string {
	return fmt.Sprintf("gateway unstable: %d exits within %s, manual intervention required", e.Exits, e.Window)
}

// ErrProcessExited is the startup cause when the process dies before becoming ready.
var ErrProcessExited = errors.New("gateway process exited during startup")

// State is a snapshot of the supervised process.
type State struct {
	Managed     bool      `json:"managed"`
	PID         int       `json:"pid,omitempty"`
	Running     bool      `json:"running"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	LastRestart time.Time `json:"last_restart,omitzero"`
	Restarts    int       `json:"restarts"`
	Unstable    bool      `json:"unstable"`
	LastError   string    `json:"last_error,omitempty"`
}

// Event is emitted on process lifecycle changes.
type Event struct {
	Kind   string
	Detail map[string]any
}

// Event kinds.
const (
	EventStarted       = "gateway_started"
	EventReady         = "gateway_ready"
	EventStartupFailed = "gateway_startup_failed"
	EventExited        = "gateway_exited"
	EventDown          = "gateway_down"
	EventRestarted     = "gateway_restarted"
	EventUnstable      = "gateway_unstable"
)

// Config holds supervisor timing.
type Config struct {
	StartupTimeout    time.Duration
	ProbeInterval     time.Duration
	PollInterval      time.Duration
	UnstableExits     int
	UnstableWindow    time.Duration
	ProbeFailureLimit int
	RestartBackoff    backoff.Backoff
}

// Supervisor owns the gateway process handle. A nil Launcher means the
// gateway is managed externally: the supervisor only probes it.
type Supervisor struct {
	launcher Launcher
	prober   Prober
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	startMu sync.Mutex // serializes start attempts

	mu            sync.RWMutex
	state         State
	current       Process
	exits         []time.Time
	probeFailures int
	everUp        bool // the gateway has been ready at least once
	stopping      bool
	onDown        []func()
	onRestart     []func()
	onEvent       []func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. launcher may be nil for an externally managed gateway.
func New(launcher Launcher, prober Prober, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.UnstableExits <= 0 {
		cfg.UnstableExits = 3
	}
	if cfg.UnstableWindow <= 0 {
		cfg.UnstableWindow = 5 * time.Minute
	}
	if cfg.ProbeFailureLimit <= 0 {
		cfg.ProbeFailureLimit = 3
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		launcher: launcher,
		prober:   prober,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		state:    State{Managed: launcher != nil},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns a snapshot of the process state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnDown registers fn to run when a running gateway goes down.
func (s *Supervisor) OnDown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDown = append(s.onDown, fn)
}

// OnRestart registers fn to run after the gateway came back on its own
// (automatic restart, or an external gateway reachable again).
func (s *Supervisor) OnRestart(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRestart = append(s.onRestart, fn)
}

// OnEvent registers fn to receive lifecycle events.
func (s *Supervisor) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = append(s.onEvent, fn)
}

// EnsureRunning returns nil once the gateway answers its readiness probe,
// starting the process first when it is managed and not running.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()

	if st.Unstable {
		return s.unstableError()
	}
	if st.Running {
		return nil
	}
	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) error {
	var proc Process
	var done chan struct{}

	if s.launcher != nil {
		var err error
		proc, err = s.launcher.Launch()
		if err != nil {
			s.setLastError(err)
			s.emit(Event{Kind: EventStartupFailed, Detail: map[string]any{"error": err.Error()}})
			return &StartupError{Timeout: s.cfg.StartupTimeout, Cause: fmt.Errorf("launching gateway: %w", err)}
		}

		done = make(chan struct{})
		s.mu.Lock()
		s.current = proc
		s.state.PID = proc.PID()
		s.state.StartedAt = s.now()
		s.mu.Unlock()

		s.logger.Info("gateway process started", "pid", proc.PID())
		s.emit(Event{Kind: EventStarted, Detail: map[string]any{"pid": proc.PID()}})

		s.wg.Add(1)
		go s.watch(proc, done)
	}

	if err := s.waitReady(ctx, done); err != nil {
		if proc != nil {
			s.mu.Lock()
			if s.current == proc {
				s.current = nil
				s.state.PID = 0
			}
			s.mu.Unlock()
			_ = proc.Kill()
		}
		s.setLastError(err)
		s.logger.Error("gateway failed to become ready", "error", err)
		s.emit(Event{Kind: EventStartupFailed, Detail: map[string]any{"error": err.Error()}})
		return err
	}

	s.mu.Lock()
	s.state.Running = true
	s.state.LastError = ""
	s.probeFailures = 0
	s.everUp = true
	s.mu.Unlock()

	s.logger.Info("gateway ready", "managed", proc != nil)
	s.emit(Event{Kind: EventReady})
	return nil
}

// waitReady polls the probe until it succeeds, StartupTimeout elapses, ctx
// ends, or the process exits (done closed).
func (s *Supervisor) waitReady(ctx context.Context, done <-chan struct{}) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	probes := 0
	var last error
	for {
		probes++
		last = s.prober.Probe(deadlineCtx)
		if last == nil {
			return nil
		}
		s.logger.Debug("gateway readiness probe failed", "probe", probes, "error", last)

		timer := time.NewTimer(s.cfg.ProbeInterval)
		select {
		case <-deadlineCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &StartupError{Probes: probes, Timeout: s.cfg.StartupTimeout, Cause: last}
		case <-done:
			timer.Stop()
			return &StartupError{Probes: probes, Timeout: s.cfg.StartupTimeout, Cause: ErrProcessExited}
		case <-timer.C:
		}
	}
}

// watch waits for proc to exit. Exits of a process that never became
// ready are handled by start.
func (s *Supervisor) watch(proc Process, done chan struct{}) {
	defer s.wg.Done()

	err := proc.Wait()
	close(done)

	s.mu.Lock()
	wasReady := s.current == proc && s.state.Running
	if s.current == proc {
		s.current = nil
		s.state.Running = false
		s.state.PID = 0
	}
	stopping := s.stopping
	s.mu.Unlock()

	if stopping || !wasReady {
		return
	}

	cause := err
	if cause == nil {
		cause = errors.New("gateway process exited")
	}
	s.logger.Warn("gateway process exited unexpectedly", "pid", proc.PID(), "error", cause)
	s.emit(Event{Kind: EventExited, Detail: map[string]any{"pid": proc.PID(), "error": cause.Error()}})
	s.fireDown()
	s.handleExit(cause)
}

// handleExit records the exit and restarts with backoff until the gateway
// is ready again, the supervisor is stopped, or it becomes unstable.
func (s *Supervisor) handleExit(cause error) {
	for {
		attempt, unstable := s.recordExit(cause)
		if unstable {
			ue := s.unstableError()
			s.logger.Error("gateway unstable, auto-restart disabled", "exits", ue.Exits, "window", ue.Window)
			s.emit(Event{Kind: EventUnstable, Detail: map[string]any{"exits": ue.Exits, "window": ue.Window.String()}})
			return
		}

		wait := s.cfg.RestartBackoff.Next(attempt)
		s.logger.Info("scheduling gateway restart", "attempt", attempt, "in", wait)
		if err := backoff.Sleep(s.ctx, wait); err != nil {
			return
		}

		err := s.EnsureRunning(s.ctx)
		if err == nil {
			s.mu.Lock()
			s.state.Restarts++
			s.state.LastRestart = s.now()
			restarts := s.state.Restarts
			s.mu.Unlock()

			s.logger.Info("gateway restarted", "restarts", restarts)
			s.emit(Event{Kind: EventRestarted, Detail: map[string]any{"restarts": restarts}})
			s.fireRestart()
			return
		}

		var ue *UnstableError
		if errors.As(err, &ue) || s.ctx.Err() != nil {
			return
		}
		cause = err
	}
}

// recordExit appends an exit inside the sliding window and reports the
// restart attempt number and whether the threshold was reached.
func (s *Supervisor) recordExit(cause error) (attempt int, unstable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.cfg.UnstableWindow)
	kept := s.exits[:0]
	for _, t := range s.exits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.exits = append(kept, now)
	s.state.LastError = cause.Error()

	if len(s.exits) >= s.cfg.UnstableExits {
		s.state.Unstable = true
		s.state.Running = false
		s.state.LastError = (&UnstableError{Exits: len(s.exits), Window: s.cfg.UnstableWindow}).Error()
		return len(s.exits), true
	}
	return len(s.exits), false
}

// Run polls gateway liveness every PollInterval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs one liveness check.
func (s *Supervisor) Poll(ctx context.Context) {
	s.mu.RLock()
	st := s.state
	proc := s.current
	s.mu.RUnlock()

	if st.Unstable {
		return
	}
	if s.launcher != nil && (!st.Running || proc == nil) {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval)
	err := s.prober.Probe(pctx)
	cancel()

	if err == nil {
		s.mu.Lock()
		s.probeFailures = 0
		reached := s.launcher == nil && !s.state.Running
		recovered := reached && s.everUp
		if reached {
			s.state.Running = true
			s.state.LastError = ""
			s.everUp = true
		}
		if recovered {
			s.state.LastRestart = s.now()
			s.state.Restarts++
		}
		s.mu.Unlock()

		switch {
		case recovered:
			s.logger.Info("external gateway reachable again")
			s.emit(Event{Kind: EventRestarted})
			s.fireRestart()
		case reached:
			s.logger.Info("external gateway reachable")
			s.emit(Event{Kind: EventReady})
		}
		return
	}

	s.mu.Lock()
	s.probeFailures++
	failures := s.probeFailures
	over := failures >= s.cfg.ProbeFailureLimit
	wentDown := over && s.launcher == nil && s.state.Running
	if wentDown {
		s.state.Running = false
		s.state.LastError = err.Error()
	}
	s.mu.Unlock()

	s.logger.Warn("gateway liveness probe failed", "failures", failures, "error", err)
	if !over {
		return
	}

	if s.launcher != nil {
		// hung process: kill it so watch runs the exit/restart path
		s.logger.Error("gateway unresponsive, killing process", "pid", proc.PID())
		_ = proc.Kill()
		return
	}
	if wentDown {
		s.emit(Event{Kind: EventDown, Detail: map[string]any{"error": err.Error()}})
		s.fireDown()
	}
}

// Stop kills the managed process and waits for supervisor goroutines.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	proc := s.current
	s.mu.Unlock()

	s.cancel()
	if proc != nil {
		s.logger.Info("stopping gateway process", "pid", proc.PID())
		_ = proc.Kill()
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for gateway process: %w", ctx.Err())
	}
}

func (s *Supervisor) unstableError() *UnstableError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &UnstableError{Exits: len(s.exits), Window: s.cfg.UnstableWindow}
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.state.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Supervisor) emit(ev Event) {
	s.mu.RLock()
	fns := s.onEvent
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Supervisor) fireDown() {
	s.mu.RLock()
	fns := s.onDown
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Supervisor) fireRestart() {
	s.mu.RLock()
	fns := s.onRestart
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}
