// ABOUTME: Tests for the gateway process supervisor
// ABOUTME: Uses fake launchers/probers to cover startup timeout, restart, instability and polling

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/brokergate/internal/backoff"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProber struct {
	calls atomic.Int32
	fn    atomic.Value // func(n int32) error
}

func newFakeProber(fn func(n int32) error) *fakeProber {
	p := &fakeProber{}
	p.fn.Store(fn)
	return p
}

func (p *fakeProber) set(fn func(n int32) error) { p.fn.Store(fn) }

func (p *fakeProber) Probe(ctx context.Context) error {
	n := p.calls.Add(1)
	return p.fn.Load().(func(int32) error)(n)
}

func alwaysUp(int32) error   { return nil }
func alwaysDown(int32) error { return errors.New("connection refused") }

type fakeProcess struct {
	pid    int
	exit   chan error
	once   sync.Once
	killed atomic.Bool
}

func (p *fakeProcess) PID() int    { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.exit }
func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.finish(errors.New("signal: killed"))
	return nil
}
func (p *fakeProcess) finish(err error) {
	p.once.Do(func() { p.exit <- err })
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
}

func (l *fakeLauncher) Launch() (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := &fakeProcess{pid: 1000 + len(l.procs), exit: make(chan error, 1)}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func fastConfig() Config {
	return Config{
		StartupTimeout:    60 * time.Millisecond,
		ProbeInterval:     5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		UnstableExits:     3,
		UnstableWindow:    time.Minute,
		ProbeFailureLimit: 3,
		RestartBackoff:    backoff.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
	}
}

func TestEnsureRunning_ExternalUnreachable(t *testing.T) {
	prober := newFakeProber(alwaysDown)
	s := New(nil, prober, fastConfig(), testLogger())

	err := s.EnsureRunning(context.Background())

	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.GreaterOrEqual(t, se.Probes, 3)
	assert.GreaterOrEqual(t, int(prober.calls.Load()), 3)
	assert.EqualError(t, se.Cause, "connection refused")

	st := s.State()
	assert.False(t, st.Running)
	assert.False(t, st.Managed)
	assert.NotEmpty(t, st.LastError)
}

func TestEnsureRunning_ExternalBecomesReady(t *testing.T) {
	prober := newFakeProber(func(n int32) error {
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	s := New(nil, prober, fastConfig(), testLogger())

	require.NoError(t, s.EnsureRunning(context.Background()))
	assert.True(t, s.State().Running)
	assert.Equal(t, int32(3), prober.calls.Load())

	// already running: no further probing
	require.NoError(t, s.EnsureRunning(context.Background()))
	assert.Equal(t, int32(3), prober.calls.Load())
}

func TestEnsureRunning_ContextCanceled(t *testing.T) {
	s := New(nil, newFakeProber(alwaysDown), Config{StartupTimeout: time.Hour, ProbeInterval: time.Millisecond}, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.EnsureRunning(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnsureRunning_LaunchesManagedProcess(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher, newFakeProber(alwaysUp), fastConfig(), testLogger())
	defer s.Stop(context.Background())

	var events []string
	var mu sync.Mutex
	s.OnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Kind)
		mu.Unlock()
	})

	require.NoError(t, s.EnsureRunning(context.Background()))
	require.NoError(t, s.EnsureRunning(context.Background()))

	assert.Equal(t, 1, launcher.count())
	st := s.State()
	assert.True(t, st.Managed)
	assert.True(t, st.Running)
	assert.Equal(t, 1000, st.PID)
	assert.False(t, st.StartedAt.IsZero())

	mu.Lock()
	assert.Equal(t, []string{EventStarted, EventReady}, events)
	mu.Unlock()
}

func TestEnsureRunning_LaunchError(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("no such file")}
	s := New(launcher, newFakeProber(alwaysUp), fastConfig(), testLogger())

	var se *StartupError
	require.ErrorAs(t, s.EnsureRunning(context.Background()), &se)
	assert.False(t, s.State().Running)
}

func TestEnsureRunning_ProcessDiesDuringStartup(t *testing.T) {
	launcher := &fakeLauncher{}
	prober := newFakeProber(alwaysDown)
	cfg := fastConfig()
	cfg.StartupTimeout = time.Second
	s := New(launcher, prober, cfg, testLogger())
	defer s.Stop(context.Background())

	go func() {
		for launcher.count() == 0 {
			time.Sleep(time.Millisecond)
		}
		launcher.last().finish(errors.New("exit status 1"))
	}()

	err := s.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, ErrProcessExited)
	assert.False(t, s.State().Running)
	// a startup death is not an unexpected exit: no automatic restart
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, launcher.count())
}

func TestEnsureRunning_StartupTimeoutKillsProcess(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher, newFakeProber(alwaysDown), fastConfig(), testLogger())
	defer s.Stop(context.Background())

	var se *StartupError
	require.ErrorAs(t, s.EnsureRunning(context.Background()), &se)
	assert.True(t, launcher.last().killed.Load())
	assert.Zero(t, s.State().PID)
}

func TestUnexpectedExit_RestartsOnce(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher, newFakeProber(alwaysUp), fastConfig(), testLogger())
	defer s.Stop(context.Background())

	var downs, restarts atomic.Int32
	s.OnDown(func() { downs.Add(1) })
	s.OnRestart(func() { restarts.Add(1) })

	require.NoError(t, s.EnsureRunning(context.Background()))
	launcher.last().finish(errors.New("exit status 137"))

	require.Eventually(t, func() bool { return restarts.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), downs.Load())
	assert.Equal(t, 2, launcher.count())

	st := s.State()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 1001, st.PID)
	assert.False(t, st.LastRestart.IsZero())
	assert.False(t, st.Unstable)
}

func TestRepeatedExits_BecomeUnstable(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher, newFakeProber(alwaysUp), fastConfig(), testLogger())
	defer s.Stop(context.Background())

	var unstable atomic.Bool
	s.OnEvent(func(ev Event) {
		if ev.Kind == EventUnstable {
			unstable.Store(true)
		}
	})

	require.NoError(t, s.EnsureRunning(context.Background()))

	for i := 0; i < 3; i++ {
		want := i + 1
		require.Eventually(t, func() bool {
			return launcher.count() == want && s.State().Running
		}, time.Second, time.Millisecond)
		launcher.last().finish(errors.New("crash"))
	}

	require.Eventually(t, unstable.Load, time.Second, time.Millisecond)
	st := s.State()
	assert.True(t, st.Unstable)
	assert.False(t, st.Running)
	assert.Equal(t, 3, launcher.count())

	var ue *UnstableError
	require.ErrorAs(t, s.EnsureRunning(context.Background()), &ue)
	assert.Equal(t, 3, ue.Exits)
	assert.Equal(t, 3, launcher.count(), "no launch once unstable")
}

func TestExitsOutsideWindowDoNotAccumulate(t *testing.T) {
	launcher := &fakeLauncher{}
	cfg := fastConfig()
	cfg.UnstableWindow = 5 * time.Minute
	s := New(launcher, newFakeProber(alwaysUp), cfg, testLogger())
	defer s.Stop(context.Background())

	clock := time.Now()
	var clockMu sync.Mutex
	s.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	require.NoError(t, s.EnsureRunning(context.Background()))
	for i := 0; i < 4; i++ {
		want := i + 1
		require.Eventually(t, func() bool {
			return launcher.count() == want && s.State().Running
		}, time.Second, time.Millisecond)

		clockMu.Lock()
		clock = clock.Add(3 * time.Minute)
		clockMu.Unlock()
		launcher.last().finish(errors.New("crash"))
	}

	require.Eventually(t, func() bool { return launcher.count() == 5 && s.State().Running }, time.Second, time.Millisecond)
	assert.False(t, s.State().Unstable)
}

func TestPoll_ExternalDownAndRecovered(t *testing.T) {
	prober := newFakeProber(alwaysUp)
	s := New(nil, prober, fastConfig(), testLogger())
	require.NoError(t, s.EnsureRunning(context.Background()))

	var downs, restarts atomic.Int32
	s.OnDown(func() { downs.Add(1) })
	s.OnRestart(func() { restarts.Add(1) })

	prober.set(alwaysDown)
	s.Poll(context.Background())
	s.Poll(context.Background())
	assert.True(t, s.State().Running, "below failure limit")

	s.Poll(context.Background())
	assert.False(t, s.State().Running)
	assert.Equal(t, int32(1), downs.Load())

	s.Poll(context.Background())
	assert.Equal(t, int32(1), downs.Load(), "down fires once")

	prober.set(alwaysUp)
	s.Poll(context.Background())
	assert.True(t, s.State().Running)
	assert.Equal(t, int32(1), restarts.Load())
}

func TestPoll_ExternalFirstContactIsNotARestart(t *testing.T) {
	s := New(nil, newFakeProber(alwaysUp), fastConfig(), testLogger())

	var restarts atomic.Int32
	var mu sync.Mutex
	var kinds []string
	s.OnRestart(func() { restarts.Add(1) })
	s.OnEvent(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	s.Poll(context.Background())

	st := s.State()
	assert.True(t, st.Running)
	assert.Zero(t, st.Restarts)
	assert.True(t, st.LastRestart.IsZero())
	assert.Zero(t, restarts.Load())
	mu.Lock()
	assert.Equal(t, []string{EventReady}, kinds)
	mu.Unlock()
}

func TestPoll_ManagedHungProcessIsKilledAndRestarted(t *testing.T) {
	launcher := &fakeLauncher{}
	prober := newFakeProber(alwaysUp)
	s := New(launcher, prober, fastConfig(), testLogger())
	defer s.Stop(context.Background())

	require.NoError(t, s.EnsureRunning(context.Background()))
	first := launcher.last()

	prober.set(alwaysDown)
	for i := 0; i < 3; i++ {
		s.Poll(context.Background())
	}
	assert.True(t, first.killed.Load())

	prober.set(alwaysUp)
	require.Eventually(t, func() bool { return launcher.count() == 2 && s.State().Running }, time.Second, time.Millisecond)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(nil, newFakeProber(alwaysUp), fastConfig(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestStop_NoRestartAfterStop(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(launcher, newFakeProber(alwaysUp), fastConfig(), testLogger())

	require.NoError(t, s.EnsureRunning(context.Background()))
	proc := launcher.last()

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, proc.killed.Load())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, launcher.count())
	assert.False(t, s.State().Running)
}
