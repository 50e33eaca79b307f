// ABOUTME: Periodic keep-alive against the gateway with failure escalation
// ABOUTME: One failure marks the session expiring, the threshold triggers reauthentication

package keepalive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/brokergate/internal/session"
)

// Pinger calls the gateway keep-alive endpoint.
type Pinger interface {
	Keepalive(ctx context.Context) error
}

// Reauthenticator restarts the login flow.
type Reauthenticator interface {
	Authenticate(ctx context.Context) error
}

// Loop keeps the brokerage session alive.
type Loop struct {
	Session          *session.Session
	Pinger           Pinger
	Reauth           Reauthenticator
	Interval         time.Duration
	FailureThreshold int
	// Timeout bounds a single ping; zero means Interval.
	Timeout time.Duration
	Logger  *slog.Logger

	wg sync.WaitGroup
}

// Run ticks every Interval until ctx is done, then waits for any
// reauthentication it started.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer l.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one keep-alive when the session is authenticated or
// expiring. The result is discarded if the session changed during the ping.
func (l *Loop) Tick(ctx context.Context) {
	snap := l.Session.Snapshot()
	if snap.Status != session.StatusAuthenticated && snap.Status != session.StatusExpiring {
		return
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = l.Interval
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	err := l.Pinger.Keepalive(pctx)
	cancel()

	if ctx.Err() != nil {
		return
	}
	if err == nil {
		l.succeed(snap)
		return
	}
	l.failed(ctx, snap, err)
}

func (l *Loop) succeed(snap session.Snapshot) {
	now := l.Session.Now()
	_, err := l.Session.Update(snap.Version, func(st *session.Snapshot) error {
		st.Status = session.StatusAuthenticated
		st.Failures = 0
		st.LastKeepaliveAt = now
		st.LastError = ""
		return nil
	})
	if errors.Is(err, session.ErrStale) {
		l.logger().Debug("discarding stale keep-alive result", "version", snap.Version)
		return
	}
	if err != nil {
		l.logger().Warn("applying keep-alive success", "error", err)
		return
	}
	if snap.Status == session.StatusExpiring {
		l.logger().Info("keep-alive recovered", "after_failures", snap.Failures)
	}
}

func (l *Loop) failed(ctx context.Context, snap session.Snapshot, cause error) {
	threshold := l.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}

	next, err := l.Session.Update(snap.Version, func(st *session.Snapshot) error {
		st.Status = session.StatusExpiring
		st.Failures++
		st.LastError = cause.Error()
		return nil
	})
	if errors.Is(err, session.ErrStale) {
		l.logger().Debug("discarding stale keep-alive failure", "version", snap.Version)
		return
	}
	if err != nil {
		l.logger().Warn("applying keep-alive failure", "error", err)
		return
	}
	l.logger().Warn("keep-alive failed", "failures", next.Failures, "threshold", threshold, "error", cause)

	if next.Failures < threshold {
		return
	}

	_, err = l.Session.Update(next.Version, func(st *session.Snapshot) error {
		st.Status = session.StatusReauthenticating
		return nil
	})
	if err != nil {
		l.logger().Debug("reauthentication already under way", "error", err)
		return
	}

	l.logger().Warn("keep-alive failure threshold reached, reauthenticating", "failures", next.Failures)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		// ctx only bounds the wait; the attempt itself belongs to the flow
		if err := l.Reauth.Authenticate(ctx); err != nil && ctx.Err() == nil {
			l.logger().Error("reauthentication failed", "error", err)
		}
	}()
}

// Wait blocks until reauthentications started by Tick have returned.
func (l *Loop) Wait() { l.wg.Wait() }

func (l *Loop) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
