// ABOUTME: Drives the gateway login sequence and owns session status transitions
// ABOUTME: One attempt in flight at a time; retries with backoff, then FAILED

package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/brokergate/internal/backoff"
	"github.com/2389/brokergate/internal/credentials"
	"github.com/2389/brokergate/internal/session"
	"github.com/2389/brokergate/internal/supervisor"
	"github.com/2389/brokergate/internal/upstream"
)

var (
	// ErrNotConfirmed means login calls succeeded but the gateway does not
	// report an authenticated session.
	ErrNotConfirmed = errors.New("gateway did not confirm authentication")

	// ErrSuperseded means the session was reset (logout, gateway restart)
	// while the attempt was running.
	ErrSuperseded = errors.New("session reset during authentication")

	// ErrClosed is returned once the flow has been closed.
	ErrClosed = errors.New("authentication flow closed")
)

// AuthenticationError is returned after every attempt failed.
type AuthenticationError struct {
	Attempts int
	Cause    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

// Gateway is the subset of the gateway API used to log in and out.
type Gateway interface {
	Login(ctx context.Context, username, password string) (upstream.LoginResult, error)
	SubmitSecondFactor(ctx context.Context, code string) error
	AuthStatus(ctx context.Context) (upstream.AuthStatus, error)
	Logout(ctx context.Context) error
}

// CredentialSource hands out credentials for the duration of a callback.
type CredentialSource interface {
	Use(fn func(credentials.Credentials) error) error
}

// Ensurer makes sure the gateway process is up before logging in.
type Ensurer interface {
	EnsureRunning(ctx context.Context) error
}

// Config wires a Flow.
type Config struct {
	Session      *session.Session
	Credentials  CredentialSource
	Gateway      Gateway
	Process      Ensurer // optional
	SecondFactor SecondFactor
	Backoff      backoff.Backoff
	MaxAttempts  int
	Logger       *slog.Logger

	// Sleep waits between attempts; nil means backoff.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Flow authenticates the single brokerage session.
type Flow struct {
	cfg     Config
	group   singleflight.Group
	resetMu sync.Mutex
	gen     atomic.Uint64 // bumped by Reset
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// New creates a Flow. Attempts run on a context owned by the flow and are
// abandoned only by Close.
func New(cfg Config) *Flow {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SecondFactor == nil {
		cfg.SecondFactor = NoSecondFactor{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = backoff.Sleep
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger,
	}
}

// Session returns the session this flow owns.
func (f *Flow) Session() *session.Session { return f.cfg.Session }

const flightKey = "authenticate"

// Authenticate logs in, or joins the attempt already in flight. ctx only
// bounds how long this caller waits.
func (f *Flow) Authenticate(ctx context.Context) error {
	if f.ctx.Err() != nil {
		return ErrClosed
	}
	ch := f.group.DoChan(flightKey, func() (any, error) {
		return nil, f.run(f.ctx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Logout ends the brokerage session and resets the session to unauthenticated.
// The session is reset even when the gateway call fails.
func (f *Flow) Logout(ctx context.Context) error {
	err := f.cfg.Gateway.Logout(ctx)
	f.Reset("logged out")
	if err != nil {
		return fmt.Errorf("gateway logout: %w", err)
	}
	f.logger.Info("brokerage session logged out")
	return nil
}

// Reset drops the session back to unauthenticated without calling the gateway.
// The attempt in flight, if any, is superseded and the next Authenticate
// starts a fresh one instead of joining it.
func (f *Flow) Reset(reason string) {
	f.resetMu.Lock()
	defer f.resetMu.Unlock()
	f.gen.Add(1)
	f.group.Forget(flightKey)
	f.cfg.Session.Reset(reason)
}

// Close abandons any in-flight attempt and rejects new ones.
func (f *Flow) Close() {
	f.cancel()
}

func (f *Flow) run(ctx context.Context) error {
	f.resetMu.Lock()
	gen := f.gen.Load()
	err := f.begin()
	f.resetMu.Unlock()
	if err != nil {
		return err
	}

	var last error
	attempts := 0
	for attempts < f.cfg.MaxAttempts {
		attempts++
		last = f.attempt(ctx, gen)
		if last == nil {
			return f.succeed(gen)
		}

		var unstable *supervisor.UnstableError
		if errors.As(last, &unstable) || errors.Is(last, ErrSuperseded) || ctx.Err() != nil {
			break
		}

		f.logger.Warn("authentication attempt failed", "attempt", attempts, "max", f.cfg.MaxAttempts, "error", last)
		if attempts == f.cfg.MaxAttempts {
			break
		}
		if err := f.cfg.Sleep(ctx, f.cfg.Backoff.Next(attempts)); err != nil {
			last = err
			break
		}
	}

	if errors.Is(last, ErrSuperseded) {
		return last
	}
	f.fail(gen, last)
	return &AuthenticationError{Attempts: attempts, Cause: last}
}

// begin moves the session into AUTHENTICATING, or REAUTHENTICATING when a
// session existed.
func (f *Flow) begin() error {
	_, err := f.cfg.Session.Mutate(func(st *session.Snapshot) error {
		switch st.Status {
		case session.StatusUnauthenticated, session.StatusFailed:
			st.Status = session.StatusAuthenticating
		case session.StatusAuthenticated, session.StatusExpiring:
			st.Status = session.StatusReauthenticating
		}
		return nil
	})
	return err
}

func (f *Flow) attempt(ctx context.Context, gen uint64) error {
	if f.cfg.Process != nil {
		if err := f.cfg.Process.EnsureRunning(ctx); err != nil {
			return err
		}
	}
	if !f.inProgress(gen) {
		return ErrSuperseded
	}

	err := f.cfg.Credentials.Use(func(c credentials.Credentials) error {
		res, err := f.cfg.Gateway.Login(ctx, c.Username, c.Password)
		if err != nil {
			return err
		}
		if !res.ChallengeRequired() {
			return nil
		}

		f.logger.Info("gateway requested second factor", "type", res.Challenge.Type)
		code, err := f.cfg.SecondFactor.Code(ctx, c.SecondFactorSecret, *res.Challenge)
		if err != nil {
			return err
		}
		return f.cfg.Gateway.SubmitSecondFactor(ctx, code)
	})
	if err != nil {
		return err
	}

	st, err := f.cfg.Gateway.AuthStatus(ctx)
	if err != nil {
		return fmt.Errorf("confirming authentication: %w", err)
	}
	if !st.Authenticated {
		return ErrNotConfirmed
	}
	return nil
}

func (f *Flow) inProgress(gen uint64) bool {
	if f.gen.Load() != gen {
		return false
	}
	switch f.cfg.Session.Status() {
	case session.StatusAuthenticating, session.StatusReauthenticating:
		return true
	}
	return false
}

func (f *Flow) succeed(gen uint64) error {
	now := f.cfg.Session.Now()
	snap, err := f.cfg.Session.Mutate(func(st *session.Snapshot) error {
		if f.gen.Load() != gen {
			return ErrSuperseded
		}
		if st.Status != session.StatusAuthenticating && st.Status != session.StatusReauthenticating {
			return ErrSuperseded
		}
		st.Status = session.StatusAuthenticated
		st.LastAuthAt = now
		st.LastKeepaliveAt = now
		st.Failures = 0
		st.LastError = ""
		return nil
	})
	if err != nil {
		return err
	}
	f.logger.Info("brokerage session authenticated", "version", snap.Version)
	return nil
}

func (f *Flow) fail(gen uint64, cause error) {
	_, err := f.cfg.Session.Mutate(func(st *session.Snapshot) error {
		if f.gen.Load() != gen {
			return ErrSuperseded
		}
		if st.Status != session.StatusAuthenticating && st.Status != session.StatusReauthenticating {
			return ErrSuperseded
		}
		st.Status = session.StatusFailed
		st.LastError = cause.Error()
		return nil
	})
	if err == nil {
		f.logger.Error("authentication failed, session marked failed", "error", cause)
	}
}
