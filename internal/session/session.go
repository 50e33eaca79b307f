// ABOUTME: Versioned session state machine shared by the auth flow and keep-alive loop
// ABOUTME: All mutations are applied atomically under one lock and bump a version token

package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of the brokerage session.
type Status string

const (
	StatusUnauthenticated  Status = "unauthenticated"
	StatusAuthenticating   Status = "authenticating"
	StatusAuthenticated    Status = "authenticated"
	StatusExpiring         Status = "expiring"
	StatusReauthenticating Status = "reauthenticating"
	StatusFailed           Status = "failed"
)

var (
	// ErrStale is returned by Update when the session changed since the caller's snapshot.
	ErrStale = errors.New("stale session version")

	// ErrInvalidTransition is returned when an update requests a transition the machine forbids.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// allowed lists the permitted targets for each status. Every status may
// also move to itself and to StatusUnauthenticated (logout, gateway restart).
var allowed = map[Status][]Status{
	StatusUnauthenticated:  {StatusAuthenticating},
	StatusAuthenticating:   {StatusAuthenticated, StatusFailed},
	StatusAuthenticated:    {StatusExpiring, StatusReauthenticating},
	StatusExpiring:         {StatusAuthenticated, StatusReauthenticating},
	StatusReauthenticating: {StatusAuthenticated, StatusFailed},
	StatusFailed:           {StatusAuthenticating},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	if from == to || to == StatusUnauthenticated {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	Status          Status    `json:"status"`
	LastAuthAt      time.Time `json:"last_auth_at,omitzero"`
	LastKeepaliveAt time.Time `json:"last_keepalive_at,omitzero"`
	Failures        int       `json:"consecutive_failures"`
	Version         uint64    `json:"version"`
	LastError       string    `json:"last_error,omitempty"`
}

// Transition describes an applied status change, delivered to observers.
type Transition struct {
	From    Status
	To      Status
	Version uint64
	At      time.Time
	Cause   string
}

// Session holds the single per-process brokerage session.
type Session struct {
	mu        sync.RWMutex
	state     Snapshot
	observers []func(Transition)
	now       func() time.Time
}

// New creates a session in StatusUnauthenticated.
func New() *Session {
	return &Session{
		state: Snapshot{Status: StatusUnauthenticated},
		now:   time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Now returns the session's current time.
func (s *Session) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// OnTransition registers fn to be called after every status change.
// Observers run synchronously after the lock is released, in registration order.
func (s *Session) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Snapshot returns a consistent copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Status
}

// Update applies fn to a copy of the state if the session is still at
// version expected. The copy replaces the state only when fn succeeds and
// any status change is legal. The returned snapshot is the new state.
func (s *Session) Update(expected uint64, fn func(*Snapshot) error) (Snapshot, error) {
	return s.apply(&expected, fn)
}

// Mutate is Update without a version check, for writers that own the
// transition (the authentication flow).
func (s *Session) Mutate(fn func(*Snapshot) error) (Snapshot, error) {
	return s.apply(nil, fn)
}

// Transition moves to status to, recording cause as LastError when non-empty.
func (s *Session) Transition(to Status, cause string) (Snapshot, error) {
	return s.Mutate(func(st *Snapshot) error {
		st.Status = to
		if cause != "" {
			st.LastError = cause
		}
		return nil
	})
}

// Reset returns the session to StatusUnauthenticated and clears counters.
func (s *Session) Reset(cause string) Snapshot {
	snap, _ := s.Mutate(func(st *Snapshot) error {
		*st = Snapshot{Status: StatusUnauthenticated, Version: st.Version, LastError: cause}
		return nil
	})
	return snap
}

func (s *Session) apply(expected *uint64, fn func(*Snapshot) error) (Snapshot, error) {
	s.mu.Lock()
	cur := s.state
	if expected != nil && *expected != cur.Version {
		s.mu.Unlock()
		return cur, ErrStale
	}

	next := cur
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return cur, err
	}
	if !CanTransition(cur.Status, next.Status) {
		s.mu.Unlock()
		return cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}
	next.Version = cur.Version + 1
	s.state = next

	var observers []func(Transition)
	var tr Transition
	if next.Status != cur.Status {
		observers = s.observers
		tr = Transition{From: cur.Status, To: next.Status, Version: next.Version, At: s.now(), Cause: next.LastError}
	}
	s.mu.Unlock()

	for _, obs := range observers {
		obs(tr)
	}
	return next, nil
}
