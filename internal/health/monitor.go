// ABOUTME: Derives the readiness verdict from gateway process state and session state
// ABOUTME: Computed on demand, never stored

package health

import (
	"time"

	"github.com/2389/brokergate/internal/session"
	"github.com/2389/brokergate/internal/supervisor"
)

// Reason explains a not-ready verdict.
type Reason string

const (
	ReasonGatewayDown      Reason = "GATEWAY_DOWN"
	ReasonNotAuthenticated Reason = "NOT_AUTHENTICATED"
	ReasonSessionStale     Reason = "SESSION_STALE"
	ReasonReauthInProgress Reason = "REAUTH_IN_PROGRESS"
)

// Verdict is the readiness decision at one instant.
type Verdict struct {
	Ready         bool           `json:"ready"`
	Reason        Reason         `json:"reason,omitempty"`
	SessionStatus session.Status `json:"session_status"`
	GatewayUp     bool           `json:"gateway_running"`
	Unstable      bool           `json:"gateway_unstable,omitempty"`
	CheckedAt     time.Time      `json:"checked_at"`
}

// ProcessState reports the supervised gateway process.
type ProcessState interface {
	State() supervisor.State
}

// Monitor evaluates readiness.
type Monitor struct {
	process    ProcessState
	session    *session.Session
	staleAfter time.Duration
	now        func() time.Time
}

// New creates a Monitor. A keep-alive older than staleAfter makes an
// authenticated session stale.
func New(process ProcessState, sess *session.Session, staleAfter time.Duration) *Monitor {
	return &Monitor{
		process:    process,
		session:    sess,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Evaluate returns the current verdict. A gateway that is not running is
// never ready, whatever the session says.
func (m *Monitor) Evaluate() Verdict {
	ps := m.process.State()
	snap := m.session.Snapshot()
	now := m.now()

	v := Verdict{
		SessionStatus: snap.Status,
		GatewayUp:     ps.Running,
		Unstable:      ps.Unstable,
		CheckedAt:     now,
	}
	v.Reason = reason(ps, snap, now, m.staleAfter)
	v.Ready = v.Reason == ""
	return v
}

func reason(ps supervisor.State, snap session.Snapshot, now time.Time, staleAfter time.Duration) Reason {
	if !ps.Running || ps.Unstable {
		return ReasonGatewayDown
	}
	switch snap.Status {
	case session.StatusAuthenticated:
		if staleAfter > 0 && now.Sub(snap.LastKeepaliveAt) >= staleAfter {
			return ReasonSessionStale
		}
		return ""
	case session.StatusExpiring:
		return ReasonSessionStale
	case session.StatusReauthenticating:
		return ReasonReauthInProgress
	default:
		return ReasonNotAuthenticated
	}
}
