// ABOUTME: Tests for the readiness verdict
// ABOUTME: Gateway-down dominance, staleness window and reason codes per status

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/brokergate/internal/session"
	"github.com/2389/brokergate/internal/supervisor"
)

type fakeProcess struct{ state supervisor.State }

func (p *fakeProcess) State() supervisor.State { return p.state }

var paths = map[session.Status][]session.Status{
	session.StatusUnauthenticated:  nil,
	session.StatusAuthenticating:   {session.StatusAuthenticating},
	session.StatusAuthenticated:    {session.StatusAuthenticating, session.StatusAuthenticated},
	session.StatusExpiring:         {session.StatusAuthenticating, session.StatusAuthenticated, session.StatusExpiring},
	session.StatusReauthenticating: {session.StatusAuthenticating, session.StatusAuthenticated, session.StatusReauthenticating},
	session.StatusFailed:           {session.StatusAuthenticating, session.StatusFailed},
}

func sessionAt(t *testing.T, status session.Status, keepalive time.Time) *session.Session {
	t.Helper()
	s := session.New()
	for _, st := range paths[status] {
		_, err := s.Mutate(func(snap *session.Snapshot) error {
			snap.Status = st
			snap.LastKeepaliveAt = keepalive
			return nil
		})
		require.NoError(t, err)
	}
	return s
}

func newMonitor(p *fakeProcess, s *session.Session, now time.Time) *Monitor {
	m := New(p, s, 2*time.Minute)
	m.now = func() time.Time { return now }
	return m
}

func TestEvaluate_Ready(t *testing.T) {
	now := time.Now()
	m := newMonitor(&fakeProcess{supervisor.State{Running: true}}, sessionAt(t, session.StatusAuthenticated, now.Add(-30*time.Second)), now)

	v := m.Evaluate()
	assert.True(t, v.Ready)
	assert.Empty(t, v.Reason)
	assert.Equal(t, session.StatusAuthenticated, v.SessionStatus)
	assert.Equal(t, now, v.CheckedAt)
}

func TestEvaluate_NeverReadyWhenGatewayDown(t *testing.T) {
	now := time.Now()
	for status := range paths {
		for _, ps := range []supervisor.State{
			{Running: false},
			{Running: true, Unstable: true},
		} {
			m := newMonitor(&fakeProcess{ps}, sessionAt(t, status, now), now)
			v := m.Evaluate()
			assert.False(t, v.Ready, "status %s", status)
			assert.Equal(t, ReasonGatewayDown, v.Reason, "status %s", status)
		}
	}
}

func TestEvaluate_ReasonPerStatus(t *testing.T) {
	now := time.Now()
	tests := []struct {
		status session.Status
		want   Reason
	}{
		{session.StatusUnauthenticated, ReasonNotAuthenticated},
		{session.StatusAuthenticating, ReasonNotAuthenticated},
		{session.StatusFailed, ReasonNotAuthenticated},
		{session.StatusExpiring, ReasonSessionStale},
		{session.StatusReauthenticating, ReasonReauthInProgress},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			m := newMonitor(&fakeProcess{supervisor.State{Running: true}}, sessionAt(t, tt.status, now), now)
			v := m.Evaluate()
			assert.False(t, v.Ready)
			assert.Equal(t, tt.want, v.Reason)
		})
	}
}

func TestEvaluate_StaleKeepalive(t *testing.T) {
	now := time.Now()
	running := &fakeProcess{supervisor.State{Running: true}}

	fresh := newMonitor(running, sessionAt(t, session.StatusAuthenticated, now.Add(-119*time.Second)), now)
	assert.True(t, fresh.Evaluate().Ready)

	stale := newMonitor(running, sessionAt(t, session.StatusAuthenticated, now.Add(-2*time.Minute)), now)
	v := stale.Evaluate()
	assert.False(t, v.Ready)
	assert.Equal(t, ReasonSessionStale, v.Reason)
}
