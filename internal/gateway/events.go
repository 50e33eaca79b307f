// ABOUTME: Journals session transitions, gateway lifecycle events and facade actions
// ABOUTME: Also prunes journal entries past the retention window

package gateway

import (
	"context"
	"time"

	"github.com/2389/brokergate/internal/session"
	"github.com/2389/brokergate/internal/store"
	"github.com/2389/brokergate/internal/supervisor"
)

const (
	journalRetention     = 7 * 24 * time.Hour
	journalPruneInterval = time.Hour
	journalWriteTimeout  = 2 * time.Second
)

// Facade event kinds.
const (
	EventConnectRequested = "connect_requested"
	EventConnectFailed    = "connect_failed"
	EventDisconnected     = "disconnected"
	EventTokenIssued      = "token_issued"
)

// transitionKind names a session transition in the journal, e.g. "session_authenticated".
func transitionKind(to session.Status) string {
	return "session_" + string(to)
}

func (g *Gateway) recordTransition(t session.Transition) {
	detail := map[string]any{
		"from":    string(t.From),
		"to":      string(t.To),
		"version": t.Version,
	}
	g.appendEvent(&store.Event{
		Source:    store.SourceSession,
		Kind:      transitionKind(t.To),
		Message:   t.Cause,
		Detail:    detail,
		Timestamp: t.At,
	})
}

func (g *Gateway) recordGatewayEvent(ev supervisor.Event) {
	g.appendEvent(&store.Event{
		Source: store.SourceGateway,
		Kind:   ev.Kind,
		Detail: ev.Detail,
	})
}

func (g *Gateway) recordFacadeEvent(kind, subject string, detail map[string]any) {
	g.appendEvent(&store.Event{
		Source:  store.SourceFacade,
		Kind:    kind,
		Message: subject,
		Detail:  detail,
	})
}

// appendEvent never fails the caller; journal errors are logged.
func (g *Gateway) appendEvent(e *store.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := g.journal.AppendEvent(ctx, e); err != nil {
		g.logger.Warn("failed to journal event", "source", e.Source, "kind", e.Kind, "error", err)
	}
}

func (g *Gateway) runJournalPruner(ctx context.Context) {
	ticker := time.NewTicker(journalPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.journal.PruneEvents(ctx, time.Now().Add(-journalRetention)); err != nil && ctx.Err() == nil {
				g.logger.Warn("failed to prune event journal", "error", err)
			}
		}
	}
}
