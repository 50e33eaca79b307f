// ABOUTME: Event journal interface and data types for brokergate
// ABOUTME: Session transitions, gateway lifecycle and facade actions are appended here

package store

import (
	"context"
	"time"
)

// Event sources
const (
	SourceSession = "session"
	SourceGateway = "gateway"
	SourceFacade  = "facade"
)

// Event is one journal entry.
type Event struct {
	ID        string         `json:"id"`     // UUID v4
	Source    string         `json:"source"` // "session", "gateway", "facade"
	Kind      string         `json:"kind"`
	Message   string         `json:"message,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventFilter specifies filtering options for listing events.
type EventFilter struct {
	Source *string
	Kind   *string
	Since  *time.Time
	Limit  int // default 100, max 1000
}

// Journal records and lists events.
type Journal interface {
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
