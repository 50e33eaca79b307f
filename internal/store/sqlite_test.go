// ABOUTME: Tests for the SQLite event journal
// ABOUTME: Covers append, filtered listing, ordering, pruning and file-backed persistence

package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(MemoryPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func TestAppendEvent_GeneratesIDAndTimestamp(t *testing.T) {
	s := setupTestStore(t)

	e := &Event{Source: SourceSession, Kind: "authenticated", Detail: map[string]any{"version": 3}}
	require.NoError(t, s.AppendEvent(context.Background(), e))

	assert.Len(t, e.ID, 36)
	assert.False(t, e.Timestamp.IsZero())

	events, err := s.ListEvents(context.Background(), EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e.ID, events[0].ID)
	assert.Equal(t, "authenticated", events[0].Kind)
	// JSON numbers decode as float64
	assert.Equal(t, map[string]any{"version": float64(3)}, events[0].Detail)
	assert.WithinDuration(t, e.Timestamp, events[0].Timestamp, time.Microsecond)
}

func TestAppendEvent_RejectsUnknownSource(t *testing.T) {
	s := setupTestStore(t)
	err := s.AppendEvent(context.Background(), &Event{Source: "other", Kind: "x"})
	assert.Error(t, err)
}

func TestListEvents_NewestFirstAndFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	fixtures := []Event{
		{Source: SourceGateway, Kind: "gateway_started", Timestamp: base},
		{Source: SourceSession, Kind: "authenticated", Timestamp: base.Add(time.Second)},
		{Source: SourceSession, Kind: "expiring", Timestamp: base.Add(2 * time.Second), Message: "gateway timeout"},
		{Source: SourceFacade, Kind: "connect", Timestamp: base.Add(3 * time.Second)},
		{Source: SourceSession, Kind: "authenticated", Timestamp: base.Add(4 * time.Second)},
	}
	for i := range fixtures {
		require.NoError(t, s.AppendEvent(ctx, &fixtures[i]))
	}

	all, err := s.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, fixtures[4].ID, all[0].ID)
	assert.Equal(t, fixtures[0].ID, all[4].ID)
	assert.Equal(t, "gateway timeout", all[2].Message)

	byKind, err := s.ListEvents(ctx, EventFilter{Kind: ptr("authenticated")})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	bySource, err := s.ListEvents(ctx, EventFilter{Source: ptr(SourceSession)})
	require.NoError(t, err)
	assert.Len(t, bySource, 3)

	since, err := s.ListEvents(ctx, EventFilter{Since: ptr(base.Add(2500 * time.Millisecond))})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := s.ListEvents(ctx, EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListEvents_SameTimestampKeepsInsertOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	first := &Event{Source: SourceSession, Kind: "expiring", Timestamp: ts}
	second := &Event{Source: SourceSession, Kind: "reauthenticating", Timestamp: ts}
	require.NoError(t, s.AppendEvent(ctx, first))
	require.NoError(t, s.AppendEvent(ctx, second))

	events, err := s.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "reauthenticating", events[0].Kind)
}

func TestListEvents_Empty(t *testing.T) {
	s := setupTestStore(t)
	events, err := s.ListEvents(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 100, normalizeLimit(-5))
	assert.Equal(t, 50, normalizeLimit(50))
	assert.Equal(t, 1000, normalizeLimit(5000))
}

func TestPruneEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AppendEvent(ctx, &Event{Source: SourceGateway, Kind: "old", Timestamp: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.AppendEvent(ctx, &Event{Source: SourceGateway, Kind: "new", Timestamp: now}))

	n, err := s.PruneEvents(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := s.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].Kind)
}

func TestSQLiteStore_FilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := NewSQLiteStore(path, logger)
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(context.Background(), &Event{Source: SourceFacade, Kind: "connect"}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, logger)
	require.NoError(t, err)
	defer s.Close()

	events, err := s.ListEvents(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
