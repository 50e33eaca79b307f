// ABOUTME: SQLite implementation of the Journal interface using modernc.org/sqlite
// ABOUTME: Automatic schema creation; ":memory:" keeps the journal in process memory

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// MemoryPath selects an in-memory journal.
const MemoryPath = ":memory:"

// fixed-width so timestamps sort lexically
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Journal using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the journal at path, creating parent directories and
// the schema as needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	memory := path == "" || path == MemoryPath
	if memory {
		path = MemoryPath
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("event journal initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id    TEXT NOT NULL UNIQUE,
			source      TEXT NOT NULL,
			kind        TEXT NOT NULL,
			message     TEXT,
			detail_json TEXT,
			ts          TEXT NOT NULL,

			CHECK (source IN ('session', 'gateway', 'facade'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, ts);
	`)
	return err
}

// AppendEvent appends e to the journal, generating ID and Timestamp if unset.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if len(e.Detail) > 0 {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	var message *string
	if e.Message != "" {
		message = &e.Message
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, source, kind, message, detail_json, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Source, e.Kind, message, detailJSON, e.Timestamp.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("appended event", "id", e.ID, "source", e.Source, "kind", e.Kind)
	return nil
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const listEventsQuery = `
	SELECT event_id, source, kind, message, detail_json, ts
	FROM events
	WHERE (? IS NULL OR source = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC, seq DESC
	LIMIT ?
`

// ListEvents returns events matching f, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var since *string
	if f.Since != nil {
		str := f.Since.UTC().Format(tsLayout)
		since = &str
	}

	rows, err := s.db.QueryContext(ctx, listEventsQuery,
		f.Source, f.Source,
		f.Kind, f.Kind,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var e Event
	var message, detailJSON *string
	var ts string

	if err := scanner.Scan(&e.ID, &e.Source, &e.Kind, &message, &detailJSON, &ts); err != nil {
		return e, fmt.Errorf("scanning event: %w", err)
	}
	if message != nil {
		e.Message = *message
	}

	var err error
	e.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

// PruneEvents deletes events older than before and returns how many were removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, before.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned events: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned events", "count", n, "before", before)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing event journal")
	return s.db.Close()
}
