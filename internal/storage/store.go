// Package storage persists loop sessions, their detected errors, and the
// event stream to SQLite. The core loop only produces in-memory structures;
// this package is the sink that makes them durable for later review.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mendlabs/pagemend/internal/events"
	"github.com/mendlabs/pagemend/internal/types"
)

// Store is a SQLite-backed session and event sink
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for better concurrency between the event pump and readers
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts a session and its per-iteration errors. Call it on
// session close (and optionally mid-run for checkpointing); the full
// session document is stored as JSON alongside the queryable columns.
func (s *Store) SaveSession(ctx context.Context, session *types.LoopSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var endedAt interface{}
	if !session.EndedAt.IsZero() {
		endedAt = session.EndedAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, target_url, status, started_at, ended_at,
			iterations, total_errors, total_repairs, successful_repairs,
			emergency_stop_reason, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			iterations = excluded.iterations,
			total_errors = excluded.total_errors,
			total_repairs = excluded.total_repairs,
			successful_repairs = excluded.successful_repairs,
			emergency_stop_reason = excluded.emergency_stop_reason,
			data = excluded.data`,
		session.ID, session.TargetURL, string(session.Status), session.StartedAt,
		endedAt, len(session.Iterations), session.TotalErrors,
		session.TotalRepairs, session.SuccessfulRepairs,
		session.EmergencyStopReason, string(data))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	for _, it := range session.Iterations {
		for _, e := range it.Errors {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO errors (id, session_id, iteration, kind, severity,
					category, message, source, fixed, fix_attempts, detected_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(session_id, iteration, id) DO UPDATE SET
					fixed = excluded.fixed,
					fix_attempts = excluded.fix_attempts`,
				e.ID, session.ID, it.Number, string(e.Kind), string(e.Severity),
				e.Category, e.Message, e.Source, e.Fixed, e.FixAttempts, e.Timestamp)
			if err != nil {
				return fmt.Errorf("failed to save error %s: %w", e.ID, err)
			}
		}
	}

	return tx.Commit()
}

// GetSession loads a session document by id
func (s *Store) GetSession(ctx context.Context, id string) (*types.LoopSession, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session types.LoopSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// LatestSession loads the most recently started session, or nil when the
// store is empty.
func (s *Store) LatestSession(ctx context.Context) (*types.LoopSession, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// SessionSummary is one row of the session listing
type SessionSummary struct {
	ID                string
	TargetURL         string
	Status            types.LoopStatus
	StartedAt         time.Time
	Iterations        int
	TotalErrors       int
	TotalRepairs      int
	SuccessfulRepairs int
}

// ListSessions returns recent sessions, newest first
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_url, status, started_at, iterations,
			total_errors, total_repairs, successful_repairs
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var status string
		if err := rows.Scan(&sum.ID, &sum.TargetURL, &status, &sum.StartedAt,
			&sum.Iterations, &sum.TotalErrors, &sum.TotalRepairs,
			&sum.SuccessfulRepairs); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sum.Status = types.LoopStatus(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SaveEvent persists one loop event
func (s *Store) SaveEvent(ctx context.Context, ev events.Event) error {
	var data interface{}
	if len(ev.Data) > 0 {
		encoded, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = string(encoded)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, iteration, type, severity, message, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Iteration, string(ev.Type), string(ev.Severity),
		ev.Message, ev.Timestamp, data)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// GetEvents returns a session's events in chronological order
func (s *Store) GetEvents(ctx context.Context, sessionID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, iteration, type, severity, message, created_at, data
		FROM events WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var evType, severity string
		var data sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Iteration, &evType,
			&severity, &ev.Message, &ev.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Type = events.EventType(evType)
		ev.Severity = events.EventSeverity(severity)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Pump drains a subscription channel into the store until the channel
// closes. Run it in its own goroutine; write failures are counted, not
// fatal.
func (s *Store) Pump(ctx context.Context, ch <-chan events.Event) (written, failed int) {
	for ev := range ch {
		if err := s.SaveEvent(ctx, ev); err != nil {
			failed++
			continue
		}
		written++
	}
	return written, failed
}
