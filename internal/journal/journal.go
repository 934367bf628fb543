// Package journal records worker lifecycle events and invocation outcomes in sqlite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattjoyce/polyhost/internal/storage"
)

// Worker lifecycle event names.
const (
	EventStarted          = "started"
	EventFaulted          = "faulted"
	EventStopped          = "stopped"
	EventRestartScheduled = "restart_scheduled"
	EventEscalated        = "escalated"
)

// Invocation outcomes.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// WorkerEvent is one lifecycle entry.
type WorkerEvent struct {
	ChannelID string    `json:"channel_id"`
	Runtime   string    `json:"runtime"`
	Event     string    `json:"event"`
	Attempt   int       `json:"attempt"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Invocation is one finished invocation.
type Invocation struct {
	ID           string        `json:"id"`
	FunctionID   string        `json:"function_id"`
	FunctionName string        `json:"function_name"`
	Runtime      string        `json:"runtime"`
	WorkerID     string        `json:"worker_id,omitempty"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// Store is the sqlite-backed journal.
type Store struct {
	db *sql.DB
}

// Open opens the journal database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an already bootstrapped database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordWorkerEvent appends a lifecycle event.
func (s *Store) RecordWorkerEvent(ctx context.Context, ev WorkerEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO worker_events(channel_id, runtime, event, attempt, detail, at)
VALUES(?, ?, ?, ?, ?, ?);`,
		ev.ChannelID, ev.Runtime, ev.Event, ev.Attempt, nullable(ev.Detail), ev.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record worker event: %w", err)
	}
	return nil
}

// RecordInvocation stores a finished invocation.
func (s *Store) RecordInvocation(ctx context.Context, inv Invocation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO invocation_log(id, function_id, function_name, runtime, worker_id, status, error, duration_ms, started_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		inv.ID, inv.FunctionID, inv.FunctionName, inv.Runtime, nullable(inv.WorkerID), inv.Status, nullable(inv.Error),
		inv.Duration.Milliseconds(),
		inv.StartedAt.UTC().Format(time.RFC3339Nano),
		inv.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record invocation %s: %w", inv.ID, err)
	}
	return nil
}

// RecentWorkerEvents returns the newest events first. An empty runtime matches all.
func (s *Store) RecentWorkerEvents(ctx context.Context, runtime string, limit int) ([]WorkerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT channel_id, runtime, event, attempt, COALESCE(detail, ''), at
FROM worker_events
WHERE (? = '' OR runtime = ?)
ORDER BY id DESC
LIMIT ?;`, runtime, runtime, limit)
	if err != nil {
		return nil, fmt.Errorf("query worker events: %w", err)
	}
	defer rows.Close()

	var out []WorkerEvent
	for rows.Next() {
		var ev WorkerEvent
		var at string
		if err := rows.Scan(&ev.ChannelID, &ev.Runtime, &ev.Event, &ev.Attempt, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan worker event: %w", err)
		}
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentInvocations returns the newest invocations first. An empty functionID matches all.
func (s *Store) RecentInvocations(ctx context.Context, functionID string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, function_id, function_name, runtime, COALESCE(worker_id, ''), status, COALESCE(error, ''), duration_ms, started_at, completed_at
FROM invocation_log
WHERE (? = '' OR function_id = ?)
ORDER BY completed_at DESC
LIMIT ?;`, functionID, functionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var ms int64
		var started, completed string
		if err := rows.Scan(&inv.ID, &inv.FunctionID, &inv.FunctionName, &inv.Runtime, &inv.WorkerID,
			&inv.Status, &inv.Error, &ms, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.Duration = time.Duration(ms) * time.Millisecond
		inv.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		inv.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		out = append(out, inv)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
