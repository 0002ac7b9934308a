// Package eventlog is the orchestrator's append-only audit trail in
// SQLite. Every decision the iteration loop takes (spawn, harvest,
// merge, reclaim, escalation) lands here, and `gaffer logs` reads it
// back.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event types written by the orchestrator.
const (
	TypeIteration   = "iteration"
	TypeIntake      = "intake"
	TypeSpawn       = "spawn"
	TypeHarvest     = "harvest"
	TypeReject      = "reject"
	TypeMerge       = "merge"
	TypeFixQueued   = "fix_queued"
	TypeBlocked     = "blocked"
	TypeResumed     = "resumed"
	TypeFailed      = "failed"
	TypeReclaim     = "reclaim"
	TypeTrunkRepair = "trunk_repair"
	TypeRebase      = "rebase"
	TypeError       = "error"
)

// Event is one audit record.
type Event struct {
	ID        int64
	Type      string
	Ticket    int
	PR        int
	Slot      string
	Detail    string
	CreatedAt time.Time
}

// QueryOpts filters a log read.
type QueryOpts struct {
	Type   string
	Ticket int
	Slot   string
	After  *time.Time
	Limit  int
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	type       TEXT NOT NULL,
	ticket     INTEGER NOT NULL DEFAULT 0,
	pr         INTEGER NOT NULL DEFAULT 0,
	slot       TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_ticket ON events(ticket);
`

// Log is a read-write handle on the event database. The single
// orchestrator process is the only writer; status tools open their own
// read handles concurrently, which WAL makes safe.
type Log struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// Open opens (creating if needed) the event database with WAL and a
// busy timeout so a dashboard read never fails an orchestrator write.
func Open(path string) (*Log, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	return &Log{db: db, nowFunc: time.Now}, nil
}

// SetNowFunc overrides the clock for tests.
func (l *Log) SetNowFunc(f func() time.Time) {
	l.nowFunc = f
}

// Close releases the database handle. Safe to call twice.
func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Append writes one event. Logging failures are reported but callers
// treat them as non-fatal; the audit trail never blocks the pipeline.
func (l *Log) Append(ctx context.Context, e Event) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO events (type, ticket, pr, slot, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.Type, e.Ticket, e.PR, e.Slot, e.Detail,
		l.nowFunc().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Query reads events newest first.
func (l *Log) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Ticket, &e.PR, &e.Slot, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339, createdAt); perr == nil {
			e.CreatedAt = t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, ticket, pr, slot, detail, created_at FROM events"

	if opts.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.Type)
	}
	if opts.Ticket != 0 {
		conditions = append(conditions, "ticket = ?")
		args = append(args, opts.Ticket)
	}
	if opts.Slot != "" {
		conditions = append(conditions, "slot = ?")
		args = append(args, opts.Slot)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(time.RFC3339))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
