// Package sqlite is a single-file audit sink for deployments without a
// database server. It runs in WAL mode so queries read a snapshot while
// appends continue.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"audittrail/pkg/audit"
	"audittrail/pkg/platform/sentinel"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	ts_us        INTEGER NOT NULL,
	action       TEXT    NOT NULL,
	description  TEXT    NOT NULL,
	resource_id  TEXT    NOT NULL DEFAULT '',
	user_id      TEXT    NOT NULL DEFAULT '',
	severity     TEXT    NOT NULL CHECK (severity IN ('INFO', 'ERROR')),
	error_detail TEXT    NOT NULL DEFAULT '',
	request_id   TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events (ts_us, seq);
CREATE TRIGGER IF NOT EXISTS trg_audit_events_immutable
	BEFORE UPDATE ON audit_events
	BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;
`

// Store implements audit.Sink on a SQLite file.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database file at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type eventRow struct {
	Seq         int64  `db:"seq"`
	ID          string `db:"id"`
	TimestampUS int64  `db:"ts_us"`
	Action      string `db:"action"`
	Description string `db:"description"`
	ResourceID  string `db:"resource_id"`
	UserID      string `db:"user_id"`
	Severity    string `db:"severity"`
	ErrorDetail string `db:"error_detail"`
	RequestID   string `db:"request_id"`
}

func newEventRow(e audit.Event) eventRow {
	return eventRow{
		ID:          e.ID.String(),
		TimestampUS: e.Timestamp.UnixMicro(),
		Action:      e.Action,
		Description: e.Description,
		ResourceID:  e.ResourceID,
		UserID:      e.UserID,
		Severity:    string(e.Severity),
		ErrorDetail: e.ErrorDetail,
		RequestID:   e.RequestID,
	}
}

func (r eventRow) event() (audit.Event, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return audit.Event{}, fmt.Errorf("%w: event id %q: %w", sentinel.ErrCorrupt, r.ID, err)
	}
	return audit.Event{
		ID:          id,
		Seq:         uint64(r.Seq),
		Timestamp:   time.UnixMicro(r.TimestampUS).UTC(),
		Action:      r.Action,
		Description: r.Description,
		ResourceID:  r.ResourceID,
		UserID:      r.UserID,
		Severity:    audit.Severity(r.Severity),
		ErrorDetail: r.ErrorDetail,
		RequestID:   r.RequestID,
	}, nil
}

const insertEvent = `
	INSERT INTO audit_events (
		id, ts_us, action, description, resource_id,
		user_id, severity, error_detail, request_id
	)
	VALUES (:id, :ts_us, :action, :description, :resource_id, :user_id, :severity, :error_detail, :request_id)
	ON CONFLICT (id) DO NOTHING
	RETURNING seq
`

// Append stores event. A duplicate ID returns the stored sequence number.
func (s *Store) Append(ctx context.Context, event audit.Event) (uint64, error) {
	query, args, err := sqlx.Named(insertEvent, newEventRow(event))
	if err != nil {
		return 0, fmt.Errorf("bind audit event: %w", err)
	}

	var seq int64
	err = s.db.QueryRowxContext(ctx, query, args...).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.GetContext(ctx, &seq, `SELECT seq FROM audit_events WHERE id = ?`, event.ID.String())
	}
	if err != nil {
		return 0, classify(fmt.Errorf("insert audit event: %w", err))
	}
	return uint64(seq), nil
}

// AppendReplica stores a forwarded event under a local sequence number.
func (s *Store) AppendReplica(ctx context.Context, event audit.Event) error {
	_, err := s.Append(ctx, event)
	return err
}

// Scan streams matching rows ordered by (timestamp, seq).
func (s *Store) Scan(ctx context.Context, filter audit.Filter) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		query, args := buildScanQuery(filter)
		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			yield(audit.Event{}, classify(fmt.Errorf("query audit events: %w", err)))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row eventRow
			if err := rows.StructScan(&row); err != nil {
				yield(audit.Event{}, fmt.Errorf("scan audit event: %w", err))
				return
			}
			event, err := row.event()
			if err != nil {
				yield(audit.Event{}, err)
				return
			}
			if !yield(event, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(audit.Event{}, classify(fmt.Errorf("iterate audit events: %w", err)))
		}
	}
}

func buildScanQuery(f audit.Filter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if !f.Since.IsZero() {
		conditions = append(conditions, "ts_us >= ?")
		args = append(args, f.Since.UnixMicro())
	}
	if !f.Until.IsZero() {
		conditions = append(conditions, "ts_us < ?")
		args = append(args, f.Until.UnixMicro())
	}
	if f.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, f.Action)
	}
	if f.ResourceID != "" {
		conditions = append(conditions, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(f.Severity))
	}

	query := "SELECT seq, id, ts_us, action, description, resource_id, user_id, severity, error_detail, request_id FROM audit_events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY ts_us, seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

// classify marks lock contention as retryable; the busy timeout already waited.
func classify(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return sentinel.Unavailable(err)
		}
	}
	return err
}
