// Package postgres is the PostgreSQL audit sink.
//
// Every append writes the event row and an audit_outbox row in one transaction,
// so the outbox relay forwards exactly the events that were committed. When the
// caller's context carries a transaction (see pkg/platform/tx) the append joins
// it and the audit record commits or rolls back together with the business change.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"audittrail/pkg/audit"
	txcontext "audittrail/pkg/platform/tx"
)

// Store implements audit.Sink on PostgreSQL.
type Store struct {
	db *sql.DB
	tx *txcontext.Runner
}

// Option configures a Store.
type Option func(*Store)

// WithTxTimeout bounds transactions the store opens itself.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.tx = txcontext.NewRunner(s.db, d)
	}
}

// New creates a Store. The schema is expected to be migrated (see Migrate).
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db}
	s.tx = txcontext.NewRunner(db, 0)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) querier(ctx context.Context) querier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const eventColumns = `seq, id, timestamp, action, description, resource_id, user_id, severity, error_detail, request_id`

const insertEvent = `
	INSERT INTO audit_events (
		id, timestamp, action, description, resource_id,
		user_id, severity, error_detail, request_id
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
	RETURNING seq
`

const insertOutbox = `
	INSERT INTO audit_outbox (id, event_id, event_seq, action, payload)
	VALUES ($1, $2, $3, $4, $5)
`

// Append stores event and its outbox entry. A duplicate ID returns the stored
// sequence number and writes nothing.
func (s *Store) Append(ctx context.Context, event audit.Event) (uint64, error) {
	var seq uint64
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		q := s.querier(ctx)

		var inserted int64
		err := q.QueryRowContext(ctx, insertEvent, eventArgs(event)...).Scan(&inserted)
		if errors.Is(err, sql.ErrNoRows) {
			existing, lookupErr := s.lookupSeq(ctx, q, event.ID)
			if lookupErr != nil {
				return lookupErr
			}
			seq = existing
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		seq = uint64(inserted)

		event.Seq = seq
		payload, err := audit.MarshalJSONEvent(event)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, insertOutbox, uuid.New(), event.ID, inserted, event.Action, payload); err != nil {
			return fmt.Errorf("insert audit outbox entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return seq, nil
}

// AppendReplica stores an event forwarded from another deployment. The origin
// ID is kept, a local sequence number is assigned and no outbox row is written,
// so replicated events are never forwarded again.
func (s *Store) AppendReplica(ctx context.Context, event audit.Event) error {
	var ignored int64
	err := s.querier(ctx).QueryRowContext(ctx, insertEvent, eventArgs(event)...).Scan(&ignored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return classify(fmt.Errorf("insert replica audit event: %w", err))
	}
	return nil
}

func (s *Store) lookupSeq(ctx context.Context, q querier, id uuid.UUID) (uint64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT seq FROM audit_events WHERE id = $1`, id).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("lookup existing audit event: %w", err)
	}
	return uint64(seq), nil
}

func eventArgs(e audit.Event) []any {
	return []any{
		e.ID,
		e.Timestamp.UTC(),
		e.Action,
		e.Description,
		e.ResourceID,
		e.UserID,
		string(e.Severity),
		e.ErrorDetail,
		e.RequestID,
	}
}

// Scan streams matching rows. The rows are closed when the sequence ends or the
// consumer stops early.
func (s *Store) Scan(ctx context.Context, filter audit.Filter) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		query, args := buildScanQuery(filter)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(audit.Event{}, classify(fmt.Errorf("query audit events: %w", err)))
			return
		}
		defer rows.Close()

		for rows.Next() {
			event, err := scanEvent(rows)
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

// buildScanQuery renders filter as a parameterized query. Only non-empty filter
// fields add conditions.
func buildScanQuery(f audit.Filter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("timestamp < $%d", f.Until.UTC())
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(eventColumns)
	b.WriteString(" FROM audit_events")
	if len(conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conditions, " AND "))
	}
	b.WriteString(" ORDER BY timestamp, seq")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var (
		event    audit.Event
		seq      int64
		severity string
	)
	err := rows.Scan(
		&seq,
		&event.ID,
		&event.Timestamp,
		&event.Action,
		&event.Description,
		&event.ResourceID,
		&event.UserID,
		&severity,
		&event.ErrorDetail,
		&event.RequestID,
	)
	if err != nil {
		return audit.Event{}, fmt.Errorf("scan audit event: %w", err)
	}
	event.Seq = uint64(seq)
	event.Timestamp = event.Timestamp.UTC()
	event.Severity = audit.Severity(severity)
	return event, nil
}
