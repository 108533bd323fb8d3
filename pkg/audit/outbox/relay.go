// Package outbox forwards committed audit events from the PostgreSQL outbox
// table to Kafka.
//
// Delivery is at-least-once: a row is marked published only after the broker
// acknowledged it, and a crash between the two re-sends the row on the next run.
// Consumers deduplicate on the event ID carried in the record key.
//
// A row the broker keeps rejecting is retried until it reaches the relay's
// attempt limit. From then on it is no longer claimed and stays in the table,
// unpublished, for an operator to inspect. Resetting attempts to 0 requeues it.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	txcontext "audittrail/pkg/platform/tx"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 10
)

// Producer is the subset of *kgo.Client the relay needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Relay moves outbox rows to a Kafka topic.
type Relay struct {
	db          *sql.DB
	tx          *txcontext.Runner
	producer    Producer
	topic       string
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
}

// Option configures a Relay.
type Option func(*Relay)

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithMaxAttempts sets how many rejected publishes a row gets before the
// relay stops claiming it.
func WithMaxAttempts(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// New creates a Relay publishing to topic.
func New(db *sql.DB, producer Producer, topic string, opts ...Option) *Relay {
	r := &Relay{
		db:          db,
		tx:          txcontext.NewRunner(db, 0),
		producer:    producer,
		topic:       topic,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		tracer:      otel.Tracer("audittrail/outbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type entry struct {
	id      string
	eventID string
	action  string
	payload []byte
}

const claimBatch = `
	SELECT id, event_id, action, payload
	FROM audit_outbox
	WHERE published_at IS NULL AND attempts < $2
	ORDER BY event_seq
	LIMIT $1
	FOR UPDATE SKIP LOCKED
`

// RunOnce publishes one batch and returns how many rows were marked published.
// Rows claimed by a concurrent relay are skipped, so several relays can run
// against the same database.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "audit.outbox.relay")
	defer span.End()

	var published int
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		tx, _ := txcontext.From(ctx)

		entries, err := claim(ctx, tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		ok, failed := r.produce(ctx, entries)
		if len(ok) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE audit_outbox SET published_at = now() WHERE id = ANY($1::uuid[])`,
				pq.Array(ok),
			); err != nil {
				return fmt.Errorf("mark outbox entries published: %w", err)
			}
		}
		if len(failed) > 0 {
			if err := r.recordAttempts(ctx, tx, failed); err != nil {
				return err
			}
		}
		published = len(ok)
		return nil
	})
	span.SetAttributes(attribute.Int("audit.outbox.published", published))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "relay batch failed")
		return 0, err
	}
	return published, nil
}

const bumpAttempts = `
	UPDATE audit_outbox SET attempts = attempts + 1
	WHERE id = ANY($1::uuid[])
	RETURNING event_id, attempts
`

// recordAttempts counts one more rejected publish for each failed row and
// reports the rows that just reached the attempt limit.
func (r *Relay) recordAttempts(ctx context.Context, tx *sql.Tx, failed []string) error {
	rows, err := tx.QueryContext(ctx, bumpAttempts, pq.Array(failed))
	if err != nil {
		return fmt.Errorf("record outbox publish attempts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			eventID  string
			attempts int
		)
		if err := rows.Scan(&eventID, &attempts); err != nil {
			return fmt.Errorf("scan outbox publish attempts: %w", err)
		}
		if attempts < r.maxAttempts {
			continue
		}
		r.metrics.IncExhausted()
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "audit outbox entry exhausted publish attempts",
				"event_id", eventID,
				"attempts", attempts,
			)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate outbox publish attempts: %w", err)
	}
	return nil
}

func claim(ctx context.Context, tx *sql.Tx, limit, maxAttempts int) ([]entry, error) {
	rows, err := tx.QueryContext(ctx, claimBatch, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.eventID, &e.action, &e.payload); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return entries, nil
}

// produce sends entries and splits their outbox IDs by outcome, preserving
// claim order within each list.
func (r *Relay) produce(ctx context.Context, entries []entry) (ok, failed []string) {
	records := make([]*kgo.Record, len(entries))
	for i, e := range entries {
		records[i] = &kgo.Record{
			Topic:   r.topic,
			Key:     []byte(e.eventID),
			Value:   e.payload,
			Headers: []kgo.RecordHeader{{Key: "action", Value: []byte(e.action)}},
		}
	}

	errs := make(map[*kgo.Record]error, len(records))
	for _, res := range r.producer.ProduceSync(ctx, records...) {
		errs[res.Record] = res.Err
	}

	for i, e := range entries {
		if err := errs[records[i]]; err != nil {
			failed = append(failed, e.id)
			r.metrics.IncFailed()
			if r.logger != nil {
				r.logger.WarnContext(ctx, "audit outbox publish failed",
					"event_id", e.eventID,
					"action", e.action,
					"error", err,
				)
			}
			continue
		}
		ok = append(ok, e.id)
		r.metrics.IncPublished()
	}
	return ok, failed
}
