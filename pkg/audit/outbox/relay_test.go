package outbox

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

// fakeProducer acknowledges records unless their key is listed in reject.
type fakeProducer struct {
	reject   map[string]error
	produced []*kgo.Record
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	// Reverse order: results are matched by record, not by position.
	for i := len(rs) - 1; i >= 0; i-- {
		p.produced = append(p.produced, rs[i])
		results = append(results, kgo.ProduceResult{Record: rs[i], Err: p.reject[string(rs[i].Key)]})
	}
	return results
}

func newTestRelay(t *testing.T, producer Producer, opts ...Option) (*Relay, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, producer, "audit.events", opts...), mock
}

func outboxRows(entries ...[4]string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "event_id", "action", "payload"})
	for _, e := range entries {
		rows.AddRow(e[0], e[1], e[2], []byte(e[3]))
	}
	return rows
}

func TestRunOnce_PublishesAndMarksRows(t *testing.T) {
	producer := &fakeProducer{}
	metrics := NewMetrics(nil)
	relay, mock := newTestRelay(t, producer, WithBatchSize(10), WithMetrics(metrics))

	outboxA, outboxB := uuid.NewString(), uuid.NewString()
	eventA, eventB := uuid.NewString(), uuid.NewString()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, event_id, action, payload FROM audit_outbox WHERE published_at IS NULL .+ FOR UPDATE SKIP LOCKED`).
		WithArgs(10, defaultMaxAttempts).
		WillReturnRows(outboxRows(
			[4]string{outboxA, eventA, "DELETE", `{"action":"DELETE"}`},
			[4]string{outboxB, eventB, "EXPORT", `{"action":"EXPORT"}`},
		))
	mock.ExpectExec(`UPDATE audit_outbox SET published_at = now\(\) WHERE id = ANY\(\$1::uuid\[\]\)`).
		WithArgs(pq.Array([]string{outboxA, outboxB})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, producer.produced, 2)
	for _, rec := range producer.produced {
		assert.Equal(t, "audit.events", rec.Topic)
		assert.Contains(t, []string{eventA, eventB}, string(rec.Key))
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Published))
}

func TestRunOnce_LeavesRejectedRowsUnpublished(t *testing.T) {
	outboxA, outboxB := uuid.NewString(), uuid.NewString()
	eventA, eventB := uuid.NewString(), uuid.NewString()
	producer := &fakeProducer{reject: map[string]error{eventB: errors.New("NOT_ENOUGH_REPLICAS")}}
	metrics := NewMetrics(nil)
	relay, mock := newTestRelay(t, producer, WithMetrics(metrics))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM audit_outbox`).
		WithArgs(defaultBatchSize, defaultMaxAttempts).
		WillReturnRows(outboxRows(
			[4]string{outboxA, eventA, "DELETE", `{}`},
			[4]string{outboxB, eventB, "EXPORT", `{}`},
		))
	mock.ExpectExec(`UPDATE audit_outbox SET published_at`).
		WithArgs(pq.Array([]string{outboxA})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE audit_outbox SET attempts = attempts \+ 1 .+ RETURNING event_id, attempts`).
		WithArgs(pq.Array([]string{outboxB})).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "attempts"}).AddRow(eventB, 1))
	mock.ExpectCommit()

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Failed))
	assert.Zero(t, testutil.ToFloat64(metrics.Exhausted))
}

func TestRunOnce_StopsClaimingExhaustedRows(t *testing.T) {
	outboxA, outboxB := uuid.NewString(), uuid.NewString()
	eventA, eventB := uuid.NewString(), uuid.NewString()
	tooLarge := errors.New("MESSAGE_TOO_LARGE")
	producer := &fakeProducer{reject: map[string]error{eventA: tooLarge, eventB: tooLarge}}
	metrics := NewMetrics(nil)
	relay, mock := newTestRelay(t, producer, WithBatchSize(2), WithMaxAttempts(3), WithMetrics(metrics))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM audit_outbox WHERE published_at IS NULL AND attempts < \$2`).
		WithArgs(2, 3).
		WillReturnRows(outboxRows(
			[4]string{outboxA, eventA, "EXPORT", `{}`},
			[4]string{outboxB, eventB, "EXPORT", `{}`},
		))
	mock.ExpectQuery(`UPDATE audit_outbox SET attempts = attempts \+ 1`).
		WithArgs(pq.Array([]string{outboxA, outboxB})).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "attempts"}).
			AddRow(eventA, 3).
			AddRow(eventB, 2))
	mock.ExpectCommit()

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Failed))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Exhausted), "only the row at the limit is exhausted")
}

func TestRunOnce_EmptyOutbox(t *testing.T) {
	producer := &fakeProducer{}
	relay, mock := newTestRelay(t, producer)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM audit_outbox`).WillReturnRows(outboxRows())
	mock.ExpectCommit()

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, producer.produced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnce_ClaimFailureRollsBack(t *testing.T) {
	relay, mock := newTestRelay(t, &fakeProducer{})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM audit_outbox`).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := relay.RunOnce(context.Background())
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
