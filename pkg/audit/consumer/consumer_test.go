package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audittrail/internal/platform/kafka/consumer"
	"audittrail/pkg/audit"
	"audittrail/pkg/audit/store/memory"
	"audittrail/pkg/platform/sentinel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func forwarded(t *testing.T, seq uint64) (audit.Event, *consumer.Message) {
	t.Helper()
	event := audit.Event{
		ID:          uuid.New(),
		Seq:         seq,
		Timestamp:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Action:      "DELETE",
		Description: "removed file X",
		ResourceID:  "42",
		UserID:      "7",
		Severity:    audit.SeverityInfo,
	}
	value, err := audit.MarshalJSONEvent(event)
	require.NoError(t, err)
	return event, &consumer.Message{Topic: "audit.events", Key: []byte(event.ID.String()), Value: value}
}

type failingStore struct{ err error }

func (s failingStore) AppendReplica(context.Context, audit.Event) error { return s.err }

type recordingHandler struct{ msgs []*consumer.Message }

func (h *recordingHandler) Handle(_ context.Context, msg *consumer.Message) error {
	h.msgs = append(h.msgs, msg)
	return nil
}

func TestEventHandler_StoresForwardedEventOnce(t *testing.T) {
	store := memory.NewInMemoryStore()
	handler := NewEventHandler(store, discardLogger())
	event, msg := forwarded(t, 17)

	require.NoError(t, handler.Handle(context.Background(), msg))
	require.NoError(t, handler.Handle(context.Background(), msg), "redelivery is harmless")

	events, err := audit.Collect(store.Scan(context.Background(), audit.Filter{}))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.Equal(t, uint64(17), events[0].Seq)
	assert.Equal(t, "42", events[0].ResourceID)
}

func TestEventHandler_RejectsMalformedMessages(t *testing.T) {
	handler := NewEventHandler(memory.NewInMemoryStore(), discardLogger())

	err := handler.Handle(context.Background(), &consumer.Message{Key: []byte("x"), Value: []byte("{")})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel.ErrCorrupt)
	assert.False(t, errors.Is(err, sentinel.ErrUnavailable))

	_, msg := forwarded(t, 1)
	msg.Key = []byte(uuid.NewString())
	err = handler.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, errors.Is(err, sentinel.ErrUnavailable))
}

func TestEventHandler_KeepsStoreOutagesRetryable(t *testing.T) {
	outage := sentinel.Unavailable(errors.New("connection refused"))
	handler := NewEventHandler(failingStore{err: outage}, discardLogger())
	_, msg := forwarded(t, 1)

	err := handler.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
}

func TestRouter_DispatchesByTopic(t *testing.T) {
	events := &recordingHandler{}
	fallback := &recordingHandler{}
	router := NewRouter(discardLogger(), fallback)
	router.Register("audit.events", events)

	require.NoError(t, router.Handle(context.Background(), &consumer.Message{Topic: "audit.events"}))
	require.NoError(t, router.Handle(context.Background(), &consumer.Message{Topic: "other"}))

	assert.Len(t, events.msgs, 1)
	assert.Len(t, fallback.msgs, 1)
}

func TestRouter_SkipsUnknownTopicWithoutFallback(t *testing.T) {
	router := NewRouter(discardLogger(), nil)

	err := router.Handle(context.Background(), &consumer.Message{Topic: "unknown", Key: []byte("k")})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), router.Skipped())
}

func TestRouter_AnnotatesHandlerErrors(t *testing.T) {
	outage := sentinel.Unavailable(errors.New("connection refused"))
	router := NewRouter(discardLogger(), nil)
	router.Register("audit.events", NewEventHandler(failingStore{err: outage}, discardLogger()))
	router.Register("audit.archive", &recordingHandler{})
	assert.Equal(t, []string{"audit.archive", "audit.events"}, router.Topics())

	_, msg := forwarded(t, 1)
	msg.Partition, msg.Offset = 3, 1200

	err := router.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Contains(t, err.Error(), "audit.events[3]@1200")
	assert.Zero(t, router.Skipped())
}
