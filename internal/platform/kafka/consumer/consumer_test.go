package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"audittrail/pkg/platform/sentinel"
)

// fakeClient serves one batch of fetches, then cancels the run.
type fakeClient struct {
	mu        sync.Mutex
	batches   []kgo.Fetches
	cancel    context.CancelFunc
	committed []*kgo.Record
}

func (f *fakeClient) PollFetches(ctx context.Context) kgo.Fetches {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		f.cancel()
		return kgo.Fetches{}
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next
}

func (f *fakeClient) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, rs...)
	return nil
}

func fetchesOf(records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic:      "audit.events",
			Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}},
		}},
	}}
}

func record(offset int64, key string) *kgo.Record {
	return &kgo.Record{
		Topic:   "audit.events",
		Offset:  offset,
		Key:     []byte(key),
		Value:   []byte(`{}`),
		Headers: []kgo.RecordHeader{{Key: "action", Value: []byte("CREATE")}},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_HandlesAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &fakeClient{cancel: cancel, batches: []kgo.Fetches{fetchesOf(record(0, "a"), record(1, "b"))}}

	var seen []*Message
	handler := HandlerFunc(func(_ context.Context, msg *Message) error {
		seen = append(seen, msg)
		return nil
	})

	err := New(client, handler, WithLogger(discardLogger())).Run(ctx)
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, "a", string(seen[0].Key))
	assert.Equal(t, "CREATE", seen[0].Headers["action"])
	assert.Equal(t, int64(1), seen[1].Offset)
	assert.Len(t, client.committed, 2)
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &fakeClient{cancel: cancel, batches: []kgo.Fetches{fetchesOf(record(0, "a"))}}

	calls := 0
	handler := HandlerFunc(func(context.Context, *Message) error {
		calls++
		if calls < 3 {
			return sentinel.Unavailable(errors.New("database restarting"))
		}
		return nil
	})

	err := New(client, handler, WithLogger(discardLogger()), WithMaxBackoff(time.Millisecond)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, client.committed, 1)
}

func TestRun_CommitsPoisonMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &fakeClient{cancel: cancel, batches: []kgo.Fetches{fetchesOf(record(0, "bad"), record(1, "good"))}}

	calls := 0
	handler := HandlerFunc(func(_ context.Context, msg *Message) error {
		calls++
		if string(msg.Key) == "bad" {
			return sentinel.ErrCorrupt
		}
		return nil
	})

	err := New(client, handler, WithLogger(discardLogger())).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "poison messages are not retried")
	assert.Len(t, client.committed, 2)
}

func TestRun_StopsOnCancelWithoutCommittingUnhandled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{cancel: cancel, batches: []kgo.Fetches{fetchesOf(record(0, "a"), record(1, "b"))}}

	handler := HandlerFunc(func(_ context.Context, msg *Message) error {
		if string(msg.Key) == "b" {
			cancel()
			return sentinel.Unavailable(errors.New("still down"))
		}
		return nil
	})

	err := New(client, handler, WithLogger(discardLogger()), WithMaxBackoff(time.Millisecond)).Run(ctx)
	require.NoError(t, err)
	require.Len(t, client.committed, 1)
	assert.Equal(t, "a", string(client.committed[0].Key))
}
