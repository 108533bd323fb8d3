// Package redis stores audit events in a Redis stream.
//
// Each append runs one Lua script that checks the ID index, allocates the next
// sequence number and adds the stream entry, so concurrent writers from many
// processes never interleave a partial append. Events are msgpack encoded.
//
// Stream order follows the sequence number, not the timestamp, so Scan reads
// the whole stream before yielding. Without a Limit it holds every match in
// memory; with one it keeps only the first Limit matches in query order.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"audittrail/pkg/audit"
	"audittrail/pkg/platform/sentinel"
)

const defaultPageSize = 500

// appendScript: KEYS = stream, id index, sequence counter; ARGV = id, payload, timestamp.
var appendScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[2], ARGV[1])
if existing then
	return tonumber(existing)
end
local seq = redis.call('INCR', KEYS[3])
redis.call('XADD', KEYS[1], '*', 'seq', seq, 'ts', ARGV[3], 'event', ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], seq)
return seq
`)

// Store implements audit.Sink on Redis Streams.
type Store struct {
	client   redis.UniversalClient
	stream   string
	index    string
	counter  string
	pageSize int64
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces the store's keys. The prefix is wrapped in a hash
// tag so all keys land in the same cluster slot.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.setKeys(prefix)
		}
	}
}

// WithPageSize sets how many stream entries Scan reads per round trip.
func WithPageSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New creates a Store on client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, pageSize: defaultPageSize}
	s.setKeys("audit")
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) setKeys(prefix string) {
	tag := "{" + prefix + "}"
	s.stream = tag + ":events"
	s.index = tag + ":ids"
	s.counter = tag + ":seq"
}

// Append stores event. A duplicate ID returns the stored sequence number.
func (s *Store) Append(ctx context.Context, event audit.Event) (uint64, error) {
	payload, err := audit.MarshalMsgpackEvent(event)
	if err != nil {
		return 0, err
	}
	seq, err := appendScript.Run(ctx, s.client,
		[]string{s.stream, s.index, s.counter},
		event.ID.String(), payload, event.Timestamp.UnixMicro(),
	).Int64()
	if err != nil {
		return 0, classify(fmt.Errorf("append audit event: %w", err))
	}
	return uint64(seq), nil
}

// AppendReplica stores a forwarded event under a local sequence number.
func (s *Store) AppendReplica(ctx context.Context, event audit.Event) error {
	_, err := s.Append(ctx, event)
	return err
}

// Scan reads the stream page by page, then yields the matches in
// (timestamp, seq) order. Stream order follows the sequence, but timestamps
// from different writer processes can interleave, so matches are sorted before
// the first yield.
func (s *Store) Scan(ctx context.Context, filter audit.Filter) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		var matches []audit.Event
		start := "-"
		for {
			page, err := s.client.XRangeN(ctx, s.stream, start, "+", s.pageSize).Result()
			if err != nil {
				yield(audit.Event{}, classify(fmt.Errorf("read audit stream: %w", err)))
				return
			}
			for _, msg := range page {
				event, err := decodeMessage(msg)
				if err != nil {
					yield(audit.Event{}, err)
					return
				}
				if filter.Matches(event) {
					matches = keepFirst(matches, event, filter.Limit)
				}
			}
			if int64(len(page)) < s.pageSize {
				break
			}
			start = nextStreamID(page[len(page)-1].ID)
		}

		if filter.Limit == 0 {
			slices.SortStableFunc(matches, audit.Compare)
		}
		for _, event := range matches {
			if err := ctx.Err(); err != nil {
				yield(audit.Event{}, err)
				return
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

// keepFirst inserts event into matches, which is sorted when limit > 0, and
// drops whatever falls past limit.
func keepFirst(matches []audit.Event, event audit.Event, limit int) []audit.Event {
	if limit == 0 {
		return append(matches, event)
	}
	if len(matches) == limit && audit.Compare(event, matches[limit-1]) >= 0 {
		return matches
	}
	i, _ := slices.BinarySearchFunc(matches, event, audit.Compare)
	if len(matches) == limit {
		matches = matches[:limit-1]
	}
	return slices.Insert(matches, i, event)
}

func decodeMessage(msg redis.XMessage) (audit.Event, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return audit.Event{}, fmt.Errorf("%w: stream entry %s has no event", sentinel.ErrCorrupt, msg.ID)
	}
	event, err := audit.UnmarshalMsgpackEvent([]byte(raw))
	if err != nil {
		return audit.Event{}, fmt.Errorf("stream entry %s: %w", msg.ID, err)
	}
	seqField, _ := msg.Values["seq"].(string)
	seq, err := strconv.ParseUint(seqField, 10, 64)
	if err != nil {
		return audit.Event{}, fmt.Errorf("%w: stream entry %s seq %q", sentinel.ErrCorrupt, msg.ID, seqField)
	}
	event.Seq = seq
	return event, nil
}

// nextStreamID returns the smallest stream ID greater than id.
func nextStreamID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}

var transientPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}

// classify marks connection failures and temporary server states as retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", sentinel.ErrClosed, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return sentinel.Unavailable(err)
	}
	for _, prefix := range transientPrefixes {
		if redis.HasErrorPrefix(err, prefix) {
			return sentinel.Unavailable(err)
		}
	}
	return err
}
