// Package consumer runs a poll loop over a franz-go group client and hands
// each record to a Handler, committing offsets only for handled records.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"audittrail/pkg/platform/sentinel"
)

// Message is the transport-neutral view of a Kafka record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func newMessage(rec *kgo.Record) *Message {
	msg := &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}
	if len(rec.Headers) > 0 {
		msg.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

// Handler processes one message. Errors wrapping sentinel.ErrUnavailable are
// retried; any other error marks the message as poison, which is logged and
// committed.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Client is the subset of *kgo.Client the consumer needs.
type Client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// Consumer drives a Handler from a Client.
type Consumer struct {
	client     Client
	handler    Handler
	logger     *slog.Logger
	maxBackoff time.Duration
}

// Option configures a Consumer.
type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

// WithMaxBackoff caps the wait between retries of a transient handler failure.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.maxBackoff = d
		}
	}
}

func New(client Client, handler Handler, opts ...Option) *Consumer {
	c := &Consumer{
		client:     client,
		handler:    handler,
		logger:     slog.Default(),
		maxBackoff: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled or the client is closed. A record that keeps
// failing transiently blocks its batch; nothing after it is committed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.ErrorContext(ctx, "kafka fetch failed",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		var handled []*kgo.Record
		records := fetches.RecordIter()
		for !records.Done() {
			rec := records.Next()
			if err := c.handle(ctx, rec); err != nil {
				c.commit(ctx, handled)
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			handled = append(handled, rec)
		}
		c.commit(ctx, handled)
	}
}

func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) error {
	msg := newMessage(rec)
	exp := backoff.NewExponentialBackOff()
	exp.MaxInterval = c.maxBackoff
	exp.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := c.handler.Handle(ctx, msg)
		if err == nil || errors.Is(err, sentinel.ErrUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(exp, ctx), func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "message handler unavailable, retrying",
			"topic", rec.Topic,
			"offset", rec.Offset,
			"retry_in", wait,
			"error", err,
		)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.logger.ErrorContext(ctx, "skipping unprocessable message",
		"topic", rec.Topic,
		"partition", rec.Partition,
		"offset", rec.Offset,
		"key", string(rec.Key),
		"error", err,
	)
	return nil
}

func (c *Consumer) commit(ctx context.Context, records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	// Handled records are committed even while shutting down.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.client.CommitRecords(commitCtx, records...); err != nil {
		c.logger.ErrorContext(ctx, "kafka offset commit failed", "records", len(records), "error", err)
	}
}
