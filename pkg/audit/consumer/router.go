// Package consumer materializes forwarded audit events from Kafka into a
// replica sink.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"audittrail/internal/platform/kafka/consumer"
)

var tracer = otel.Tracer("audittrail/pkg/audit/consumer")

// TopicHandler processes the messages of one topic.
type TopicHandler interface {
	Handle(ctx context.Context, msg *consumer.Message) error
}

// Router picks the TopicHandler for each polled message. Register every topic
// before the consumer starts; the handler map is not guarded.
type Router struct {
	handlers map[string]TopicHandler
	fallback TopicHandler
	logger   *slog.Logger
	skipped  atomic.Int64
}

// NewRouter builds a Router. fallback may be nil, in which case messages from
// unregistered topics are skipped and committed.
func NewRouter(logger *slog.Logger, fallback TopicHandler) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]TopicHandler),
		fallback: fallback,
		logger:   logger,
	}
}

func (r *Router) Register(topic string, handler TopicHandler) {
	r.handlers[topic] = handler
}

// Topics lists the registered topics in sorted order.
func (r *Router) Topics() []string {
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// Skipped reports how many messages had no handler.
func (r *Router) Skipped() int64 { return r.skipped.Load() }

// Handle dispatches msg. Handler errors are annotated with the message position
// and keep their classification for the consumer's retry decision.
func (r *Router) Handle(ctx context.Context, msg *consumer.Message) error {
	handler, ok := r.handlers[msg.Topic]
	if !ok {
		handler = r.fallback
	}
	if handler == nil {
		r.skipped.Add(1)
		r.logger.WarnContext(ctx, "no handler for topic, skipping message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return nil
	}

	ctx, span := tracer.Start(ctx, "audit.replica.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int64("messaging.kafka.partition", int64(msg.Partition)),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	if err := handler.Handle(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}
