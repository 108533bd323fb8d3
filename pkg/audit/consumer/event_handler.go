package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"audittrail/internal/platform/kafka/consumer"
	"audittrail/pkg/audit"
)

// ReplicaStore stores events forwarded from another deployment. Implementations
// must be idempotent on the event ID because Kafka delivers at least once.
type ReplicaStore interface {
	AppendReplica(ctx context.Context, event audit.Event) error
}

// EventHandler decodes forwarded audit events and writes them to a ReplicaStore.
type EventHandler struct {
	store  ReplicaStore
	logger *slog.Logger
}

func NewEventHandler(store ReplicaStore, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{store: store, logger: logger}
}

// Handle stores one forwarded event. Malformed messages return an error that
// does not wrap sentinel.ErrUnavailable, so the consumer logs and commits them;
// store outages keep their classification and are retried.
func (h *EventHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	event, err := audit.UnmarshalJSONEvent(msg.Value)
	if err != nil {
		return fmt.Errorf("decode forwarded audit event: %w", err)
	}
	if key := string(msg.Key); key != "" && key != event.ID.String() {
		return fmt.Errorf("decode forwarded audit event: key %q does not match event id %s", key, event.ID)
	}

	if err := h.store.AppendReplica(ctx, event); err != nil {
		return fmt.Errorf("store replica audit event %s: %w", event.ID, err)
	}
	h.logger.DebugContext(ctx, "replicated audit event",
		"event_id", event.ID,
		"action", event.Action,
		"origin_seq", event.Seq,
	)
	return nil
}
