package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"audittrail/pkg/platform/sentinel"
)

// Payload is the serialized form of an Event used on the wire (outbox rows,
// Kafka messages) and by sinks that store opaque blobs. Timestamps travel as
// unix microseconds so that every encoding round-trips exactly.
type Payload struct {
	ID          string `json:"id" msgpack:"id"`
	Seq         uint64 `json:"seq" msgpack:"seq"`
	Timestamp   int64  `json:"ts_us" msgpack:"ts"`
	Action      string `json:"action" msgpack:"a"`
	Description string `json:"description" msgpack:"d"`
	ResourceID  string `json:"resource_id,omitempty" msgpack:"r,omitempty"`
	UserID      string `json:"user_id,omitempty" msgpack:"u,omitempty"`
	Severity    string `json:"severity" msgpack:"s"`
	ErrorDetail string `json:"error_detail,omitempty" msgpack:"e,omitempty"`
	RequestID   string `json:"request_id,omitempty" msgpack:"q,omitempty"`
}

// NewPayload converts an event into its wire form.
func NewPayload(e Event) Payload {
	return Payload{
		ID:          e.ID.String(),
		Seq:         e.Seq,
		Timestamp:   e.Timestamp.UnixMicro(),
		Action:      e.Action,
		Description: e.Description,
		ResourceID:  e.ResourceID,
		UserID:      e.UserID,
		Severity:    string(e.Severity),
		ErrorDetail: e.ErrorDetail,
		RequestID:   e.RequestID,
	}
}

// Event converts the payload back, rejecting payloads that could not have been
// produced by NewPayload.
func (p Payload) Event() (Event, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return Event{}, fmt.Errorf("%w: event id: %w", sentinel.ErrCorrupt, err)
	}
	severity := Severity(p.Severity)
	if !severity.Valid() {
		return Event{}, fmt.Errorf("%w: severity %q", sentinel.ErrCorrupt, p.Severity)
	}
	if p.Action == "" {
		return Event{}, fmt.Errorf("%w: empty action", sentinel.ErrCorrupt)
	}
	return Event{
		ID:          id,
		Seq:         p.Seq,
		Timestamp:   time.UnixMicro(p.Timestamp).UTC(),
		Action:      p.Action,
		Description: p.Description,
		ResourceID:  p.ResourceID,
		UserID:      p.UserID,
		Severity:    severity,
		ErrorDetail: p.ErrorDetail,
		RequestID:   p.RequestID,
	}, nil
}

// MarshalJSONEvent encodes e for the outbox and Kafka.
func MarshalJSONEvent(e Event) ([]byte, error) {
	b, err := json.Marshal(NewPayload(e))
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	return b, nil
}

// UnmarshalJSONEvent decodes an event produced by MarshalJSONEvent.
func UnmarshalJSONEvent(data []byte) (Event, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Event{}, fmt.Errorf("%w: decode audit payload: %w", sentinel.ErrCorrupt, err)
	}
	return p.Event()
}

// MarshalMsgpackEvent encodes e in the compact binary form used by the Redis sink.
func MarshalMsgpackEvent(e Event) ([]byte, error) {
	b, err := msgpack.Marshal(NewPayload(e))
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	return b, nil
}

// UnmarshalMsgpackEvent decodes an event produced by MarshalMsgpackEvent.
func UnmarshalMsgpackEvent(data []byte) (Event, error) {
	var p Payload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return Event{}, fmt.Errorf("%w: decode audit payload: %w", sentinel.ErrCorrupt, err)
	}
	return p.Event()
}
