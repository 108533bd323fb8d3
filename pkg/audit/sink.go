package audit

//go:generate mockgen -source=sink.go -destination=mocks/mock_sink.go -package=mocks

import (
	"context"
	"iter"
)

// Sink is the durable append-only store behind the recorder. Implementations
// own their locking and transaction discipline.
type Sink interface {
	// Append stores event and returns its sequence number, unique within the
	// sink. Append must be idempotent on event.ID: storing an ID that already
	// exists returns the existing sequence number without writing again, which
	// lets the recorder retry after ambiguous failures.
	//
	// Retryable failures must wrap sentinel.ErrUnavailable.
	Append(ctx context.Context, event Event) (uint64, error)

	// Scan yields the events matching filter ordered by (Timestamp, Seq). The
	// sequence stops after the first error. Breaking out of the loop must
	// release any cursor the sink holds.
	Scan(ctx context.Context, filter Filter) iter.Seq2[Event, error]
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Event, error]) ([]Event, error) {
	events := []Event{}
	for event, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
	return events, nil
}
