package memory

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"

	"audittrail/pkg/audit"
)

// InMemoryStore is an append-only audit sink held in process memory. Readers
// take a snapshot of the slice prefix under the read lock and iterate it without
// holding any lock, so queries never block writers.
type InMemoryStore struct {
	mu      sync.RWMutex
	events  []audit.Event
	byID    map[uuid.UUID]uint64
	lastSeq uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[uuid.UUID]uint64)}
}

// Clear drops every stored event. Test helper only; the sink API itself has no
// delete path.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.byID = make(map[uuid.UUID]uint64)
	s.lastSeq = 0
}

// Len returns the number of stored events.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *InMemoryStore) Append(ctx context.Context, event audit.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq, ok := s.byID[event.ID]; ok {
		return seq, nil
	}
	s.lastSeq++
	event.Seq = s.lastSeq
	s.events = append(s.events, event)
	s.byID[event.ID] = event.Seq
	return event.Seq, nil
}

// AppendReplica stores an event forwarded from another sink, keeping its origin
// sequence number. Duplicate IDs are ignored.
func (s *InMemoryStore) AppendReplica(ctx context.Context, event audit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[event.ID]; ok {
		return nil
	}
	s.events = append(s.events, event)
	s.byID[event.ID] = event.Seq
	s.lastSeq = max(s.lastSeq, event.Seq)
	return nil
}

func (s *InMemoryStore) Scan(ctx context.Context, filter audit.Filter) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		s.mu.RLock()
		snapshot := s.events[:len(s.events):len(s.events)]
		s.mu.RUnlock()

		var matches []audit.Event
		for _, event := range snapshot {
			if filter.Matches(event) {
				matches = append(matches, event)
			}
		}
		slices.SortStableFunc(matches, audit.Compare)
		if filter.Limit > 0 && len(matches) > filter.Limit {
			matches = matches[:filter.Limit]
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
