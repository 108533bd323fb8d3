package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity classifies an event as informational or error-indicating.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityError Severity = "ERROR"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityError
}

// Event is an immutable audit record. ID and Timestamp are assigned by the
// recorder, Seq by the sink that stored it.
type Event struct {
	ID          uuid.UUID
	Seq         uint64
	Timestamp   time.Time
	Action      string
	Description string
	ResourceID  string // empty when the action does not target a resource
	UserID      string // empty for system-initiated actions
	Severity    Severity
	ErrorDetail string // only set for SeverityError
	RequestID   string // correlation ID copied from the caller's context
}

// Entry is the caller input for an informational event.
type Entry struct {
	Action      string `validate:"required"`
	Description string `validate:"required"`
	ResourceID  string
	UserID      string
}

// trimmed is the copy validation runs on, so whitespace-only fields count as
// missing. The recorder stores the caller's values unchanged.
func (e Entry) trimmed() Entry {
	e.Action = strings.TrimSpace(e.Action)
	e.Description = strings.TrimSpace(e.Description)
	return e
}

// ErrorEntry is the caller input for an error event.
type ErrorEntry struct {
	Action      string `validate:"required"`
	Description string `validate:"required"`
	ErrorDetail string `validate:"required"`
}

func (e ErrorEntry) trimmed() ErrorEntry {
	e.Action = strings.TrimSpace(e.Action)
	e.Description = strings.TrimSpace(e.Description)
	e.ErrorDetail = strings.TrimSpace(e.ErrorDetail)
	return e
}

// Receipt identifies a durably appended event.
type Receipt struct {
	ID        uuid.UUID
	Seq       uint64
	Timestamp time.Time
}

// Filter selects events for a query. Zero-valued fields do not constrain the
// result. Since is inclusive, Until is exclusive.
type Filter struct {
	Since      time.Time
	Until      time.Time
	Action     string
	ResourceID string
	UserID     string
	Severity   Severity
	Limit      int // 0 means no limit
}

// Matches reports whether e satisfies every constraint in f. Limit is not
// considered.
func (f Filter) Matches(e Event) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	return true
}

// Less orders events by timestamp, then by sequence number.
func Less(a, b Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}

// Compare is the three-way form of Less, for slices.SortFunc.
func Compare(a, b Event) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}
