package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"audittrail/pkg/platform/sentinel"
)

// Code classifies why an audit operation failed.
type Code string

const (
	// CodeValidation marks malformed input. Never retried; nothing was stored.
	CodeValidation Code = "validation"
	// CodeTransient marks a sink that stayed unavailable after bounded retries.
	CodeTransient Code = "transient_sink"
	// CodePermanent marks a sink that rejected the operation irrecoverably.
	CodePermanent Code = "permanent_sink"
)

// Error is the only error type returned by the recorder. Callers decide whether
// an unrecorded audit is fatal for their operation.
type Error struct {
	Code     Code
	Op       string // record, record_error, query
	Field    string // offending input field for CodeValidation
	Attempts int    // sink attempts made before giving up
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("audit ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Code))
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsValidation reports whether err is an audit validation failure.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsTransient reports whether err is a transient sink failure.
func IsTransient(err error) bool { return hasCode(err, CodeTransient) }

// IsPermanent reports whether err is a permanent sink failure.
func IsPermanent(err error) bool { return hasCode(err, CodePermanent) }

func hasCode(err error, code Code) bool {
	var auditErr *Error
	if errors.As(err, &auditErr) {
		return auditErr.Code == code
	}
	return false
}

// Classify maps a raw sink error to a failure code. Sinks mark retryable
// conditions with sentinel.ErrUnavailable; context expiry is also transient
// because the same call may succeed with a fresh deadline.
func Classify(err error) Code {
	var auditErr *Error
	if errors.As(err, &auditErr) {
		return auditErr.Code
	}
	switch {
	case errors.Is(err, sentinel.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeTransient
	default:
		return CodePermanent
	}
}

func validationError(op, field, msg string) *Error {
	return &Error{Code: CodeValidation, Op: op, Field: field, Err: errors.New(msg)}
}
