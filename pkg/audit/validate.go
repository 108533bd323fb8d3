package audit

import (
	"errors"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

const (
	OpRecord      = "record"
	OpRecordError = "record_error"
	OpQuery       = "query"
)

var validate = validator.New()

// Validate checks required fields. Whitespace-only values are rejected.
func (e Entry) Validate() error {
	return structError(OpRecord, validate.Struct(e.trimmed()))
}

// Validate checks required fields. Whitespace-only values are rejected.
func (e ErrorEntry) Validate() error {
	return structError(OpRecordError, validate.Struct(e.trimmed()))
}

// Validate rejects filters that can never be satisfied by a well-formed sink
// query.
func (f Filter) Validate() error {
	if f.Severity != "" && !f.Severity.Valid() {
		return validationError(OpQuery, "severity", "unknown severity "+string(f.Severity))
	}
	if f.Limit < 0 {
		return validationError(OpQuery, "limit", "limit must not be negative")
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return validationError(OpQuery, "until", "until is before since")
	}
	return nil
}

func structError(op string, err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		field := snakeCase(fieldErrs[0].Field())
		return validationError(op, field, field+" is required")
	}
	return &Error{Code: CodeValidation, Op: op, Err: err}
}

// snakeCase turns Go field names such as ErrorDetail into error_detail.
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
