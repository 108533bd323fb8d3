// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values the audit recorder copies into events.
//
// Middleware in the enclosing application sets the values; the recorder only reads
// them:
//
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//	...
//	receipt, err := rec.Record(ctx, audit.Entry{...}) // event.RequestID == requestID
package requestcontext

import "context"

type requestIDKey struct{}

// ContextKeyRequestID is exported for tests that need context.WithValue directly.
var ContextKeyRequestID = requestIDKey{}

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}
