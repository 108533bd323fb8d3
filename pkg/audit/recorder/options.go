package recorder

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"audittrail/pkg/platform/circuit"
)

// RetryPolicy bounds how long a transient sink failure is retried before the
// recorder reports it.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy allows three retries spread over roughly 350ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
	}
}

// Option configures the Recorder.
type Option func(*Recorder)

// WithLogger sets a logger for failure reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// WithRetryPolicy overrides the default retry policy. Negative values are
// clamped to zero retries.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Recorder) {
		if p.MaxRetries < 0 {
			p.MaxRetries = 0
		}
		r.retry = p
	}
}

// WithBreaker sets the circuit breaker guarding the sink. While it is open the
// recorder makes a single attempt per call instead of backing off.
func WithBreaker(b *circuit.Breaker) Option {
	return func(r *Recorder) {
		r.breaker = b
	}
}

// WithClock replaces the wall clock used for capture timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator replaces the event ID generator.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithTracer sets the tracer used for record and query spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Recorder) {
		if t != nil {
			r.tracer = t
		}
	}
}
