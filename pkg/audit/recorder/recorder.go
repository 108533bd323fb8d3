// Package recorder captures structured audit events and appends them to a
// durable sink.
//
// Record and RecordError are synchronous: they return only after the sink has
// acknowledged the append, or with an *audit.Error describing why it did not.
// Nothing is swallowed and nothing panics out to the caller. Whether a failed
// audit should abort the caller's own operation is the caller's decision.
//
// Transient sink failures are retried with bounded exponential backoff. Retries
// reuse the event ID, and sinks deduplicate on it, so a retry after an ambiguous
// failure never produces a second record.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"audittrail/pkg/audit"
	"audittrail/pkg/platform/circuit"
	"audittrail/pkg/requestcontext"
)

const tracerName = "audittrail/recorder"

// Recorder is safe for concurrent use. It holds no lock across sink I/O; the
// sink is the only point of serialization.
type Recorder struct {
	sink    audit.Sink
	clock   *audit.Clock
	now     func() time.Time
	newID   func() uuid.UUID
	retry   RetryPolicy
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// New creates a Recorder writing to sink.
func New(sink audit.Sink, opts ...Option) (*Recorder, error) {
	if sink == nil {
		return nil, errors.New("audit sink is required")
	}
	r := &Recorder{
		sink:   sink,
		now:    time.Now,
		newID:  uuid.New,
		retry:  DefaultRetryPolicy(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = audit.NewClock(r.now)
	return r, nil
}

// Record appends an informational event.
func (r *Recorder) Record(ctx context.Context, entry audit.Entry) (audit.Receipt, error) {
	if err := entry.Validate(); err != nil {
		r.metrics.IncFailure(audit.OpRecord, audit.CodeValidation)
		return audit.Receipt{}, err
	}

	return r.append(ctx, audit.OpRecord, audit.Event{
		ID:          r.newID(),
		Timestamp:   r.clock.Now(),
		Action:      entry.Action,
		Description: entry.Description,
		ResourceID:  entry.ResourceID,
		UserID:      entry.UserID,
		Severity:    audit.SeverityInfo,
		RequestID:   requestcontext.RequestID(ctx),
	})
}

// RecordError appends an error event. ErrorDetail is mandatory.
func (r *Recorder) RecordError(ctx context.Context, entry audit.ErrorEntry) (audit.Receipt, error) {
	if err := entry.Validate(); err != nil {
		r.metrics.IncFailure(audit.OpRecordError, audit.CodeValidation)
		return audit.Receipt{}, err
	}

	return r.append(ctx, audit.OpRecordError, audit.Event{
		ID:          r.newID(),
		Timestamp:   r.clock.Now(),
		Action:      entry.Action,
		Description: entry.Description,
		Severity:    audit.SeverityError,
		ErrorDetail: entry.ErrorDetail,
		RequestID:   requestcontext.RequestID(ctx),
	})
}

// Query returns the events matching filter ordered by timestamp, then sequence
// number. The sequence is lazy and restartable: each range re-scans the sink.
// A scan that fails before yielding anything is retried like an append; a
// failure after events were yielded ends the sequence with an *audit.Error.
func (r *Recorder) Query(ctx context.Context, filter audit.Filter) iter.Seq2[audit.Event, error] {
	return func(yield func(audit.Event, error) bool) {
		if err := filter.Validate(); err != nil {
			r.metrics.IncFailure(audit.OpQuery, audit.CodeValidation)
			yield(audit.Event{}, err)
			return
		}

		ctx, span := r.tracer.Start(ctx, "audit.query")
		defer span.End()

		var (
			yielded  int
			attempts int
		)
		operation := func() (err error) {
			attempts++
			inBody := false
			defer func() {
				if p := recover(); p != nil {
					if inBody {
						panic(p)
					}
					err = backoff.Permanent(fmt.Errorf("sink panicked: %v", p))
				}
			}()
			for event, err := range r.sink.Scan(ctx, filter) {
				if err != nil {
					if yielded == 0 && audit.Classify(err) == audit.CodeTransient {
						return err
					}
					return backoff.Permanent(err)
				}
				if filter.Limit > 0 && yielded >= filter.Limit {
					return nil
				}
				yielded++
				inBody = true
				more := yield(event, nil)
				inBody = false
				if !more {
					return backoff.Permanent(errStopped)
				}
			}
			return nil
		}

		err := backoff.RetryNotify(operation, r.backoffPolicy(ctx, false), r.notifyRetry(ctx, audit.OpQuery, nil))
		span.SetAttributes(attribute.Int("audit.results", yielded))
		if err == nil || errors.Is(err, errStopped) {
			return
		}

		auditErr := &audit.Error{Code: audit.Classify(err), Op: audit.OpQuery, Attempts: attempts, Err: err}
		r.metrics.IncFailure(audit.OpQuery, auditErr.Code)
		span.RecordError(auditErr)
		span.SetStatus(codes.Error, string(auditErr.Code))
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "audit query failed",
				"code", auditErr.Code,
				"attempts", attempts,
				"error", err,
			)
		}
		yield(audit.Event{}, auditErr)
	}
}

// errStopped marks a query abandoned by its consumer; it is never surfaced.
var errStopped = errors.New("query consumer stopped")

func (r *Recorder) append(ctx context.Context, op string, event audit.Event) (audit.Receipt, error) {
	ctx, span := r.tracer.Start(ctx, "audit."+op, trace.WithAttributes(
		attribute.String("audit.action", event.Action),
		attribute.String("audit.event_id", event.ID.String()),
		attribute.String("audit.severity", string(event.Severity)),
	))
	defer span.End()

	start := time.Now()
	degraded := r.breaker != nil && r.breaker.IsOpen()

	var (
		seq      uint64
		attempts int
		lastErr  error
	)
	operation := func() error {
		attempts++
		s, err := r.appendOnce(ctx, event)
		if err == nil {
			seq = s
			return nil
		}
		lastErr = err
		if audit.Classify(err) != audit.CodeTransient {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotify(operation, r.backoffPolicy(ctx, degraded), r.notifyRetry(ctx, op, &event))
	r.metrics.ObservePersistDuration(time.Since(start).Seconds())
	if err != nil {
		if lastErr != nil {
			// Context expiry during a backoff wait reports the sink's own error.
			err = lastErr
		}
		auditErr := &audit.Error{Code: audit.Classify(err), Op: op, Attempts: attempts, Err: err}
		if auditErr.Code == audit.CodeTransient {
			r.recordBreakerFailure(ctx)
		}
		r.metrics.IncFailure(op, auditErr.Code)
		span.RecordError(auditErr)
		span.SetStatus(codes.Error, string(auditErr.Code))
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "CRITICAL: audit event not recorded",
				"action", event.Action,
				"event_id", event.ID,
				"code", auditErr.Code,
				"attempts", attempts,
				"error", err,
			)
		}
		return audit.Receipt{}, auditErr
	}

	r.recordBreakerSuccess(ctx)
	r.metrics.IncRecorded(event.Severity)
	span.SetAttributes(attribute.Int64("audit.seq", int64(seq)))
	return audit.Receipt{ID: event.ID, Seq: seq, Timestamp: event.Timestamp}, nil
}

// appendOnce calls the sink, converting a panic into a permanent failure.
func (r *Recorder) appendOnce(ctx context.Context, event audit.Event) (seq uint64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panicked: %v", p)
		}
	}()
	return r.sink.Append(ctx, event)
}

func (r *Recorder) backoffPolicy(ctx context.Context, degraded bool) backoff.BackOff {
	if degraded || r.retry.MaxRetries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.retry.InitialInterval
	exp.MaxInterval = r.retry.MaxInterval
	exp.Multiplier = r.retry.Multiplier
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.retry.MaxRetries)), ctx)
}

func (r *Recorder) notifyRetry(ctx context.Context, op string, event *audit.Event) backoff.Notify {
	return func(err error, wait time.Duration) {
		r.metrics.IncRetries()
		if r.logger == nil {
			return
		}
		attrs := []any{"op", op, "retry_in", wait, "error", err}
		if event != nil {
			attrs = append(attrs, "action", event.Action, "event_id", event.ID)
		}
		r.logger.WarnContext(ctx, "audit sink unavailable, retrying", attrs...)
	}
}

func (r *Recorder) recordBreakerFailure(ctx context.Context) {
	if r.breaker == nil {
		return
	}
	_, change := r.breaker.RecordFailure()
	if change.Opened {
		r.metrics.SetBreakerState(true)
		if r.logger != nil {
			r.logger.WarnContext(ctx, "audit sink circuit opened", "breaker", r.breaker.Name())
		}
	}
}

func (r *Recorder) recordBreakerSuccess(ctx context.Context) {
	if r.breaker == nil {
		return
	}
	_, change := r.breaker.RecordSuccess()
	if change.Closed {
		r.metrics.SetBreakerState(false)
		if r.logger != nil {
			r.logger.InfoContext(ctx, "audit sink circuit closed", "breaker", r.breaker.Name())
		}
	}
}
