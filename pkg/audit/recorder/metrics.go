package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"audittrail/pkg/audit"
)

// Metrics holds Prometheus metrics for audit recording. All methods are safe on
// a nil receiver.
type Metrics struct {
	Recorded        *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	Retries         prometheus.Counter
	PersistDuration prometheus.Histogram
	BreakerState    prometheus.Gauge
}

// NewMetrics registers recorder metrics with reg. A nil registerer creates
// unregistered collectors, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Recorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audittrail_events_recorded_total",
			Help: "Total number of audit events durably appended, by severity",
		}, []string{"severity"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audittrail_record_failures_total",
			Help: "Total number of audit operations that failed, by operation and error code",
		}, []string{"op", "code"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_sink_retries_total",
			Help: "Total number of sink append retries after transient failures",
		}),
		PersistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audittrail_persist_duration_seconds",
			Help:    "Time spent appending an audit event, including retries",
			Buckets: prometheus.DefBuckets,
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audittrail_sink_circuit_breaker_state",
			Help: "Current sink circuit breaker state (0=closed/healthy, 1=open/degraded)",
		}),
	}
}

func (m *Metrics) IncRecorded(severity audit.Severity) {
	if m == nil {
		return
	}
	m.Recorded.WithLabelValues(string(severity)).Inc()
}

func (m *Metrics) IncFailure(op string, code audit.Code) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(op, string(code)).Inc()
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) ObservePersistDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PersistDuration.Observe(seconds)
}

func (m *Metrics) SetBreakerState(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerState.Set(1)
	} else {
		m.BreakerState.Set(0)
	}
}
