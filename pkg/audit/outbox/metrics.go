package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts relay outcomes. Methods are safe on a nil receiver.
type Metrics struct {
	Published prometheus.Counter
	Failed    prometheus.Counter
	Exhausted prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_outbox_published_total",
			Help: "Total number of audit outbox entries published to Kafka",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_outbox_publish_failures_total",
			Help: "Total number of audit outbox publish attempts rejected by Kafka",
		}),
		Exhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_outbox_exhausted_total",
			Help: "Total number of audit outbox entries that reached the publish attempt limit",
		}),
	}
}

func (m *Metrics) IncPublished() {
	if m == nil {
		return
	}
	m.Published.Inc()
}

func (m *Metrics) IncFailed() {
	if m == nil {
		return
	}
	m.Failed.Inc()
}

func (m *Metrics) IncExhausted() {
	if m == nil {
		return
	}
	m.Exhausted.Inc()
}
