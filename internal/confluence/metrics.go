package confluence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the processor counters exposed on /metrics.
type Metrics struct {
	ReadingsProcessed prometheus.Counter
	ReadingsDropped   *prometheus.CounterVec // reason
	AlertsCreated     *prometheus.CounterVec // kind, severity
	AlertsSuppressed  *prometheus.CounterVec // reason: cooldown, duplicate
	EmailsSent        prometheus.Counter
	EmailsFailed      prometheus.Counter
	DLQMessages       prometheus.Counter
}

// NewMetrics builds and registers the processor metric family.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadingsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "processor_readings_processed_total",
			Help: "Sensor readings fully processed",
		}),
		ReadingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processor_readings_dropped_total",
			Help: "Readings dropped before persistence",
		}, []string{"reason"}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processor_alerts_created_total",
			Help: "Alerts created",
		}, []string{"kind", "severity"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processor_alerts_suppressed_total",
			Help: "Alert evaluations suppressed",
		}, []string{"reason"}),
		EmailsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "processor_alert_emails_sent_total",
			Help: "Alert emails delivered",
		}),
		EmailsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "processor_alert_emails_failed_total",
			Help: "Alert emails that failed to deliver",
		}),
		DLQMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "processor_dlq_messages_total",
			Help: "Unparseable messages forwarded to the dead letter queue",
		}),
	}

	reg.MustRegister(
		m.ReadingsProcessed, m.ReadingsDropped, m.AlertsCreated,
		m.AlertsSuppressed, m.EmailsSent, m.EmailsFailed, m.DLQMessages,
	)
	return m
}
