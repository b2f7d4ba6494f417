package sluice

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the bridge counters and gauges exposed on /metrics. The
// metric names are part of the ops contract, so they are registered with
// exact names rather than the usual service prefix.
type Metrics struct {
	Received      prometheus.Counter
	Published     prometheus.Counter
	Failed        prometheus.Counter
	Flushes       prometheus.Counter
	MemoryRSS     prometheus.Gauge
	MemoryHeap    prometheus.Gauge
	CPUUsage      prometheus.Gauge
	CircuitOpen   prometheus.Gauge
	BufferDepth   *prometheus.GaugeVec
	DroppedIntake prometheus.Counter
}

// NewMetrics builds and registers the bridge metric family.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_messages_received_total",
			Help: "MQTT messages received from the broker",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_messages_published_total",
			Help: "Messages published to the queue",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_messages_failed_total",
			Help: "Messages dropped after publish retries were exhausted",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_buffer_flushes_total",
			Help: "Buffer drain operations",
		}),
		MemoryRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_memory_rss_bytes",
			Help: "Resident set size",
		}),
		MemoryHeap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_memory_heap_used_bytes",
			Help: "Go heap in use",
		}),
		CPUUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_cpu_usage_percent",
			Help: "Process CPU usage percent",
		}),
		CircuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_circuit_breaker_open",
			Help: "1 when the publish circuit breaker is open",
		}),
		BufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mqtt_buffer_depth",
			Help: "Buffered messages per destination topic",
		}, []string{"topic"}),
		DroppedIntake: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_messages_dropped_total",
			Help: "Messages rejected at intake (buffer full or memory pressure)",
		}),
	}

	reg.MustRegister(
		m.Received, m.Published, m.Failed, m.Flushes,
		m.MemoryRSS, m.MemoryHeap, m.CPUUsage, m.CircuitOpen,
		m.BufferDepth, m.DroppedIntake,
	)
	return m
}
