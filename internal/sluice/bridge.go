package sluice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"clearwater/pkg/clients"
	"clearwater/pkg/kafka"
	"clearwater/pkg/logging"
	"clearwater/pkg/monitoring"
	"clearwater/pkg/mqtt"
)

// Destination topics on the queue side.
const (
	TopicSensorReadings     = "sensor_readings"
	TopicDeviceRegistration = "device_registration"
)

// MQTT topic filters consumed from the edge.
const (
	FilterSensorData   = "device/sensordata/+"
	FilterRegistration = "device/registration/+"
)

// State is the bridge lifecycle state.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateSubscribed
	StateRunning
	StateDegraded
	StateUnhealthy
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Config tunes the bridge buffers and flush behavior.
type Config struct {
	BufferMax     int           // per-topic buffer capacity
	FlushInterval time.Duration // periodic drain
	AdaptiveRatio float64       // immediate drain at this fill ratio
	BatchMaxMsgs  int
	BatchMaxBytes int

	EmergencyMemPct float64       // drain everything and pause intake
	ResumeMemPct    float64       // resume intake below this
	OverrunGrace    time.Duration // sustained overflow before unhealthy
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		BufferMax:       100,
		FlushInterval:   5 * time.Second,
		AdaptiveRatio:   0.70,
		BatchMaxMsgs:    100,
		BatchMaxBytes:   1 << 20,
		EmergencyMemPct: 95,
		ResumeMemPct:    90,
		OverrunGrace:    10 * time.Second,
	}
}

// Publisher is the queue side of the bridge. Satisfied by *kafka.Producer.
type Publisher interface {
	PublishBatch(ctx context.Context, records []kafka.Record) error
}

// Bridge subscribes to the MQTT broker, buffers messages per destination
// topic and batch-publishes them to the queue through a circuit breaker.
type Bridge struct {
	cfg      Config
	logger   logging.Logger
	producer Publisher
	breaker  *clients.CircuitBreaker
	retry    retrypolicy.RetryPolicy[any]
	monitor  *monitoring.ResourceMonitor
	metrics  *Metrics

	buffers map[string]*topicBuffer
	flushCh chan string

	state        atomic.Int32
	intakePaused atomic.Bool
	startedAt    time.Time

	// Counter mirrors readable by the /health payload.
	received  atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
	flushes   atomic.Uint64

	overrunMu    sync.Mutex
	overrunSince time.Time
}

// New creates a Bridge. The resource monitor may be nil in tests.
func New(cfg Config, producer Publisher, breaker *clients.CircuitBreaker, monitor *monitoring.ResourceMonitor, metrics *Metrics, logger logging.Logger) *Bridge {
	b := &Bridge{
		cfg:      cfg,
		logger:   logger,
		producer: producer,
		breaker:  breaker,
		retry:    clients.NewRetryPolicy(clients.DefaultRetryConfig()),
		monitor:  monitor,
		metrics:  metrics,
		buffers: map[string]*topicBuffer{
			TopicSensorReadings:     newTopicBuffer(cfg.BufferMax),
			TopicDeviceRegistration: newTopicBuffer(cfg.BufferMax),
		},
		flushCh:   make(chan string, 4),
		startedAt: time.Now(),
	}
	b.state.Store(int32(StateInit))
	return b
}

// Subscriptions returns the MQTT subscriptions the bridge needs.
func (b *Bridge) Subscriptions() []mqtt.Subscription {
	return []mqtt.Subscription{
		{Topic: FilterSensorData, QoS: 0},
		{Topic: FilterRegistration, QoS: 1},
	}
}

// SetState records a lifecycle transition.
func (b *Bridge) SetState(s State) {
	old := State(b.state.Swap(int32(s)))
	if old != s {
		b.logger.WithFields(logging.Fields{"from": old.String(), "to": s.String()}).Info("bridge state change")
	}
}

// CurrentState returns the lifecycle state, refreshed against health.
func (b *Bridge) CurrentState() State {
	return State(b.state.Load())
}

// HandleMessage is the MQTT receive callback. It routes by topic prefix,
// attaches the publish envelope and enqueues. Never blocks.
func (b *Bridge) HandleMessage(topic string, payload []byte) {
	b.metrics.Received.Inc()
	b.received.Add(1)

	if b.intakePaused.Load() {
		b.metrics.DroppedIntake.Inc()
		return
	}

	deviceID := mqtt.TopicDeviceID(topic)
	if deviceID == "" || len(payload) == 0 {
		b.metrics.DroppedIntake.Inc()
		b.logger.WithField("topic", topic).Debug("dropping message without device id or payload")
		return
	}

	dest := TopicSensorReadings
	if matchesFilter(topic, "device/registration/") {
		dest = TopicDeviceRegistration
	}

	item := Item{
		Key:   []byte(deviceID),
		Value: payload,
		Headers: map[string]string{
			"device_id":   deviceID,
			"ts_received": time.Now().UTC().Format(time.RFC3339Nano),
			"source":      "sluice",
		},
	}

	buf := b.buffers[dest]
	if !buf.Enqueue(item) {
		b.metrics.DroppedIntake.Inc()
		b.noteOverrun()
		b.logger.WithField("topic", dest).Warn("buffer full, message dropped")
		return
	}

	depth := buf.Depth()
	b.metrics.BufferDepth.WithLabelValues(dest).Set(float64(depth))
	if float64(depth) >= float64(b.cfg.BufferMax)*b.cfg.AdaptiveRatio {
		select {
		case b.flushCh <- dest:
		default:
		}
	}
}

func matchesFilter(topic, prefix string) bool {
	return len(topic) > len(prefix) && topic[:len(prefix)] == prefix
}

// Run drives the flush loops until ctx is cancelled, then performs the
// final drain with its own deadline.
func (b *Bridge) Run(ctx context.Context) {
	b.SetState(StateRunning)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	memTicker := time.NewTicker(time.Second)
	defer memTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.SetState(StateDraining)
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			b.drainAll(drainCtx)
			cancel()
			b.SetState(StateStopped)
			return
		case <-ticker.C:
			b.drainAll(ctx)
		case dest := <-b.flushCh:
			b.drainTopic(ctx, dest)
		case <-memTicker.C:
			b.checkPressure(ctx)
		}
	}
}

// checkPressure applies the emergency flush rules and keeps the lifecycle
// state and exported gauges current.
func (b *Bridge) checkPressure(ctx context.Context) {
	if b.monitor == nil {
		return
	}
	snap := b.monitor.Snapshot()
	b.metrics.MemoryRSS.Set(float64(snap.RSSBytes))
	b.metrics.MemoryHeap.Set(float64(snap.HeapUsedBytes))
	b.metrics.CPUUsage.Set(snap.CPUPercent)
	if b.breaker.IsOpen() {
		b.metrics.CircuitOpen.Set(1)
	} else {
		b.metrics.CircuitOpen.Set(0)
	}

	switch {
	case snap.MemUtilization >= b.cfg.EmergencyMemPct:
		if !b.intakePaused.Load() {
			b.logger.WithField("utilization", snap.MemUtilization).Error("memory critical, emergency flush and intake pause")
			b.intakePaused.Store(true)
		}
		b.drainAll(ctx)
	case b.intakePaused.Load() && snap.MemUtilization <= b.cfg.ResumeMemPct:
		b.logger.WithField("utilization", snap.MemUtilization).Info("memory recovered, resuming intake")
		b.intakePaused.Store(false)
	}

	// Reflect health in the lifecycle state while running.
	switch s := b.CurrentState(); s {
	case StateRunning, StateDegraded, StateUnhealthy:
		switch b.HealthStatus() {
		case monitoring.StatusHealthy:
			b.SetState(StateRunning)
		case monitoring.StatusDegraded:
			b.SetState(StateDegraded)
		default:
			b.SetState(StateUnhealthy)
		}
	}
}

func (b *Bridge) drainAll(ctx context.Context) {
	for dest := range b.buffers {
		b.drainTopic(ctx, dest)
	}
}

func (b *Bridge) drainTopic(ctx context.Context, dest string) {
	buf := b.buffers[dest]
	items := buf.DrainAll()
	b.metrics.BufferDepth.WithLabelValues(dest).Set(0)
	if len(items) == 0 {
		return
	}

	b.metrics.Flushes.Inc()
	b.flushes.Add(1)
	b.clearOverrun()

	for _, batch := range cutBatches(items, b.cfg.BatchMaxMsgs, b.cfg.BatchMaxBytes) {
		records := make([]kafka.Record, 0, len(batch))
		for _, item := range batch {
			records = append(records, kafka.Record{
				Topic:   dest,
				Key:     item.Key,
				Value:   item.Value,
				Headers: item.Headers,
			})
		}

		err := b.breaker.CallWithRetry(ctx, b.retry, func(callCtx context.Context) error {
			return b.producer.PublishBatch(callCtx, records)
		})
		if errors.Is(err, clients.ErrCircuitOpen) && buf.Requeue(batch) {
			b.metrics.BufferDepth.WithLabelValues(dest).Set(float64(buf.Depth()))
			b.logger.WithFields(logging.Fields{
				"topic": dest,
				"count": len(batch),
			}).Warn("publish circuit open, batch requeued")
			continue
		}
		if err != nil {
			b.metrics.Failed.Add(float64(len(batch)))
			b.failed.Add(uint64(len(batch)))
			b.logger.WithError(err).WithFields(logging.Fields{
				"topic": dest,
				"count": len(batch),
			}).Error("batch publish failed, messages dropped")
			continue
		}

		b.metrics.Published.Add(float64(len(batch)))
		b.published.Add(uint64(len(batch)))
	}
}

func (b *Bridge) noteOverrun() {
	b.overrunMu.Lock()
	if b.overrunSince.IsZero() {
		b.overrunSince = time.Now()
	}
	b.overrunMu.Unlock()
}

func (b *Bridge) clearOverrun() {
	b.overrunMu.Lock()
	b.overrunSince = time.Time{}
	b.overrunMu.Unlock()
}

func (b *Bridge) overrunSustained() bool {
	b.overrunMu.Lock()
	defer b.overrunMu.Unlock()
	return !b.overrunSince.IsZero() && time.Since(b.overrunSince) > b.cfg.OverrunGrace
}

// HealthStatus classifies the bridge: unhealthy on any critical resource
// level or sustained buffer overrun, degraded on any warning or an open
// publish breaker.
func (b *Bridge) HealthStatus() string {
	var memLevel, cpuLevel monitoring.ResourceLevel
	if b.monitor != nil {
		memLevel = b.monitor.MemLevel()
		cpuLevel = b.monitor.CPULevel()
	}

	switch {
	case memLevel == monitoring.LevelCritical,
		cpuLevel == monitoring.LevelCritical,
		b.overrunSustained():
		return monitoring.StatusUnhealthy
	case memLevel == monitoring.LevelWarning,
		cpuLevel == monitoring.LevelWarning,
		b.breaker.IsOpen():
		return monitoring.StatusDegraded
	default:
		return monitoring.StatusHealthy
	}
}

// HealthPayload is the /health response body.
type HealthPayload struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	State     string            `json:"state"`
	Memory    map[string]any    `json:"memory"`
	CPU       map[string]any    `json:"cpu"`
	Buffers   map[string]int    `json:"buffers"`
	Metrics   map[string]uint64 `json:"metrics"`
}

// Health builds the ops health payload.
func (b *Bridge) Health() HealthPayload {
	var snap monitoring.ResourceSnapshot
	if b.monitor != nil {
		snap = b.monitor.Snapshot()
	}

	buffers := make(map[string]int, len(b.buffers))
	for dest, buf := range b.buffers {
		buffers[dest] = buf.Depth()
	}

	var circuitOpen uint64
	if b.breaker.IsOpen() {
		circuitOpen = 1
	}

	return HealthPayload{
		Status:    b.HealthStatus(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(b.startedAt).Truncate(time.Second).String(),
		State:     b.CurrentState().String(),
		Memory: map[string]any{
			"rss":         snap.RSSBytes,
			"heap_used":   snap.HeapUsedBytes,
			"utilization": snap.MemUtilization,
		},
		CPU: map[string]any{
			"current": snap.CPUPercent,
			"average": snap.CPUAverage,
			"peak":    snap.CPUPeak,
		},
		Buffers: buffers,
		Metrics: map[string]uint64{
			"received":             b.received.Load(),
			"published":            b.published.Load(),
			"failed":               b.failed.Load(),
			"flushes":              b.flushes.Load(),
			"circuit_breaker_open": circuitOpen,
		},
	}
}
