package confluence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"clearwater/pkg/cache"
	"clearwater/pkg/kafka"
	"clearwater/pkg/logging"
	"clearwater/pkg/models"
)

// Validation failure kinds. All three are terminal for a message: the
// reading is dropped (or dead-lettered) and the offset commits.
var (
	ErrInvalidPayload     = errors.New("invalid reading payload")
	ErrUnregisteredDevice = errors.New("device not registered")
	ErrMissingLocation    = errors.New("device has no location assigned")
)

// Kafka topics consumed and produced by the processor.
const (
	TopicSensorReadings     = "sensor_readings"
	TopicDeviceRegistration = "device_registration"
	TopicSensorReadingsDLQ  = "sensor_readings_dlq"
)

const (
	// Every Nth reading per device is written to history.
	historySampleEvery = 5

	// Minimum gap between status touches, mirrored by the SQL predicate.
	statusTouchInterval = 5 * time.Minute

	deviceCacheTTL     = 30 * time.Second
	thresholdsCacheTTL = time.Minute
	recipientsCacheTTL = 30 * time.Second
)

// Processor consumes sensor readings and device registrations and drives
// the validate, persist, throttle, evaluate, notify pipeline.
type Processor struct {
	store    *Store
	ts       *TimeSeries
	cooldown *CooldownCache
	notifier *Notifier
	producer *kafka.Producer
	metrics  *Metrics
	logger   logging.Logger

	devices    *cache.Cache
	thresholds *cache.Cache
	recipients *cache.Cache

	counters sync.Map // deviceID -> *atomic.Uint64 reading counter
	touched  sync.Map // deviceID -> time.Time of last status touch
}

// NewProcessor wires the pipeline. producer is used only for dead letter
// forwarding and may be nil in tests that never hit that path.
func NewProcessor(store *Store, ts *TimeSeries, notifier *Notifier, producer *kafka.Producer, metrics *Metrics, logger logging.Logger) *Processor {
	return &Processor{
		store:    store,
		ts:       ts,
		cooldown: NewCooldownCache(5*time.Minute, 1000),
		notifier: notifier,
		producer: producer,
		metrics:  metrics,
		logger:   logger,
		devices: cache.New(cache.Options{
			TTL:                  deviceCacheTTL,
			StaleWhileRevalidate: deviceCacheTTL,
			NegativeTTL:          deviceCacheTTL,
			MaxEntries:           10000,
		}, cache.MetricsHooks{}),
		thresholds: cache.New(cache.Options{TTL: thresholdsCacheTTL}, cache.MetricsHooks{}),
		recipients: cache.New(cache.Options{TTL: recipientsCacheTTL}, cache.MetricsHooks{}),
	}
}

// Register attaches the processor's topic handlers to the consumer.
func (p *Processor) Register(c *kafka.Consumer) {
	c.AddHandler(TopicSensorReadings, p.HandleReading)
	c.AddHandler(TopicDeviceRegistration, p.HandleRegistration)
}

// InvalidateDevice drops the cached device after an admin mutation so the
// next reading observes the new metadata.
func (p *Processor) InvalidateDevice(deviceID string) {
	p.devices.Delete(deviceID)
}

// HandleReading processes one sensor_readings message. Only a time-series
// persistence failure returns an error (blocking the partition offset for
// redelivery); validation failures and alert-path failures are terminal
// for the message.
func (p *Processor) HandleReading(ctx context.Context, msg kafka.Message) error {
	deviceID := msg.Headers["device_id"]
	if deviceID == "" {
		deviceID = string(msg.Key)
	}
	if deviceID == "" {
		p.metrics.ReadingsDropped.WithLabelValues("no_device_id").Inc()
		p.logger.Debug("dropping reading without device id")
		return nil
	}

	received := msg.Timestamp
	if hdr := msg.Headers["ts_received"]; hdr != "" {
		if ts, err := time.Parse(time.RFC3339Nano, hdr); err == nil {
			received = ts
		}
	}

	readings, err := models.DecodeReadings(deviceID, msg.Value, received)
	if err != nil {
		p.forwardToDLQ(ctx, msg, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		p.metrics.ReadingsDropped.WithLabelValues("unparseable").Inc()
		return nil
	}

	device, err := p.device(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", deviceID, err)
	}
	if device == nil {
		p.metrics.ReadingsDropped.WithLabelValues("unregistered").Inc()
		p.logger.WithError(ErrUnregisteredDevice).WithField("device_id", deviceID).Debug("dropping reading")
		return nil
	}
	if !device.RegisteredForData() {
		p.metrics.ReadingsDropped.WithLabelValues("no_location").Inc()
		p.logger.WithError(ErrMissingLocation).WithField("device_id", deviceID).Debug("dropping reading")
		return nil
	}

	applyDeclaredSensors(device, readings)

	sampled := p.sampleForHistory(deviceID, readings)
	if err := p.ts.WriteReadings(ctx, readings, sampled); err != nil {
		return fmt.Errorf("persist readings for %s: %w", deviceID, err)
	}
	p.metrics.ReadingsProcessed.Add(float64(len(readings)))

	p.touchStatus(ctx, deviceID)

	for _, r := range readings {
		p.evaluateReading(ctx, device, r)
	}
	return nil
}

// applyDeclaredSensors zero-fills parameters the device schema declares
// but the payload omitted, so a silent declared sensor shows up as an
// explicit 0 downstream instead of a gap. Undeclared parameters stay
// absent.
func applyDeclaredSensors(device *models.Device, readings []models.SensorReading) {
	for _, r := range readings {
		for _, param := range models.Parameters {
			if !device.HasSensor(param) {
				continue
			}
			if _, ok := r.Values[param]; !ok {
				r.Values[param] = 0
			}
		}
	}
}

// sampleForHistory advances the per-device counter once per reading and
// returns the readings that land on a sampling boundary.
func (p *Processor) sampleForHistory(deviceID string, readings []models.SensorReading) []models.SensorReading {
	v, _ := p.counters.LoadOrStore(deviceID, &atomic.Uint64{})
	counter := v.(*atomic.Uint64)

	var sampled []models.SensorReading
	for _, r := range readings {
		if counter.Add(1)%historySampleEvery == 0 {
			sampled = append(sampled, r)
		}
	}
	return sampled
}

// touchStatus marks the device online at most once per interval. The
// in-memory gate skips the round trip; the SQL predicate is the real
// guarantee across instances. Failures are logged only.
func (p *Processor) touchStatus(ctx context.Context, deviceID string) {
	if v, ok := p.touched.Load(deviceID); ok {
		if time.Since(v.(time.Time)) < statusTouchInterval {
			return
		}
	}
	updated, err := p.store.TouchLastSeen(ctx, deviceID)
	if err != nil {
		p.logger.WithError(err).WithField("device_id", deviceID).Warn("status touch failed")
		return
	}
	if updated {
		p.touched.Store(deviceID, time.Now())
	}
}

// evaluateReading runs the threshold and trend checks for every parameter
// the reading carries. Failures here never fail the message.
func (p *Processor) evaluateReading(ctx context.Context, device *models.Device, r models.SensorReading) {
	bands, err := p.thresholdBands(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("threshold load failed, skipping alert evaluation")
		return
	}

	for _, param := range models.Parameters {
		value, ok := r.Values[param]
		if !ok {
			continue
		}
		p.evaluateThreshold(ctx, device.ID, param, value, bands)
		p.evaluateTrend(ctx, device.ID, param, value)
	}
}

func (p *Processor) evaluateThreshold(ctx context.Context, deviceID, param string, value float64, bands []models.ThresholdBand) {
	band, ok := ResolveBand(bands, param, value)
	if !ok {
		return
	}

	key := ThresholdKey(deviceID, param)
	if p.cooldown.Suppressed(key) {
		p.metrics.AlertsSuppressed.WithLabelValues("cooldown").Inc()
		return
	}

	alert := &models.Alert{
		DeviceID:          deviceID,
		Parameter:         param,
		Kind:              models.KindThreshold,
		Severity:          band.Severity,
		CurrentValue:      value,
		ThresholdValue:    band.BoundValue(),
		Message:           thresholdMessage(param, band.Severity, value, band),
		RecommendedAction: recommendedAction(param, band.Severity),
	}
	p.raiseAlert(ctx, alert, key)
}

func (p *Processor) evaluateTrend(ctx context.Context, deviceID, param string, value float64) {
	key := TrendKey(deviceID, param)
	if p.cooldown.Suppressed(key) {
		p.metrics.AlertsSuppressed.WithLabelValues("cooldown").Inc()
		return
	}

	samples, err := p.ts.RecentHistory(ctx, deviceID, param, trendWindow, trendSampleCount)
	if err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"device_id": deviceID,
			"parameter": param,
		}).Warn("trend window query failed")
		return
	}
	res, ok := EvaluateTrend(samples)
	if !ok {
		return
	}

	alert := &models.Alert{
		DeviceID:          deviceID,
		Parameter:         param,
		Kind:              models.KindTrend,
		Severity:          res.Severity,
		CurrentValue:      value,
		TrendDirection:    res.Direction,
		Message:           trendMessage(param, res, value),
		RecommendedAction: recommendedAction(param, res.Severity),
	}
	p.raiseAlert(ctx, alert, key)
}

// raiseAlert creates the alert if no Active twin exists, starts the
// cooldown only on actual creation and fans out notifications.
func (p *Processor) raiseAlert(ctx context.Context, alert *models.Alert, cooldownKey string) {
	err := p.store.CreateAlertIfAbsent(ctx, alert)
	if errors.Is(err, ErrDuplicateAlert) {
		p.metrics.AlertsSuppressed.WithLabelValues("duplicate").Inc()
		return
	}
	if err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"device_id": alert.DeviceID,
			"parameter": alert.Parameter,
			"kind":      string(alert.Kind),
		}).Error("alert creation failed")
		return
	}

	p.cooldown.Mark(cooldownKey)
	p.metrics.AlertsCreated.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
	p.logger.WithFields(logging.Fields{
		"alert_id":  alert.ID,
		"device_id": alert.DeviceID,
		"parameter": alert.Parameter,
		"severity":  string(alert.Severity),
		"kind":      string(alert.Kind),
	}).Info("alert created")

	users, err := p.recipientList(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("recipient load failed, alert not fanned out")
		return
	}

	delivered, failed := p.notifier.FanOut(ctx, alert, users)
	p.metrics.EmailsSent.Add(float64(len(delivered)))
	if failed > 0 {
		p.metrics.EmailsFailed.Add(float64(failed))
	}
	if len(delivered) == 0 {
		return
	}
	if err := p.store.SetNotificationsSent(ctx, alert.ID, delivered); err != nil {
		p.logger.WithError(err).WithField("alert_id", alert.ID).Warn("recording notifications failed")
	}
}

// registrationPayload is the device_registration wire shape: the
// registration fields plus an optional announced status.
type registrationPayload struct {
	models.DeviceRegistration
	Status string `json:"status,omitempty"`
}

// HandleRegistration processes one device_registration message. Known
// devices get a throttled status touch; unknown devices are inserted as
// unregistered stubs awaiting a location assignment.
func (p *Processor) HandleRegistration(ctx context.Context, msg kafka.Message) error {
	var reg registrationPayload
	if err := json.Unmarshal(msg.Value, &reg); err != nil {
		p.forwardToDLQ(ctx, msg, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		return nil
	}
	if reg.DeviceID == "" {
		reg.DeviceID = msg.Headers["device_id"]
	}
	if reg.DeviceID == "" {
		p.logger.Debug("dropping registration without device id")
		return nil
	}

	device, err := p.store.GetDevice(ctx, reg.DeviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", reg.DeviceID, err)
	}
	if device != nil {
		p.touchStatus(ctx, reg.DeviceID)
		return nil
	}

	status := models.ParseDeviceStatus(reg.Status)
	if err := p.store.InsertDeviceStub(ctx, reg.DeviceRegistration, status); err != nil {
		return err
	}
	p.devices.Delete(reg.DeviceID)
	p.logger.WithField("device_id", reg.DeviceID).Info("registered device stub")
	return nil
}

func (p *Processor) forwardToDLQ(ctx context.Context, msg kafka.Message, cause error) {
	if p.producer == nil {
		return
	}
	if err := kafka.PublishDLQ(ctx, p.producer, TopicSensorReadingsDLQ, msg, cause, "confluence"); err != nil {
		p.logger.WithError(err).Error("dead letter publish failed")
		return
	}
	p.metrics.DLQMessages.Inc()
	p.logger.WithError(cause).WithField("topic", msg.Topic).Warn("message forwarded to dead letter queue")
}

func (p *Processor) device(ctx context.Context, deviceID string) (*models.Device, error) {
	v, ok, err := p.devices.Get(ctx, deviceID, func(ctx context.Context, key string) (interface{}, bool, error) {
		d, err := p.store.GetDevice(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if d == nil {
			return nil, false, nil
		}
		return d, true, nil
	})
	if err != nil || !ok {
		return nil, err
	}
	return v.(*models.Device), nil
}

func (p *Processor) thresholdBands(ctx context.Context) ([]models.ThresholdBand, error) {
	v, _, err := p.thresholds.Get(ctx, "all", func(ctx context.Context, _ string) (interface{}, bool, error) {
		bands, err := p.store.LoadThresholds(ctx)
		return bands, err == nil, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.ThresholdBand), nil
}

func (p *Processor) recipientList(ctx context.Context) ([]models.User, error) {
	v, _, err := p.recipients.Get(ctx, "all", func(ctx context.Context, _ string) (interface{}, bool, error) {
		users, err := p.store.ListRecipients(ctx)
		return users, err == nil, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.User), nil
}
