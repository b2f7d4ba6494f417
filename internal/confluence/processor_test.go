package confluence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"clearwater/pkg/models"
)

func readingsN(n int) []models.SensorReading {
	out := make([]models.SensorReading, n)
	for i := range out {
		out[i] = models.SensorReading{
			DeviceID:   "dev-1",
			Values:     map[string]float64{"ph": 7.0},
			TSReceived: time.Now(),
		}
	}
	return out
}

func TestSampleForHistory_EveryFifth(t *testing.T) {
	p := &Processor{}

	sampled := p.sampleForHistory("dev-1", readingsN(10))
	if len(sampled) != 2 {
		t.Fatalf("expected 2 sampled of 10, got %d", len(sampled))
	}
}

func TestSampleForHistory_CounterSurvivesBatches(t *testing.T) {
	p := &Processor{}

	// 3 + 3 readings: the 5th overall lands in the second batch.
	first := p.sampleForHistory("dev-1", readingsN(3))
	second := p.sampleForHistory("dev-1", readingsN(3))
	if len(first) != 0 {
		t.Fatalf("expected no samples in first batch, got %d", len(first))
	}
	if len(second) != 1 {
		t.Fatalf("expected 1 sample in second batch, got %d", len(second))
	}
}

func TestSampleForHistory_PerDeviceCounters(t *testing.T) {
	p := &Processor{}

	p.sampleForHistory("dev-1", readingsN(4))
	sampled := p.sampleForHistory("dev-2", readingsN(4))
	if len(sampled) != 0 {
		t.Fatalf("counters must not be shared across devices, got %d samples", len(sampled))
	}
}

func TestApplyDeclaredSensors_ZeroFillsMissing(t *testing.T) {
	device := &models.Device{ID: "dev-1", SensorKinds: []string{"turbidity", "ph"}}
	readings := []models.SensorReading{
		{DeviceID: "dev-1", Values: map[string]float64{"ph": 7.2}},
	}

	applyDeclaredSensors(device, readings)

	if v, ok := readings[0].Values["turbidity"]; !ok || v != 0 {
		t.Fatalf("declared turbidity should default to 0, got %v (present=%v)", v, ok)
	}
	if _, ok := readings[0].Values["tds"]; ok {
		t.Fatal("undeclared tds must stay absent")
	}
	if readings[0].Values["ph"] != 7.2 {
		t.Fatalf("present value changed: %v", readings[0].Values["ph"])
	}
}

func TestRaiseAlert_CountsFailedEmails(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM alerts").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("FROM users").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "email_notifications", "push_notifications", "send_scheduled_alerts",
			"alert_severities", "parameters", "device_ids",
			"quiet_hours_enabled", "quiet_hours_start", "quiet_hours_end",
		}).AddRow("u-a", "a@example.com", true, false, false, "{Critical}", "{}", "{}", false, nil, nil))

	dispatcher := &fakeDispatcher{failFor: map[string]bool{"a@example.com": true}}
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewProcessor(store, nil, newTestNotifier(dispatcher), nil, metrics, logrus.New())

	p.raiseAlert(context.Background(), testAlert("dev-1", "ph"), ThresholdKey("dev-1", "ph"))

	if got := testutil.ToFloat64(metrics.EmailsFailed); got != 1 {
		t.Fatalf("emails failed counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.EmailsSent); got != 0 {
		t.Fatalf("emails sent counter = %v, want 0", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
