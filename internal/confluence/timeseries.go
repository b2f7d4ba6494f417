package confluence

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"clearwater/pkg/logging"
	"clearwater/pkg/models"
)

const insertDeadline = 10 * time.Second

// Sample is one historical value of a single parameter.
type Sample struct {
	Value float64
	TS    time.Time
}

// TimeSeries writes readings to the time-series store and serves the
// trend-detection window queries.
type TimeSeries struct {
	conn   driver.Conn
	logger logging.Logger
}

func NewTimeSeries(conn driver.Conn, logger logging.Logger) *TimeSeries {
	return &TimeSeries{conn: conn, logger: logger}
}

// WriteReadings persists the latest-state rows for all readings and
// history rows for the sampled subset. Both inserts run under their own
// deadline so a slow store cannot stall the consumer indefinitely.
func (t *TimeSeries) WriteReadings(ctx context.Context, latest, sampled []models.SensorReading) error {
	ctx, cancel := context.WithTimeout(ctx, insertDeadline)
	defer cancel()

	if len(latest) > 0 {
		if err := t.insert(ctx, "sensor_readings_latest", latest); err != nil {
			return fmt.Errorf("latest insert: %w", err)
		}
	}
	if len(sampled) > 0 {
		if err := t.insert(ctx, "sensor_readings_history", sampled); err != nil {
			return fmt.Errorf("history insert: %w", err)
		}
	}
	return nil
}

func (t *TimeSeries) insert(ctx context.Context, table string, readings []models.SensorReading) error {
	batch, err := t.conn.PrepareBatch(ctx,
		"INSERT INTO "+table+" (device_id, turbidity, tds, ph, ts_device, ts_received)")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range readings {
		if err := batch.Append(
			r.DeviceID,
			nullable(r.Values, models.ParamTurbidity),
			nullable(r.Values, models.ParamTDS),
			nullable(r.Values, models.ParamPH),
			r.TSDevice,
			r.TSReceived,
		); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return batch.Send()
}

func nullable(values map[string]float64, param string) *float64 {
	if v, ok := values[param]; ok {
		return &v
	}
	return nil
}

// RecentHistory returns up to limit sampled values of one parameter within
// the window, oldest first. Rows where the parameter was absent are
// skipped.
func (t *TimeSeries) RecentHistory(ctx context.Context, deviceID, parameter string, window time.Duration, limit int) ([]Sample, error) {
	col, ok := parameterColumn(parameter)
	if !ok {
		return nil, fmt.Errorf("unknown parameter %q", parameter)
	}

	query := fmt.Sprintf(`
		SELECT %s, ts_received
		FROM sensor_readings_history
		WHERE device_id = ? AND %s IS NOT NULL AND ts_received >= now64(3) - INTERVAL ? SECOND
		ORDER BY ts_received DESC
		LIMIT ?`, col, col)

	rows, err := t.conn.Query(ctx, query, deviceID, int64(window.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var v float64
		var ts time.Time
		if err := rows.Scan(&v, &ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, Sample{Value: v, TS: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the store, chronological for the evaluator.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func parameterColumn(parameter string) (string, bool) {
	switch parameter {
	case models.ParamTurbidity, models.ParamTDS, models.ParamPH:
		return parameter, true
	default:
		return "", false
	}
}
