package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Water-quality parameters carried by sensor readings.
const (
	ParamTurbidity = "turbidity"
	ParamTDS       = "tds"
	ParamPH        = "ph"
)

// Parameters lists the known water-quality parameters in canonical order.
var Parameters = []string{ParamTurbidity, ParamTDS, ParamPH}

// SensorReading is a single decoded measurement from one device. Values
// holds only the parameters present in the wire payload.
type SensorReading struct {
	DeviceID   string             `json:"device_id"`
	Values     map[string]float64 `json:"values"`
	TSDevice   time.Time          `json:"ts_device"`
	TSReceived time.Time          `json:"ts_received"`
}

// wireReading matches the MQTT payload shape: optional per-parameter
// fields plus a millisecond device timestamp.
type wireReading struct {
	Turbidity *float64 `json:"turbidity,omitempty"`
	TDS       *float64 `json:"tds,omitempty"`
	PH        *float64 `json:"ph,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

type wireBatch struct {
	Readings []json.RawMessage `json:"readings"`
}

// DecodeReadings decodes a queue message body that is either a single
// reading object or {"readings": [...]}. Non-finite values are rejected so
// NaN/Inf never reaches the stores.
func DecodeReadings(deviceID string, body []byte, received time.Time) ([]SensorReading, error) {
	var batch wireBatch
	if err := json.Unmarshal(body, &batch); err == nil && batch.Readings != nil {
		out := make([]SensorReading, 0, len(batch.Readings))
		for i, raw := range batch.Readings {
			r, err := decodeSingle(deviceID, raw, received)
			if err != nil {
				return nil, fmt.Errorf("reading %d: %w", i, err)
			}
			out = append(out, r)
		}
		return out, nil
	}

	r, err := decodeSingle(deviceID, body, received)
	if err != nil {
		return nil, err
	}
	return []SensorReading{r}, nil
}

func decodeSingle(deviceID string, body []byte, received time.Time) (SensorReading, error) {
	var w wireReading
	if err := json.Unmarshal(body, &w); err != nil {
		return SensorReading{}, fmt.Errorf("parse reading: %w", err)
	}

	values := make(map[string]float64, 3)
	for param, v := range map[string]*float64{
		ParamTurbidity: w.Turbidity,
		ParamTDS:       w.TDS,
		ParamPH:        w.PH,
	} {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			return SensorReading{}, fmt.Errorf("parameter %s is not finite", param)
		}
		values[param] = *v
	}
	if len(values) == 0 {
		return SensorReading{}, fmt.Errorf("reading carries no known parameters")
	}

	r := SensorReading{
		DeviceID:   deviceID,
		Values:     values,
		TSReceived: received,
	}
	if w.Timestamp > 0 {
		r.TSDevice = time.UnixMilli(w.Timestamp).UTC()
	} else {
		r.TSDevice = received
	}
	return r, nil
}
