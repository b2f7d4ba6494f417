package models

import (
	"strings"
	"time"
)

// AlertSeverity classifies how far outside safe range a value is.
type AlertSeverity string

const (
	SeverityAdvisory AlertSeverity = "Advisory"
	SeverityWarning  AlertSeverity = "Warning"
	SeverityCritical AlertSeverity = "Critical"
)

// ParseAlertSeverity normalizes a severity received at a boundary.
func ParseAlertSeverity(s string) (AlertSeverity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "advisory":
		return SeverityAdvisory, true
	case "warning":
		return SeverityWarning, true
	case "critical":
		return SeverityCritical, true
	default:
		return "", false
	}
}

// AlertKind distinguishes threshold-band alerts from trend alerts.
type AlertKind string

const (
	KindThreshold AlertKind = "threshold"
	KindTrend     AlertKind = "trend"
)

// AlertStatus is the lifecycle state of an alert. Transitions are
// monotonic: Active → Acknowledged → Resolved, with Active → Resolved
// allowed directly.
type AlertStatus string

const (
	AlertActive       AlertStatus = "Active"
	AlertAcknowledged AlertStatus = "Acknowledged"
	AlertResolved     AlertStatus = "Resolved"
)

// ParseAlertStatus normalizes an alert status received at a boundary.
func ParseAlertStatus(s string) (AlertStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return AlertActive, true
	case "acknowledged":
		return AlertAcknowledged, true
	case "resolved":
		return AlertResolved, true
	default:
		return "", false
	}
}

// TrendDirection is the detected direction of a sustained change.
type TrendDirection string

const (
	TrendRising  TrendDirection = "rising"
	TrendFalling TrendDirection = "falling"
)

// Alert is the metadata-store record for one water-quality alert. At most
// one Active alert exists per (device, parameter, kind, severity).
type Alert struct {
	ID                string         `json:"alert_id"`
	DeviceID          string         `json:"device_id"`
	Parameter         string         `json:"parameter"`
	Kind              AlertKind      `json:"kind"`
	Severity          AlertSeverity  `json:"severity"`
	CurrentValue      float64        `json:"current_value"`
	ThresholdValue    *float64       `json:"threshold_value,omitempty"`
	TrendDirection    TrendDirection `json:"trend_direction,omitempty"`
	Message           string         `json:"message"`
	RecommendedAction string         `json:"recommended_action"`
	Status            AlertStatus    `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	AcknowledgedAt    *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy    string         `json:"acknowledged_by,omitempty"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy        string         `json:"resolved_by,omitempty"`
	ResolvedNotes     string         `json:"resolved_notes,omitempty"`
	NotificationsSent []string       `json:"notifications_sent"`
}

// ThresholdBand is one disjoint severity interval for a parameter. A nil
// bound is open-ended on that side.
type ThresholdBand struct {
	Parameter string        `json:"parameter"`
	Severity  AlertSeverity `json:"severity"`
	Min       *float64      `json:"min,omitempty"`
	Max       *float64      `json:"max,omitempty"`
}

// Contains reports whether the value falls inside the band. The minimum is
// exclusive and the maximum inclusive so adjacent bands stay disjoint.
func (b ThresholdBand) Contains(v float64) bool {
	if b.Min != nil && v <= *b.Min {
		return false
	}
	if b.Max != nil && v > *b.Max {
		return false
	}
	return true
}

// BoundValue returns the band edge the reading crossed, preferring the
// lower bound (the usual "value exceeded X" case).
func (b ThresholdBand) BoundValue() *float64 {
	if b.Min != nil {
		return b.Min
	}
	return b.Max
}
