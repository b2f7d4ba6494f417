package models

import (
	"net/mail"
	"time"
)

// NotificationPreferences is the per-user notification configuration
// embedded in the user record.
type NotificationPreferences struct {
	Email               string   `json:"email"`
	EmailNotifications  bool     `json:"email_notifications"`
	PushNotifications   bool     `json:"push_notifications"`
	SendScheduledAlerts bool     `json:"send_scheduled_alerts"`
	// Empty slices mean "all" for severities, parameters and devices.
	AlertSeverities []AlertSeverity `json:"alert_severities"`
	Parameters      []string        `json:"parameters"`
	Devices         []string        `json:"devices"`

	QuietHoursEnabled bool   `json:"quiet_hours_enabled"`
	QuietHoursStart   string `json:"quiet_hours_start"` // HH:MM local
	QuietHoursEnd     string `json:"quiet_hours_end"`   // HH:MM local
}

// User is the metadata-store record of a notification recipient.
type User struct {
	ID          string                  `json:"user_id"`
	Preferences NotificationPreferences `json:"notification_preferences"`
}

// EmailValid reports whether the preference email parses as an address.
func (p NotificationPreferences) EmailValid() bool {
	if p.Email == "" {
		return false
	}
	_, err := mail.ParseAddress(p.Email)
	return err == nil
}

// WantsSeverity reports whether the user subscribed to the severity.
func (p NotificationPreferences) WantsSeverity(s AlertSeverity) bool {
	for _, want := range p.AlertSeverities {
		if want == s {
			return true
		}
	}
	return false
}

// WantsParameter applies the parameter filter; empty means all.
func (p NotificationPreferences) WantsParameter(param string) bool {
	if len(p.Parameters) == 0 {
		return true
	}
	for _, want := range p.Parameters {
		if want == param {
			return true
		}
	}
	return false
}

// WantsDevice applies the device filter; empty means all.
func (p NotificationPreferences) WantsDevice(deviceID string) bool {
	if len(p.Devices) == 0 {
		return true
	}
	for _, want := range p.Devices {
		if want == deviceID {
			return true
		}
	}
	return false
}

// InQuietHours reports whether now falls inside the user's quiet window.
// A window whose end is before its start wraps across midnight.
func (p NotificationPreferences) InQuietHours(now time.Time) bool {
	if !p.QuietHoursEnabled {
		return false
	}
	start, okStart := parseClock(p.QuietHoursStart)
	end, okEnd := parseClock(p.QuietHoursEnd)
	if !okStart || !okEnd || start == end {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	if start < end {
		return minutes >= start && minutes < end
	}
	// Wraps midnight, e.g. 22:00–06:00.
	return minutes >= start || minutes < end
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
