package models

import (
	"strings"
	"time"
)

// DeviceStatus is the operational state of a sensor node.
type DeviceStatus string

const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceError       DeviceStatus = "error"
	DeviceMaintenance DeviceStatus = "maintenance"
)

// ParseDeviceStatus normalizes a device status received at a boundary.
// Unknown values fall back to offline.
func ParseDeviceStatus(s string) DeviceStatus {
	switch DeviceStatus(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceOnline:
		return DeviceOnline
	case DeviceError:
		return DeviceError
	case DeviceMaintenance:
		return DeviceMaintenance
	default:
		return DeviceOffline
	}
}

// Location places a device inside a building. A device is registered for
// data only when both Building and Floor are assigned.
type Location struct {
	Building string `json:"building"`
	Floor    string `json:"floor"`
	Notes    string `json:"notes,omitempty"`
}

// Device is the metadata-store record for one sensor node.
type Device struct {
	ID              string       `json:"device_id"`
	Name            string       `json:"name"`
	Type            string       `json:"type"`
	FirmwareVersion string       `json:"firmware_version"`
	MAC             string       `json:"mac"`
	IP              string       `json:"ip"`
	SensorKinds     []string     `json:"sensor_kinds"`
	Status          DeviceStatus `json:"status"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastSeen        *time.Time   `json:"last_seen,omitempty"`
	Location        *Location    `json:"location,omitempty"`
}

// RegisteredForData reports whether readings from this device may be
// persisted and alerted on. Devices without an assigned location exist as
// unregistered stubs and never produce time-series writes or alerts.
func (d *Device) RegisteredForData() bool {
	return d.Location != nil &&
		strings.TrimSpace(d.Location.Building) != "" &&
		strings.TrimSpace(d.Location.Floor) != ""
}

// HasSensor reports whether the device schema declares the given parameter.
func (d *Device) HasSensor(parameter string) bool {
	for _, k := range d.SensorKinds {
		if k == parameter {
			return true
		}
	}
	return false
}

// DeviceRegistration is the payload of a device/registration/{id} message.
type DeviceRegistration struct {
	DeviceID        string   `json:"device_id"`
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	FirmwareVersion string   `json:"firmware_version"`
	MAC             string   `json:"mac"`
	IP              string   `json:"ip"`
	Sensors         []string `json:"sensors"`
}

// DevicePatch is a partial admin update of device metadata. Nil fields are
// left untouched.
type DevicePatch struct {
	Name            *string   `json:"name,omitempty"`
	Type            *string   `json:"type,omitempty"`
	FirmwareVersion *string   `json:"firmware_version,omitempty"`
	Status          *string   `json:"status,omitempty"`
	Location        *Location `json:"location,omitempty"`
}
