package model

import "time"

// UploadType tags whether a reading is a live sample or a resend from the queue.
type UploadType string

const (
	UploadRealtime     UploadType = "real-time"
	UploadSynchronised UploadType = "synchronised"
)

const (
	DefaultDeviceType = "mobile"
	SpeedUnitMPS      = "mps"
	SpeedUnitUnknown  = "N/A"
)

// TimestampLayout is the ISO-8601 layout used for reading and upload timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Reading is a single location observation as sent to the upload endpoint.
type Reading struct {
	Latitude        *float64   `json:"latitude"`
	Longitude       *float64   `json:"longitude"`
	ReadingDatetime string     `json:"reading_datetime"`
	DeviceType      string     `json:"device_type"`
	DeviceUUID      string     `json:"device_uuid"`
	UploadType      UploadType `json:"upload_type"`
	Accuracy        *float64   `json:"accuracy"`
	Speed           *float64   `json:"speed"`
	SpeedUnit       string     `json:"speed_unit"`
	UploadDatetime  string     `json:"upload_datetime"`
}

// Fix is a location sample delivered by the GPS source. Nil fields are unknown.
type Fix struct {
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

// SpeedUnit returns the unit to report alongside the fix speed.
func (f Fix) SpeedUnit() string {
	if f.Speed == nil {
		return SpeedUnitUnknown
	}
	return SpeedUnitMPS
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
