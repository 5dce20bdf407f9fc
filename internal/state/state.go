// Package state holds the agent's last known location fix and device identity.
package state

import (
	"sync"
	"time"

	"gpsrecorder/go-location-agent/internal/model"
)

// State is shared by the location feed, which writes fixes, and the real-time
// producer, which reads them.
type State struct {
	mu         sync.RWMutex
	deviceUUID string
	fix        model.Fix
	fixAt      time.Time
}

// New returns a State for the given device.
func New(deviceUUID string) *State {
	return &State{deviceUUID: deviceUUID}
}

// SetDevice replaces the device identifier.
func (s *State) SetDevice(id string) {
	s.mu.Lock()
	s.deviceUUID = id
	s.mu.Unlock()
}

// Device returns the device identifier.
func (s *State) Device() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceUUID
}

// UpdateFix records the latest fix received at t.
func (s *State) UpdateFix(f model.Fix, t time.Time) {
	s.mu.Lock()
	s.fix = f
	s.fixAt = t
	s.mu.Unlock()
}

// LastFix returns the last fix and when it arrived. A zero time means no fix yet.
func (s *State) LastFix() (model.Fix, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fix, s.fixAt
}

// Realtime builds a fresh real-time reading from the last known values.
// With no fix yet the coordinates are unknown; the reading is still produced.
func (s *State) Realtime(now time.Time) model.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts := model.FormatTimestamp(now)
	return model.Reading{
		Latitude:        s.fix.Latitude,
		Longitude:       s.fix.Longitude,
		ReadingDatetime: ts,
		DeviceType:      model.DefaultDeviceType,
		DeviceUUID:      s.deviceUUID,
		UploadType:      model.UploadRealtime,
		Accuracy:        s.fix.Accuracy,
		Speed:           s.fix.Speed,
		SpeedUnit:       s.fix.SpeedUnit(),
		UploadDatetime:  ts,
	}
}
