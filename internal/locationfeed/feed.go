package locationfeed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gpsrecorder/go-location-agent/internal/model"
	"gpsrecorder/go-location-agent/internal/mqtt"
	"gpsrecorder/go-location-agent/internal/state"

	"github.com/mmcloughlin/geohash"
)

const cellPrecision = 7

// GPSSink receives the GPS line of the status board.
type GPSSink interface {
	SetGPS(text string)
}

// Feed turns location messages from the sensor bridge into state updates.
type Feed struct {
	state  *state.State
	status GPSSink
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Feed writing into st.
func New(st *state.State, status GPSSink, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{state: st, status: status, logger: logger, now: time.Now}
}

// LocationTopic is the subscription filter for fixes from any device under prefix.
func LocationTopic(prefix string) string {
	return prefix + "/+/location"
}

// GPSStatusTopic is the subscription filter for sensor status changes.
func GPSStatusTopic(prefix string) string {
	return prefix + "/+/gps-status"
}

// Subscribe wires the feed to both topics on client.
func (f *Feed) Subscribe(client *mqtt.Client, prefix string) error {
	if err := client.Subscribe(LocationTopic(prefix), f.HandleLocation); err != nil {
		return err
	}
	return client.Subscribe(GPSStatusTopic(prefix), f.HandleGPSStatus)
}

// HandleLocation decodes a fix. Missing fields are unknown; a malformed
// payload is dropped.
func (f *Feed) HandleLocation(msg mqtt.Message) {
	var fix model.Fix
	if err := json.Unmarshal(msg.Payload(), &fix); err != nil {
		f.logger.Warn("location payload decode failed", "topic", msg.Topic(), "error", err)
		return
	}

	f.state.UpdateFix(fix, f.now())
	f.logger.Info("location updated", "lat", floatText(fix.Latitude), "lon", floatText(fix.Longitude), "accuracy", floatText(fix.Accuracy))
	f.logger.Info("speed updated", "speed", floatText(fix.Speed), "unit", fix.SpeedUnit())

	if f.status != nil {
		f.status.SetGPS(FormatFix(fix))
	}
}

// HandleGPSStatus reports sensor status changes such as a disabled provider.
func (f *Feed) HandleGPSStatus(msg mqtt.Message) {
	var payload struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		f.logger.Warn("gps status payload decode failed", "topic", msg.Topic(), "error", err)
		return
	}
	if f.status != nil {
		f.status.SetGPS(fmt.Sprintf("GPS status: %s - %s", strings.TrimSpace(payload.Type), strings.TrimSpace(payload.Status)))
	}
}

// FormatFix renders the GPS line of the status board.
func FormatFix(fix model.Fix) string {
	line := fmt.Sprintf("GPS: Lat=%s, Lon=%s, Acc=%s, Spd=%s",
		floatText(fix.Latitude), floatText(fix.Longitude), floatText(fix.Accuracy), floatText(fix.Speed))
	if cell := Cell(fix); cell != "" {
		line += ", Cell=" + cell
	}
	return line
}

// Cell returns the geohash of the fix, or "" when the position is unknown.
func Cell(fix model.Fix) string {
	if fix.Latitude == nil || fix.Longitude == nil {
		return ""
	}
	return geohash.EncodeWithPrecision(*fix.Latitude, *fix.Longitude, cellPrecision)
}

func floatText(v *float64) string {
	if v == nil {
		return model.SpeedUnitUnknown
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
