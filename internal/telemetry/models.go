package telemetry

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Channel names a numeric measurement carried by a Reading
type Channel string

const (
	ChannelPower         Channel = "power"
	ChannelEnergy        Channel = "energy"
	ChannelVoltage       Channel = "voltage"
	ChannelCurrent       Channel = "current"
	ChannelTemperature   Channel = "temperature"
	ChannelStateOfCharge Channel = "stateOfCharge"
)

// KnownChannels lists the channels accepted as flat keys in the wire form
var KnownChannels = []Channel{
	ChannelPower,
	ChannelEnergy,
	ChannelVoltage,
	ChannelCurrent,
	ChannelTemperature,
	ChannelStateOfCharge,
}

// Reading is a single telemetry sample for one device.
// A Reading is immutable: the channel map is copied on construction and never exposed.
type Reading struct {
	deviceID  string
	timestamp time.Time
	channels  map[Channel]float64
}

// NewReading creates a Reading from a sparse set of channel values
func NewReading(deviceID string, ts time.Time, channels map[Channel]float64) Reading {
	return Reading{
		deviceID:  deviceID,
		timestamp: ts,
		channels:  maps.Clone(channels),
	}
}

// DeviceID returns the id of the device that produced the reading, if known
func (r Reading) DeviceID() string { return r.deviceID }

// Timestamp returns the sample time
func (r Reading) Timestamp() time.Time { return r.timestamp }

// Value returns the value of a channel and whether the reading carries it
func (r Reading) Value(ch Channel) (float64, bool) {
	v, ok := r.channels[ch]
	return v, ok
}

// Channels returns a copy of all channel values
func (r Reading) Channels() map[Channel]float64 {
	return maps.Clone(r.channels)
}

// ChannelNames returns the channels present on the reading in sorted order
func (r Reading) ChannelNames() []Channel {
	return slices.Sorted(maps.Keys(r.channels))
}

// WithDeviceID returns a copy of the reading attributed to deviceID
func (r Reading) WithDeviceID(deviceID string) Reading {
	r.deviceID = deviceID
	return r
}

type readingJSON struct {
	DeviceID  string              `json:"deviceId,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Channels  map[Channel]float64 `json:"channels"`
}

// MarshalJSON encodes the reading in its canonical wire form
func (r Reading) MarshalJSON() ([]byte, error) {
	channels := r.channels
	if channels == nil {
		channels = map[Channel]float64{}
	}
	return json.Marshal(readingJSON{
		DeviceID:  r.deviceID,
		Timestamp: r.timestamp,
		Channels:  channels,
	})
}

// UnmarshalJSON decodes either the canonical or the flat wire form
func (r *Reading) UnmarshalJSON(data []byte) error {
	parsed, err := ParseReading(data, time.Now().UTC())
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Predictions holds the forward-looking part of a device's derived state
type Predictions struct {
	EnergyConsumption   []float64  `json:"energyConsumption"`
	BatteryHealth       float64    `json:"batteryHealth"`
	MaintenanceNeeded   bool       `json:"maintenanceNeeded"`
	NextMaintenanceDate *time.Time `json:"nextMaintenanceDate,omitempty"`
}

// Anomalies holds the abnormality assessment of a device's current buffer
type Anomalies struct {
	Score   float64  `json:"score"`
	Details []string `json:"details"`
}

// DerivedState is the combined output computed for a device by a processing cycle.
// Predictions and Anomalies always describe the last successful cycle; LastError is
// set when a later cycle failed and cleared by the next success.
type DerivedState struct {
	Predictions Predictions `json:"predictions"`
	Anomalies   Anomalies   `json:"anomalies"`
	LastError   error       `json:"-"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// ErrorMessage returns the text of LastError, or an empty string
func (s DerivedState) ErrorMessage() string {
	if s.LastError == nil {
		return ""
	}
	return s.LastError.Error()
}

// Clone returns a deep copy of the state
func (s DerivedState) Clone() DerivedState {
	out := s
	out.Predictions.EnergyConsumption = slices.Clone(s.Predictions.EnergyConsumption)
	out.Anomalies.Details = slices.Clone(s.Anomalies.Details)
	if s.Predictions.NextMaintenanceDate != nil {
		t := *s.Predictions.NextMaintenanceDate
		out.Predictions.NextMaintenanceDate = &t
	}
	return out
}
