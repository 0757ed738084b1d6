package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidReading is returned when a payload cannot be turned into a Reading
var ErrInvalidReading = errors.New("invalid reading")

// ParseReading decodes a JSON reading. Two shapes are accepted:
//
//	{"deviceId":"bat-1","timestamp":"...","channels":{"power":1.5}}
//	{"deviceId":"bat-1","timestamp":"...","power":1.5,"stateOfCharge":80}
//
// receivedAt is used when the payload carries no timestamp.
func ParseReading(data []byte, receivedAt time.Time) (Reading, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}

	var deviceID string
	for _, key := range []string{"deviceId", "device_id"} {
		if v, ok := raw[key]; ok {
			if err := json.Unmarshal(v, &deviceID); err != nil {
				return Reading{}, fmt.Errorf("%w: %s must be a string", ErrInvalidReading, key)
			}
			break
		}
	}

	ts := receivedAt
	if v, ok := raw["timestamp"]; ok && string(v) != "null" {
		parsed, err := parseTimestamp(v)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
		}
		ts = parsed
	}

	channels := make(map[Channel]float64)
	if v, ok := raw["channels"]; ok {
		var nested map[Channel]float64
		if err := json.Unmarshal(v, &nested); err != nil {
			return Reading{}, fmt.Errorf("%w: channels must be numeric: %v", ErrInvalidReading, err)
		}
		for ch, val := range nested {
			channels[ch] = val
		}
	}
	for _, ch := range KnownChannels {
		v, ok := raw[string(ch)]
		if !ok {
			continue
		}
		var val float64
		if err := json.Unmarshal(v, &val); err != nil {
			return Reading{}, fmt.Errorf("%w: %s must be numeric", ErrInvalidReading, ch)
		}
		channels[ch] = val
	}

	if len(channels) == 0 {
		return Reading{}, fmt.Errorf("%w: no channels", ErrInvalidReading)
	}
	for ch, val := range channels {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return Reading{}, fmt.Errorf("%w: %s is not finite", ErrInvalidReading, ch)
		}
	}

	return NewReading(deviceID, ts, channels), nil
}

// parseTimestamp accepts RFC3339 strings or unix epoch milliseconds
func parseTimestamp(v json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return t, nil
	}

	var ms int64
	if err := json.Unmarshal(v, &ms); err != nil {
		return time.Time{}, fmt.Errorf("timestamp must be RFC3339 or epoch milliseconds")
	}
	return time.UnixMilli(ms).UTC(), nil
}
