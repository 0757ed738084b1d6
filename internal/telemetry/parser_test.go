package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReading(t *testing.T) {
	receivedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		payload     string
		wantDevice  string
		wantTime    time.Time
		wantValues  map[Channel]float64
		expectedErr bool
	}{
		{
			name:       "nested channels",
			payload:    `{"deviceId":"bat-1","timestamp":"2024-06-01T11:00:00Z","channels":{"power":1.5,"stateOfCharge":80}}`,
			wantDevice: "bat-1",
			wantTime:   time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC),
			wantValues: map[Channel]float64{ChannelPower: 1.5, ChannelStateOfCharge: 80},
		},
		{
			name:       "flat channels without timestamp",
			payload:    `{"device_id":"pv-1","power":3.2,"voltage":230}`,
			wantDevice: "pv-1",
			wantTime:   receivedAt,
			wantValues: map[Channel]float64{ChannelPower: 3.2, ChannelVoltage: 230},
		},
		{
			name:       "epoch milliseconds",
			payload:    `{"timestamp":1717239600000,"energy":12}`,
			wantTime:   time.UnixMilli(1717239600000).UTC(),
			wantValues: map[Channel]float64{ChannelEnergy: 12},
		},
		{
			name:        "no channels",
			payload:     `{"deviceId":"bat-1"}`,
			expectedErr: true,
		},
		{
			name:        "non numeric channel",
			payload:     `{"power":"high"}`,
			expectedErr: true,
		},
		{
			name:        "bad timestamp",
			payload:     `{"timestamp":"yesterday","power":1}`,
			expectedErr: true,
		},
		{
			name:        "not json",
			payload:     `power=1`,
			expectedErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseReading([]byte(tt.payload), receivedAt)
			if tt.expectedErr {
				require.ErrorIs(t, err, ErrInvalidReading)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDevice, r.DeviceID())
			assert.True(t, tt.wantTime.Equal(r.Timestamp()))
			assert.Equal(t, tt.wantValues, r.Channels())
		})
	}
}

func TestReading_Immutable(t *testing.T) {
	channels := map[Channel]float64{ChannelPower: 1}
	r := NewReading("bat-1", time.Now(), channels)

	channels[ChannelPower] = 2
	got := r.Channels()
	got[ChannelPower] = 3

	v, ok := r.Value(ChannelPower)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestReading_JSONRoundTrip(t *testing.T) {
	ts := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	r := NewReading("bat-1", ts, map[Channel]float64{ChannelTemperature: 31.5})

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"deviceId":"bat-1","timestamp":"2024-06-01T11:00:00Z","channels":{"temperature":31.5}}`, string(data))

	var decoded Reading
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, r.DeviceID(), decoded.DeviceID())
	assert.Equal(t, r.Channels(), decoded.Channels())
}

func TestDerivedState_Clone(t *testing.T) {
	next := time.Now()
	s := DerivedState{
		Predictions: Predictions{EnergyConsumption: []float64{1, 2}, NextMaintenanceDate: &next},
		Anomalies:   Anomalies{Details: []string{"a"}},
	}

	c := s.Clone()
	c.Predictions.EnergyConsumption[0] = 9
	c.Anomalies.Details[0] = "b"
	*c.Predictions.NextMaintenanceDate = next.Add(time.Hour)

	assert.Equal(t, 1.0, s.Predictions.EnergyConsumption[0])
	assert.Equal(t, "a", s.Anomalies.Details[0])
	assert.True(t, next.Equal(*s.Predictions.NextMaintenanceDate))
}
