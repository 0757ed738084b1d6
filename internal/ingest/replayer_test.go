package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sreeram77/energy-core/internal/telemetry"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}

const sampleCSV = `device_id,timestamp,power,energy,voltage,current,temperature,state_of_charge
bat-1,2025-01-01T00:00:00Z,1.5,10,48,2,30,80
bat-2,1735689600000,2.5,,,,,
bat-1,2025-01-01T00:01:00Z,1.7,11,48,2,31,79
`

func TestLoadReadingsCSV(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{
			name:  "valid rows",
			input: sampleCSV,
			want:  3,
		},
		{
			name:    "no device_id column",
			input:   "timestamp,power\n2025-01-01T00:00:00Z,1\n",
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:  "bad timestamp and empty device are skipped",
			input: "device_id,timestamp,power\nbat-1,yesterday,1\n,2025-01-01T00:00:00Z,2\nbat-1,2025-01-01T00:00:00Z,3\n",
			want:  1,
		},
		{
			name:  "no timestamp column",
			input: "device_id,power\nbat-1,1\n",
			want:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readings, err := LoadReadingsCSV(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, readings, tt.want)
		})
	}
}

func TestLoadReadingsCSV_Values(t *testing.T) {
	readings, err := LoadReadingsCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	first := readings[0]
	assert.Equal(t, "bat-1", first.DeviceID())
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), first.Timestamp())
	soc, ok := first.Value(telemetry.ChannelStateOfCharge)
	require.True(t, ok)
	assert.Equal(t, 80.0, soc)

	sparse := readings[1]
	assert.Equal(t, time.UnixMilli(1735689600000).UTC(), sparse.Timestamp())
	assert.Equal(t, []telemetry.Channel{telemetry.ChannelPower}, sparse.ChannelNames())
}

func TestReplayer_PublishBatch(t *testing.T) {
	readings, err := LoadReadingsCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	t.Run("stops after the last row", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		r, err := newReplayer(zerolog.Nop(), pub, ReplayConfig{BatchSize: 2, Topic: "energy/{device}"}, readings)
		require.NoError(t, err)

		assert.False(t, r.publishBatch(context.Background()))
		assert.True(t, r.publishBatch(context.Background()))
		pub.AssertNumberOfCalls(t, "Publish", 3)
		pub.AssertCalled(t, "Publish", mock.Anything, "energy/bat-2", mock.Anything)
	})

	t.Run("loop wraps around", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		r, err := newReplayer(zerolog.Nop(), pub, ReplayConfig{BatchSize: 2, Loop: true}, readings)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			assert.False(t, r.publishBatch(context.Background()))
		}
		pub.AssertNumberOfCalls(t, "Publish", 6)
		assert.Equal(t, 3, r.currentIdx)
	})

	t.Run("rewrites timestamps", func(t *testing.T) {
		now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		var published []byte
		pub := &mockPublisher{}
		pub.On("Publish", mock.Anything, "energy/readings/bat-1", mock.Anything).
			Run(func(args mock.Arguments) { published = args.Get(2).([]byte) }).
			Return(nil).Once()

		r, err := newReplayer(zerolog.Nop(), pub, ReplayConfig{BatchSize: 1, RewriteTimestamps: true}, readings)
		require.NoError(t, err)
		r.now = func() time.Time { return now }

		r.publishBatch(context.Background())

		var got telemetry.Reading
		require.NoError(t, json.Unmarshal(published, &got))
		assert.Equal(t, now, got.Timestamp())
		assert.Equal(t, "bat-1", got.DeviceID())
	})
}

func TestReplayer_Start(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readings.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o600))

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	r, err := NewReplayer(zerolog.Nop(), pub, ReplayConfig{Path: path, Interval: 5 * time.Millisecond, BatchSize: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, r.Start(ctx))
	assert.NoError(t, ctx.Err(), "replay should finish before the deadline")
	pub.AssertNumberOfCalls(t, "Publish", 3)
}

func TestNewReplayer_Errors(t *testing.T) {
	_, err := NewReplayer(zerolog.Nop(), &mockPublisher{}, ReplayConfig{Path: filepath.Join(t.TempDir(), "missing.csv")})
	assert.Error(t, err)

	_, err = newReplayer(zerolog.Nop(), &mockPublisher{}, ReplayConfig{}, nil)
	assert.Error(t, err)
}
