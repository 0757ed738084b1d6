package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sreeram77/energy-core/internal/telemetry"
)

// Publisher sends a payload to a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ReplayConfig holds configuration for the Replayer
type ReplayConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
	// BatchSize is the number of rows published per tick
	BatchSize int `mapstructure:"batch_size"`
	// Topic may contain {device}, replaced by the row's device id
	Topic string `mapstructure:"topic"`
	// Loop restarts from the first row after the last one
	Loop bool `mapstructure:"loop"`
	// RewriteTimestamps stamps rows with the publish time instead of the CSV time
	RewriteTimestamps bool `mapstructure:"rewrite_timestamps"`
}

// Replayer publishes readings loaded from a CSV file on a fixed interval
type Replayer struct {
	logger     zerolog.Logger
	config     ReplayConfig
	publisher  Publisher
	readings   []telemetry.Reading
	currentIdx int
	now        func() time.Time
}

// NewReplayer loads cfg.Path and creates a Replayer
func NewReplayer(logger zerolog.Logger, publisher Publisher, cfg ReplayConfig) (*Replayer, error) {
	file, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open readings file: %w", err)
	}
	defer file.Close()

	readings, err := LoadReadingsCSV(file)
	if err != nil {
		return nil, err
	}
	return newReplayer(logger, publisher, cfg, readings)
}

func newReplayer(logger zerolog.Logger, publisher Publisher, cfg ReplayConfig, readings []telemetry.Reading) (*Replayer, error) {
	if len(readings) == 0 {
		return nil, fmt.Errorf("no readings to replay")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Topic == "" {
		cfg.Topic = "energy/readings/{device}"
	}
	return &Replayer{
		logger:    logger.With().Str("component", "replayer").Logger(),
		config:    cfg,
		publisher: publisher,
		readings:  readings,
		now:       time.Now,
	}, nil
}

// columnChannels maps CSV headers to channels
var columnChannels = map[string]telemetry.Channel{
	"power":           telemetry.ChannelPower,
	"energy":          telemetry.ChannelEnergy,
	"voltage":         telemetry.ChannelVoltage,
	"current":         telemetry.ChannelCurrent,
	"temperature":     telemetry.ChannelTemperature,
	"state_of_charge": telemetry.ChannelStateOfCharge,
	"stateOfCharge":   telemetry.ChannelStateOfCharge,
	"soc":             telemetry.ChannelStateOfCharge,
}

// LoadReadingsCSV parses rows with a device_id column, an optional timestamp
// column and one column per channel. Empty cells leave the channel absent;
// short or unparseable rows are skipped.
func LoadReadingsCSV(r io.Reader) ([]telemetry.Reading, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	colMap := make(map[string]int)
	for i, col := range header {
		colMap[strings.TrimSpace(col)] = i
	}
	idCol, ok := colMap["device_id"]
	if !ok {
		return nil, fmt.Errorf("CSV header has no device_id column")
	}
	tsCol, hasTS := colMap["timestamp"]

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV records: %w", err)
	}

	readings := make([]telemetry.Reading, 0, len(records))
	for _, record := range records {
		if len(record) < len(header) || record[idCol] == "" {
			continue
		}

		var ts time.Time
		if hasTS {
			ts, err = parseCSVTimestamp(record[tsCol])
			if err != nil {
				continue
			}
		}

		channels := make(map[telemetry.Channel]float64)
		for col, ch := range columnChannels {
			i, ok := colMap[col]
			if !ok || record[i] == "" {
				continue
			}
			v, err := strconv.ParseFloat(record[i], 64)
			if err != nil {
				continue
			}
			channels[ch] = v
		}

		readings = append(readings, telemetry.NewReading(record[idCol], ts, channels))
	}
	return readings, nil
}

// parseCSVTimestamp accepts RFC3339 or epoch milliseconds
func parseCSVTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Start publishes a batch every interval until ctx is done, or until the
// rows run out when Loop is off.
func (r *Replayer) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info().
		Int("readings", len(r.readings)).
		Dur("interval", r.config.Interval).
		Msg("Replaying readings")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if done := r.publishBatch(ctx); done {
				r.logger.Info().Msg("Replay finished")
				return nil
			}
		}
	}
}

// publishBatch publishes the next batch and reports whether the replay is over
func (r *Replayer) publishBatch(ctx context.Context) bool {
	for i := 0; i < r.config.BatchSize; i++ {
		if r.currentIdx >= len(r.readings) {
			if !r.config.Loop {
				return true
			}
			r.currentIdx = 0
		}

		reading := r.readings[r.currentIdx]
		r.currentIdx++

		if r.config.RewriteTimestamps || reading.Timestamp().IsZero() {
			reading = telemetry.NewReading(reading.DeviceID(), r.now().UTC(), reading.Channels())
		}

		payload, err := json.Marshal(reading)
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to encode reading")
			continue
		}

		topic := strings.ReplaceAll(r.config.Topic, "{device}", reading.DeviceID())
		if err := r.publisher.Publish(ctx, topic, payload); err != nil {
			r.logger.Error().
				Err(err).
				Str("topic", topic).
				Msg("Failed to publish reading")
		}
	}
	return !r.config.Loop && r.currentIdx >= len(r.readings)
}
