// Package analytics provides the default statistical forecasting and anomaly models.
package analytics

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sreeram77/energy-core/internal/modelruntime"
	"github.com/sreeram77/energy-core/internal/telemetry"
)

// Config holds tuning for the default models
type Config struct {
	// ForecastChannel is the channel the predictor extrapolates
	ForecastChannel telemetry.Channel `mapstructure:"forecast_channel"`
	// DetectChannel is the channel the detector scores; readings without it fall back to power
	DetectChannel telemetry.Channel `mapstructure:"detect_channel"`
	// SeasonLength is the number of samples in one seasonal cycle; 0 or 1 disables seasonality
	SeasonLength int `mapstructure:"season_length"`
	// ZScoreThreshold is the deviation at which the anomaly score reaches 0.5
	ZScoreThreshold float64 `mapstructure:"zscore_threshold"`
	// MinSamples is the window size at which detector confidence saturates
	MinSamples int `mapstructure:"min_samples"`
}

// DefaultConfig returns the tuning used when nothing is configured
func DefaultConfig() Config {
	return Config{
		ForecastChannel: telemetry.ChannelPower,
		DetectChannel:   telemetry.ChannelStateOfCharge,
		SeasonLength:    24,
		ZScoreThreshold: 3,
		MinSamples:      30,
	}
}

// Validate checks the tuning values
func (c Config) Validate() error {
	if c.ForecastChannel == "" || c.DetectChannel == "" {
		return fmt.Errorf("forecast and detect channels are required")
	}
	if c.SeasonLength < 0 {
		return fmt.Errorf("season length must not be negative, got %d", c.SeasonLength)
	}
	if c.ZScoreThreshold <= 0 {
		return fmt.Errorf("z-score threshold must be positive, got %v", c.ZScoreThreshold)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("min samples must be at least 1, got %d", c.MinSamples)
	}
	return nil
}

// NewLoader returns a loader that builds the default predictor and detector
func NewLoader(logger zerolog.Logger, cfg Config) modelruntime.Loader {
	logger = logger.With().Str("component", "analytics_loader").Logger()
	return modelruntime.LoaderFunc(func(ctx context.Context) (modelruntime.Models, error) {
		if err := ctx.Err(); err != nil {
			return modelruntime.Models{}, err
		}
		if err := cfg.Validate(); err != nil {
			return modelruntime.Models{}, fmt.Errorf("invalid analytics config: %w", err)
		}

		logger.Info().
			Str("forecast_channel", string(cfg.ForecastChannel)).
			Str("detect_channel", string(cfg.DetectChannel)).
			Int("season_length", cfg.SeasonLength).
			Float64("zscore_threshold", cfg.ZScoreThreshold).
			Msg("Loaded statistical models")

		return modelruntime.Models{
			Predictor: &TrendPredictor{Channel: cfg.ForecastChannel, SeasonLength: cfg.SeasonLength},
			Detector: &BatteryDetector{
				Channel:         cfg.DetectChannel,
				ZScoreThreshold: cfg.ZScoreThreshold,
				MinSamples:      cfg.MinSamples,
			},
		}, nil
	})
}

// channelValues extracts the values of ch in reading order, skipping readings without it
func channelValues(readings []telemetry.Reading, ch telemetry.Channel) []float64 {
	values := make([]float64, 0, len(readings))
	for _, r := range readings {
		if v, ok := r.Value(ch); ok {
			values = append(values, v)
		}
	}
	return values
}
