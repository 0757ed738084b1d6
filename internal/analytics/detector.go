package analytics

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/sreeram77/energy-core/internal/modelruntime"
	"github.com/sreeram77/energy-core/internal/telemetry"
)

const (
	// degenerateZScore is used when the history has no variance but the latest value moved
	degenerateZScore = 100.0

	thermalStressOnset   = 35.0 // °C
	thermalPenaltyPerDeg = 1.5
	deepCycleSwing       = 80.0 // percentage points of state of charge
	deepCyclePenalty     = 5.0
)

// BatteryDetector scores the newest value of a channel against the window that
// precedes it and estimates battery health from thermal and cycling stress.
type BatteryDetector struct {
	Channel         telemetry.Channel
	ZScoreThreshold float64
	MinSamples      int
}

// Detect implements modelruntime.Detector
func (d *BatteryDetector) Detect(ctx context.Context, readings []telemetry.Reading) (modelruntime.Detection, error) {
	if err := ctx.Err(); err != nil {
		return modelruntime.Detection{}, err
	}

	values := channelValues(readings, d.Channel)
	if len(values) == 0 {
		values = channelValues(readings, telemetry.ChannelPower)
	}
	if len(values) == 0 {
		return modelruntime.Detection{}, fmt.Errorf("%w: no %s or %s values", modelruntime.ErrInsufficientData,
			d.Channel, telemetry.ChannelPower)
	}

	z := d.zScore(values)
	return modelruntime.Detection{
		Prediction:   healthEstimate(readings),
		AnomalyScore: z / (z + d.ZScoreThreshold),
		Confidence:   math.Min(1, float64(len(values)-1)/float64(d.MinSamples)),
	}, nil
}

// zScore returns the absolute deviation of the newest value from the preceding window
func (d *BatteryDetector) zScore(values []float64) float64 {
	n := len(values)
	if n < 3 {
		return 0
	}

	history, latest := values[:n-1], values[n-1]
	mean, std := stat.MeanStdDev(history, nil)
	if std == 0 {
		if latest == mean {
			return 0
		}
		return degenerateZScore
	}
	return math.Abs(latest-mean) / std
}

// healthEstimate returns a 0-100 condition estimate
func healthEstimate(readings []telemetry.Reading) float64 {
	health := 100.0

	if temps := channelValues(readings, telemetry.ChannelTemperature); len(temps) > 0 {
		if excess := stat.Mean(temps, nil) - thermalStressOnset; excess > 0 {
			health -= excess * thermalPenaltyPerDeg
		}
	}

	if soc := channelValues(readings, telemetry.ChannelStateOfCharge); len(soc) > 1 {
		lo, hi := soc[0], soc[0]
		for _, v := range soc[1:] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi-lo > deepCycleSwing {
			health -= deepCyclePenalty
		}
	}

	return math.Max(0, math.Min(100, health))
}
