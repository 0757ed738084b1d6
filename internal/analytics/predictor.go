package analytics

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/sreeram77/energy-core/internal/modelruntime"
	"github.com/sreeram77/energy-core/internal/telemetry"
)

// TrendPredictor forecasts a channel as a least-squares linear trend plus an
// additive seasonal profile learned from the trend residuals.
type TrendPredictor struct {
	Channel      telemetry.Channel
	SeasonLength int
}

// Predict implements modelruntime.Predictor
func (p *TrendPredictor) Predict(ctx context.Context, readings []telemetry.Reading, horizon int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values := channelValues(readings, p.Channel)
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no %s values in %d readings", modelruntime.ErrInsufficientData, p.Channel, len(readings))
	}

	forecast := make([]float64, horizon)
	n := len(values)
	if n == 1 {
		for i := range forecast {
			forecast[i] = values[0]
		}
		return forecast, nil
	}

	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(x, values, nil, false)
	seasonal := p.seasonalProfile(values, alpha, beta)

	for i := range forecast {
		t := n + i
		forecast[i] = alpha + beta*float64(t)
		if seasonal != nil {
			forecast[i] += seasonal[t%len(seasonal)]
		}
	}
	return forecast, nil
}

// seasonalProfile returns the mean residual per phase, or nil when there are
// fewer than two full seasons of data.
func (p *TrendPredictor) seasonalProfile(values []float64, alpha, beta float64) []float64 {
	season := p.SeasonLength
	if season < 2 || len(values) < 2*season {
		return nil
	}

	sums := make([]float64, season)
	counts := make([]int, season)
	for i, v := range values {
		phase := i % season
		sums[phase] += v - (alpha + beta*float64(i))
		counts[phase]++
	}

	profile := make([]float64, season)
	for i := range profile {
		profile[i] = sums[i] / float64(counts[i])
	}
	return profile
}
