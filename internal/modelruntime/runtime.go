// Package modelruntime manages the lifecycle of the forecasting and anomaly models.
package modelruntime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sreeram77/energy-core/internal/telemetry"
)

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrInitialization   = errors.New("model initialization failed")
	ErrRuntimeDisposed  = errors.New("model runtime disposed")
	ErrNotInitialized   = errors.New("model runtime not initialized")
	ErrMalformedOutput  = errors.New("malformed model output")
)

// Predictor forecasts a future series from recent readings
type Predictor interface {
	// Predict returns exactly horizon forecast values for readings ordered oldest first
	Predict(ctx context.Context, readings []telemetry.Reading, horizon int) ([]float64, error)
}

// Detection is the result of scoring a reading window
type Detection struct {
	// Prediction is the current health estimate on a 0-100 scale, not a forecast
	Prediction   float64 `json:"prediction"`
	AnomalyScore float64 `json:"anomalyScore"`
	Confidence   float64 `json:"confidence"`
}

// Detector scores a reading window for abnormality
type Detector interface {
	Detect(ctx context.Context, readings []telemetry.Reading) (Detection, error)
}

// Models is what a Loader produces. Either capability may also implement io.Closer.
type Models struct {
	Predictor Predictor
	Detector  Detector
}

// Loader acquires the underlying model resources
type Loader interface {
	Load(ctx context.Context) (Models, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context) (Models, error)

// Load calls f
func (f LoaderFunc) Load(ctx context.Context) (Models, error) { return f(ctx) }

// State is the lifecycle state of a Runtime
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Runtime is a lazily initialized, disposable handle to a Predictor and a Detector.
// It is safe for concurrent use and may be shared by many devices.
type Runtime struct {
	logger zerolog.Logger
	loader Loader
	group  singleflight.Group

	mu     sync.RWMutex
	state  State
	models Models
}

// New creates an uninitialized runtime backed by loader
func New(logger zerolog.Logger, loader Loader) *Runtime {
	return &Runtime{
		logger: logger.With().Str("component", "model_runtime").Logger(),
		loader: loader,
	}
}

// State returns the current lifecycle state
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Initialize loads the models once. Concurrent callers share a single load;
// calling it on a ready runtime is a no-op. A failed load leaves the runtime
// uninitialized so it can be retried.
//
// The load itself is not tied to any caller's cancellation. A caller whose ctx
// ends returns ctx.Err() alone while the load completes for the others.
func (r *Runtime) Initialize(ctx context.Context) error {
	switch r.State() {
	case StateReady:
		return nil
	case StateDisposed:
		return ErrRuntimeDisposed
	}

	loadCtx := context.WithoutCancel(ctx)
	results := r.group.DoChan("initialize", func() (any, error) {
		switch r.State() {
		case StateReady:
			return nil, nil
		case StateDisposed:
			return nil, ErrRuntimeDisposed
		}

		models, err := r.loader.Load(loadCtx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		if models.Predictor == nil || models.Detector == nil {
			closeModels(models)
			return nil, fmt.Errorf("%w: loader returned incomplete models", ErrInitialization)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.state == StateDisposed {
			closeModels(models)
			return nil, ErrRuntimeDisposed
		}
		r.models = models
		r.state = StateReady
		r.logger.Info().Msg("Model runtime initialized")
		return nil, nil
	})

	select {
	case res := <-results:
		if res.Err != nil {
			r.logger.Error().Err(res.Err).Bool("shared", res.Shared).Msg("Model runtime initialization failed")
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Predict runs the predictor against readings
func (r *Runtime) Predict(ctx context.Context, readings []telemetry.Reading, horizon int) ([]float64, error) {
	if horizon < 1 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.usable(); err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: predictor needs at least one reading", ErrInsufficientData)
	}

	forecast, err := r.models.Predictor.Predict(ctx, readings, horizon)
	if err != nil {
		return nil, err
	}
	if len(forecast) != horizon {
		return nil, fmt.Errorf("%w: predictor returned %d values, want %d", ErrMalformedOutput, len(forecast), horizon)
	}
	for i, v := range forecast {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: forecast value %d is not finite", ErrMalformedOutput, i)
		}
	}
	return forecast, nil
}

// Detect runs the anomaly detector against readings
func (r *Runtime) Detect(ctx context.Context, readings []telemetry.Reading) (Detection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.usable(); err != nil {
		return Detection{}, err
	}
	if len(readings) == 0 {
		return Detection{}, fmt.Errorf("%w: detector needs at least one reading", ErrInsufficientData)
	}

	d, err := r.models.Detector.Detect(ctx, readings)
	if err != nil {
		return Detection{}, err
	}
	if !inUnitRange(d.AnomalyScore) || !inUnitRange(d.Confidence) {
		return Detection{}, fmt.Errorf("%w: score %v and confidence %v must be within [0,1]",
			ErrMalformedOutput, d.AnomalyScore, d.Confidence)
	}
	if math.IsNaN(d.Prediction) || math.IsInf(d.Prediction, 0) {
		return Detection{}, fmt.Errorf("%w: health prediction is not finite", ErrMalformedOutput)
	}
	return d, nil
}

// Dispose releases the models. It is idempotent; afterwards every call fails with ErrRuntimeDisposed.
func (r *Runtime) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateDisposed {
		return nil
	}
	r.state = StateDisposed
	err := closeModels(r.models)
	r.models = Models{}
	r.logger.Info().Msg("Model runtime disposed")
	return err
}

// usable must be called with r.mu held
func (r *Runtime) usable() error {
	switch r.state {
	case StateReady:
		return nil
	case StateDisposed:
		return ErrRuntimeDisposed
	default:
		return ErrNotInitialized
	}
}

func closeModels(m Models) error {
	var errs []error
	pc, predictorCloses := m.Predictor.(io.Closer)
	if predictorCloses {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if dc, ok := m.Detector.(io.Closer); ok && !(predictorCloses && sameCloser(pc, dc)) {
		if err := dc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sameCloser reports whether both capabilities are backed by one value
func sameCloser(a, b io.Closer) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	return ta == tb && ta.Comparable() && a == b
}

func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}
