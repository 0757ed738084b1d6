package modelruntime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sreeram77/energy-core/internal/telemetry"
)

type stubPredictor struct {
	out []float64
	err error
}

func (s stubPredictor) Predict(_ context.Context, _ []telemetry.Reading, _ int) ([]float64, error) {
	return s.out, s.err
}

type stubDetector struct {
	out Detection
	err error
}

func (s stubDetector) Detect(_ context.Context, _ []telemetry.Reading) (Detection, error) {
	return s.out, s.err
}

type closingModel struct {
	closed atomic.Int32
}

func (c *closingModel) Predict(_ context.Context, _ []telemetry.Reading, horizon int) ([]float64, error) {
	return make([]float64, horizon), nil
}

func (c *closingModel) Detect(_ context.Context, _ []telemetry.Reading) (Detection, error) {
	return Detection{Prediction: 100}, nil
}

func (c *closingModel) Close() error {
	c.closed.Add(1)
	return nil
}

func readings(n int) []telemetry.Reading {
	out := make([]telemetry.Reading, n)
	for i := range out {
		out[i] = telemetry.NewReading("bat-1", time.Unix(int64(i), 0), map[telemetry.Channel]float64{
			telemetry.ChannelPower: float64(i),
		})
	}
	return out
}

func staticLoader(p Predictor, d Detector) LoaderFunc {
	return func(context.Context) (Models, error) {
		return Models{Predictor: p, Detector: d}, nil
	}
}

func TestRuntime_InitializeRace(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	loader := LoaderFunc(func(context.Context) (Models, error) {
		loads.Add(1)
		<-release
		return Models{Predictor: stubPredictor{out: []float64{1}}, Detector: stubDetector{}}, nil
	})
	rt := New(zerolog.Nop(), loader)

	const callers = 50
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- rt.Initialize(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, StateReady, rt.State())

	require.NoError(t, rt.Initialize(context.Background()))
	assert.Equal(t, int32(1), loads.Load(), "initialize on a ready runtime is a no-op")
}

func TestRuntime_InitializeCallerCancelled(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	loader := LoaderFunc(func(ctx context.Context) (Models, error) {
		loads.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return Models{}, ctx.Err()
		}
		return Models{Predictor: stubPredictor{}, Detector: stubDetector{}}, nil
	})
	rt := New(zerolog.Nop(), loader)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- rt.Initialize(ctx) }()

	require.Eventually(t, func() bool { return loads.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- rt.Initialize(context.Background()) }()

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiting caller did not return")
	}
	assert.Equal(t, StateReady, rt.State())
	assert.Equal(t, int32(1), loads.Load())
}

func TestRuntime_InitializeFailureIsRetryable(t *testing.T) {
	var attempts atomic.Int32
	loader := LoaderFunc(func(context.Context) (Models, error) {
		if attempts.Add(1) == 1 {
			return Models{}, errors.New("weights not found")
		}
		return Models{Predictor: stubPredictor{}, Detector: stubDetector{}}, nil
	})
	rt := New(zerolog.Nop(), loader)

	err := rt.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitialization)
	assert.Contains(t, err.Error(), "weights not found")
	assert.Equal(t, StateUninitialized, rt.State())

	require.NoError(t, rt.Initialize(context.Background()))
	assert.Equal(t, StateReady, rt.State())
}

func TestRuntime_IncompleteModels(t *testing.T) {
	rt := New(zerolog.Nop(), staticLoader(stubPredictor{}, nil))
	assert.ErrorIs(t, rt.Initialize(context.Background()), ErrInitialization)
	assert.Equal(t, StateUninitialized, rt.State())
}

func TestRuntime_CallsBeforeInitialize(t *testing.T) {
	rt := New(zerolog.Nop(), staticLoader(stubPredictor{}, stubDetector{}))

	_, err := rt.Predict(context.Background(), readings(1), 1)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = rt.Detect(context.Background(), readings(1))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestRuntime_Dispose(t *testing.T) {
	model := &closingModel{}
	rt := New(zerolog.Nop(), staticLoader(model, model))
	require.NoError(t, rt.Initialize(context.Background()))

	require.NoError(t, rt.Dispose())
	require.NoError(t, rt.Dispose(), "second dispose is a no-op")
	assert.Equal(t, StateDisposed, rt.State())
	assert.Equal(t, int32(1), model.closed.Load(), "shared model closed once")

	_, err := rt.Predict(context.Background(), readings(3), 2)
	assert.ErrorIs(t, err, ErrRuntimeDisposed)
	_, err = rt.Detect(context.Background(), readings(3))
	assert.ErrorIs(t, err, ErrRuntimeDisposed)
	assert.ErrorIs(t, rt.Initialize(context.Background()), ErrRuntimeDisposed)
}

func TestRuntime_DisposeUninitialized(t *testing.T) {
	rt := New(zerolog.Nop(), staticLoader(stubPredictor{}, stubDetector{}))
	require.NoError(t, rt.Dispose())
	assert.ErrorIs(t, rt.Initialize(context.Background()), ErrRuntimeDisposed)
}

func TestRuntime_Predict(t *testing.T) {
	tests := []struct {
		name        string
		predictor   stubPredictor
		input       []telemetry.Reading
		horizon     int
		expectedErr error
	}{
		{
			name:      "valid forecast",
			predictor: stubPredictor{out: []float64{1, 2, 3}},
			input:     readings(5),
			horizon:   3,
		},
		{
			name:        "no readings",
			predictor:   stubPredictor{out: []float64{1}},
			input:       nil,
			horizon:     1,
			expectedErr: ErrInsufficientData,
		},
		{
			name:        "wrong length",
			predictor:   stubPredictor{out: []float64{1}},
			input:       readings(2),
			horizon:     3,
			expectedErr: ErrMalformedOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := New(zerolog.Nop(), staticLoader(tt.predictor, stubDetector{}))
			require.NoError(t, rt.Initialize(context.Background()))

			out, err := rt.Predict(context.Background(), tt.input, tt.horizon)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, out, tt.horizon)
		})
	}

	t.Run("predictor error passes through", func(t *testing.T) {
		boom := errors.New("boom")
		rt := New(zerolog.Nop(), staticLoader(stubPredictor{err: boom}, stubDetector{}))
		require.NoError(t, rt.Initialize(context.Background()))
		_, err := rt.Predict(context.Background(), readings(1), 1)
		assert.ErrorIs(t, err, boom)
	})
}

func TestRuntime_Detect(t *testing.T) {
	tests := []struct {
		name        string
		detection   Detection
		expectedErr error
	}{
		{name: "in range", detection: Detection{Prediction: 88, AnomalyScore: 0.2, Confidence: 0.9}},
		{name: "score above one", detection: Detection{AnomalyScore: 1.2}, expectedErr: ErrMalformedOutput},
		{name: "negative confidence", detection: Detection{Confidence: -0.1}, expectedErr: ErrMalformedOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := New(zerolog.Nop(), staticLoader(stubPredictor{}, stubDetector{out: tt.detection}))
			require.NoError(t, rt.Initialize(context.Background()))

			got, err := rt.Detect(context.Background(), readings(2))
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.detection, got)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "disposed", StateDisposed.String())
}
