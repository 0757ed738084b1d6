package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sreeram77/energy-core/internal/modelruntime"
	"github.com/sreeram77/energy-core/internal/telemetry"
)

const (
	// DetailHealthDegrading is reported when an anomalous device also has poor health
	DetailHealthDegrading = "Battery health is degrading faster than expected"
	// DetailUnusualBehavior is reported when an anomaly is scored with low confidence
	DetailUnusualBehavior = "Unusual battery behavior detected"

	healthDegradationFloor = 70.0
	lowConfidenceCeiling   = 0.8
)

// ProcessReading buffers reading on the device and runs one processing cycle.
//
// Cycles for one device run one at a time in call order. On failure the
// previous predictions and anomalies are kept, the error is recorded as the
// state's LastError and both are returned.
func (p *Pipeline) ProcessReading(ctx context.Context, deviceID string, reading telemetry.Reading) (telemetry.DerivedState, error) {
	entry, ok := p.lookup(deviceID)
	if !ok {
		return telemetry.DerivedState{}, &ProcessingError{
			DeviceID: deviceID, Stage: StageInitialize, Kind: ErrDeviceNotFound, Err: ErrDeviceNotFound,
		}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.isRemoved() {
		return telemetry.DerivedState{}, &ProcessingError{
			DeviceID: deviceID, Stage: StageInitialize, Kind: ErrDeviceNotFound, Err: ErrDeviceNotFound,
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(entry.ctx, cancel)
	defer stop()

	ctx, span := p.tracer.Start(ctx, "pipeline.processReading",
		trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer span.End()

	start := time.Now()
	prevStatus := entry.getStatus()
	if reading.DeviceID() != deviceID {
		reading = reading.WithDeviceID(deviceID)
	}
	entry.push(reading)
	p.metrics.readings.Add(ctx, 1)

	state, perr := p.runCycle(ctx, entry)
	p.metrics.cycleDuration.Record(ctx, time.Since(start).Seconds())

	if perr != nil {
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		return p.fail(ctx, entry, prevStatus, perr)
	}

	if !entry.commit(state) {
		return p.fail(ctx, entry, prevStatus, newProcessingError(deviceID, StageFold, ErrCancelled))
	}
	entry.setStatus(StatusReady)
	p.metrics.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))

	p.logger.Debug().
		Str("device_id", deviceID).
		Float64("anomaly_score", state.Anomalies.Score).
		Bool("maintenance_needed", state.Predictions.MaintenanceNeeded).
		Msg("Processed reading")

	p.publish(Update{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		State:     state,
		Timestamp: state.UpdatedAt,
	})
	return state, nil
}

// runCycle ensures the models are ready, runs them against a buffer snapshot
// and folds the results.
func (p *Pipeline) runCycle(ctx context.Context, entry *deviceEntry) (telemetry.DerivedState, *ProcessingError) {
	deviceID := entry.node.ID()
	rt := entry.runtime

	if rt.State() != modelruntime.StateReady {
		entry.setStatus(StatusInitializing)
		if err := rt.Initialize(ctx); err != nil {
			return telemetry.DerivedState{}, newProcessingError(deviceID, StageInitialize, err)
		}
	}
	entry.setStatus(StatusProcessing)

	snapshot := entry.snapshot()

	callCtx := ctx
	if p.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.CallTimeout)
		defer cancel()
	}

	var (
		forecast  []float64
		detection modelruntime.Detection
		predicted atomic.Bool
	)
	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		ctx, span := p.tracer.Start(gctx, "pipeline.predict")
		defer span.End()
		out, err := rt.Predict(ctx, snapshot, p.config.ForecastHorizon)
		if err != nil {
			return newProcessingError(deviceID, StagePredict, err)
		}
		forecast = out
		predicted.Store(true)
		return nil
	})
	g.Go(func() error {
		ctx, span := p.tracer.Start(gctx, "pipeline.detect")
		defer span.End()
		out, err := rt.Detect(ctx, snapshot)
		if err != nil {
			return newProcessingError(deviceID, StageDetect, err)
		}
		detection = out
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	finished, err := awaitCycle(done, callCtx.Done())
	if !finished {
		// The model calls may ignore cancellation; their results are dropped.
		stage := StagePredict
		if predicted.Load() {
			stage = StageDetect
		}
		return telemetry.DerivedState{}, newProcessingError(deviceID, stage, callCtx.Err())
	}
	if err != nil {
		var perr *ProcessingError
		if errors.As(err, &perr) {
			return telemetry.DerivedState{}, perr
		}
		return telemetry.DerivedState{}, newProcessingError(deviceID, StageFold, err)
	}

	return p.fold(forecast, detection, p.config.Now()), nil
}

// awaitCycle waits for the model calls or for cancel. Model calls that have
// already finished win over a cancel that fires at the same time.
func awaitCycle(done <-chan error, cancel <-chan struct{}) (bool, error) {
	select {
	case err := <-done:
		return true, err
	case <-cancel:
		select {
		case err := <-done:
			return true, err
		default:
			return false, nil
		}
	}
}

// fold combines model outputs into a new derived state
func (p *Pipeline) fold(forecast []float64, d modelruntime.Detection, now time.Time) telemetry.DerivedState {
	anomalous := d.AnomalyScore > p.config.MaintenanceThreshold

	details := make([]string, 0, 2)
	if anomalous && d.Prediction < healthDegradationFloor {
		details = append(details, DetailHealthDegrading)
	}
	if anomalous && d.Confidence < lowConfidenceCeiling {
		details = append(details, DetailUnusualBehavior)
	}

	state := telemetry.DerivedState{
		Predictions: telemetry.Predictions{
			EnergyConsumption: forecast,
			BatteryHealth:     d.Prediction,
			MaintenanceNeeded: anomalous,
		},
		Anomalies: telemetry.Anomalies{
			Score:   d.AnomalyScore,
			Details: details,
		},
		UpdatedAt: now,
	}
	if anomalous {
		next := now.Add(p.config.MaintenanceInterval)
		state.Predictions.NextMaintenanceDate = &next
	}
	return state
}

// fail records perr alongside the previous state and reports it. A cycle
// cancelled by its caller leaves the device state and status as they were.
func (p *Pipeline) fail(ctx context.Context, entry *deviceEntry, prevStatus Status, perr *ProcessingError) (telemetry.DerivedState, error) {
	kind := kindLabel(perr.Kind)
	metricsCtx := context.WithoutCancel(ctx)
	p.metrics.cycles.Add(metricsCtx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
	p.metrics.errors.Add(metricsCtx, 1, metric.WithAttributes(attribute.String("kind", kind)))

	prior, _ := entry.node.State()

	if errors.Is(perr.Kind, ErrCancelled) && !entry.isRemoved() {
		entry.setStatus(prevStatus)
		p.logger.Debug().
			Str("device_id", perr.DeviceID).
			Str("stage", string(perr.Stage)).
			Msg("Processing cycle cancelled by caller")
		return prior, perr
	}

	prior.LastError = perr

	if !entry.commit(prior) {
		p.logger.Debug().
			Str("device_id", perr.DeviceID).
			Msg("Discarded cycle result for removed device")
		return prior, perr
	}
	entry.setStatus(StatusError)

	p.logger.Warn().
		Err(perr).
		Str("device_id", perr.DeviceID).
		Str("stage", string(perr.Stage)).
		Str("kind", kind).
		Msg("Processing cycle failed")

	p.publish(Update{
		ID:        uuid.NewString(),
		DeviceID:  perr.DeviceID,
		State:     prior,
		Err:       perr,
		Timestamp: p.config.Now(),
	})
	return prior, perr
}
