package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sreeram77/energy-core/internal/modelruntime"
)

var (
	ErrDeviceNotFound    = errors.New("device not found")
	ErrDeviceExists      = errors.New("device already registered")
	ErrTimeout           = errors.New("processing timed out")
	ErrUnknownProcessing = errors.New("unknown processing error")
	ErrCancelled         = errors.New("processing cancelled")
	ErrClosed            = errors.New("pipeline closed")
)

// Stage names the step of a processing cycle that failed
type Stage string

const (
	StageInitialize Stage = "initialize"
	StagePredict    Stage = "predict"
	StageDetect     Stage = "detect"
	StageFold       Stage = "fold"
)

// ProcessingError describes a failed processing cycle. It matches both its
// Kind and the underlying cause with errors.Is.
type ProcessingError struct {
	DeviceID string
	Stage    Stage
	Kind     error
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process reading for %s: %s: %v", e.DeviceID, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newProcessingError(deviceID string, stage Stage, err error) *ProcessingError {
	return &ProcessingError{DeviceID: deviceID, Stage: stage, Kind: classify(err), Err: err}
}

// classify maps a cycle failure onto the error taxonomy
func classify(err error) error {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, modelruntime.ErrInsufficientData):
		return modelruntime.ErrInsufficientData
	case errors.Is(err, modelruntime.ErrInitialization):
		return modelruntime.ErrInitialization
	case errors.Is(err, modelruntime.ErrRuntimeDisposed):
		return modelruntime.ErrRuntimeDisposed
	default:
		return ErrUnknownProcessing
	}
}

// kindLabel is the metric attribute value for an error kind
func kindLabel(kind error) string {
	switch kind {
	case ErrCancelled:
		return "cancelled"
	case ErrTimeout:
		return "timeout"
	case modelruntime.ErrInsufficientData:
		return "insufficient_data"
	case modelruntime.ErrInitialization:
		return "initialization"
	case modelruntime.ErrRuntimeDisposed:
		return "runtime_disposed"
	default:
		return "unknown"
	}
}
