package pipeline

import (
	"fmt"
	"time"

	"github.com/sreeram77/energy-core/internal/telemetry"
)

// RuntimeScope controls whether devices share one model runtime
type RuntimeScope string

const (
	// ScopeShared uses one runtime for every device
	ScopeShared RuntimeScope = "shared"
	// ScopeDevice gives each device its own runtime, disposed on teardown
	ScopeDevice RuntimeScope = "device"
)

// Config holds configuration for the Pipeline
type Config struct {
	BufferCapacity       int           `mapstructure:"buffer_capacity"`
	ForecastHorizon      int           `mapstructure:"forecast_horizon"`
	MaintenanceThreshold float64       `mapstructure:"maintenance_threshold"`
	MaintenanceInterval  time.Duration `mapstructure:"maintenance_interval"`
	// CallTimeout bounds the predictor and detector calls of one cycle; zero disables it
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	RuntimeScope     RuntimeScope  `mapstructure:"runtime_scope"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`

	// Now is the clock used for fold timestamps
	Now func() time.Time `mapstructure:"-"`
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{
		BufferCapacity:       telemetry.DefaultBufferCapacity,
		ForecastHorizon:      24,
		MaintenanceThreshold: 0.7,
		MaintenanceInterval:  7 * 24 * time.Hour,
		RuntimeScope:         ScopeShared,
		SubscriberBuffer:     100,
		Now:                  time.Now,
	}
}

// Validate checks the configuration values
func (c Config) Validate() error {
	if c.BufferCapacity < 0 {
		return fmt.Errorf("buffer capacity must not be negative, got %d", c.BufferCapacity)
	}
	if c.ForecastHorizon < 1 {
		return fmt.Errorf("forecast horizon must be at least 1, got %d", c.ForecastHorizon)
	}
	if c.MaintenanceThreshold < 0 || c.MaintenanceThreshold > 1 {
		return fmt.Errorf("maintenance threshold must be within [0,1], got %v", c.MaintenanceThreshold)
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance interval must be positive, got %s", c.MaintenanceInterval)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call timeout must not be negative, got %s", c.CallTimeout)
	}
	switch c.RuntimeScope {
	case ScopeShared, ScopeDevice:
	default:
		return fmt.Errorf("unknown runtime scope %q", c.RuntimeScope)
	}
	if c.SubscriberBuffer < 0 {
		return fmt.Errorf("subscriber buffer must not be negative, got %d", c.SubscriberBuffer)
	}
	return nil
}
