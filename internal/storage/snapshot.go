// Package storage persists the latest derived state of each device.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sreeram77/energy-core/internal/telemetry"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is a stored copy of a device's derived state
type Snapshot struct {
	DeviceID   string                 `json:"deviceId"`
	UpdateID   string                 `json:"updateId"`
	State      telemetry.DerivedState `json:"state"`
	Error      string                 `json:"error,omitempty"`
	RecordedAt time.Time              `json:"recordedAt"`
}

// SnapshotStore keeps the newest snapshot per device
type SnapshotStore interface {
	// Save stores s unless a newer snapshot for the device is already stored
	Save(ctx context.Context, s Snapshot) error
	// Latest returns the stored snapshot of a device
	Latest(ctx context.Context, deviceID string) (Snapshot, error)
	// List returns the stored snapshots ordered by device id
	List(ctx context.Context) ([]Snapshot, error)
	// Delete forgets a device; deleting an unknown device is not an error
	Delete(ctx context.Context, deviceID string) error
	// Close releases the store's resources
	Close() error
}

// Config selects and configures a SnapshotStore
type Config struct {
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// New creates the store named by cfg.Type
func New(logger zerolog.Logger, cfg Config) (SnapshotStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(logger, &cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// newer reports whether s should replace existing
func newer(s, existing Snapshot) bool {
	return !s.State.UpdatedAt.Before(existing.State.UpdatedAt)
}
