package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sreeram77/energy-core/internal/pipeline"
	"github.com/sreeram77/energy-core/internal/storage"
)

// Subscriber is the source of pipeline updates
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan pipeline.Update
}

// Sink receives derived-state snapshots
type Sink interface {
	Save(ctx context.Context, s storage.Snapshot) error
}

// deleter is implemented by sinks that forget removed devices
type deleter interface {
	Delete(ctx context.Context, deviceID string) error
}

// Forwarder copies every pipeline update into its sinks
type Forwarder struct {
	logger      zerolog.Logger
	subscriber  Subscriber
	sinks       []Sink
	sinkTimeout time.Duration
}

// NewForwarder creates a forwarder writing to sinks in order
func NewForwarder(logger zerolog.Logger, subscriber Subscriber, sinks ...Sink) *Forwarder {
	return &Forwarder{
		logger:      logger.With().Str("component", "forwarder").Logger(),
		subscriber:  subscriber,
		sinks:       sinks,
		sinkTimeout: 5 * time.Second,
	}
}

// Run forwards updates until ctx is done or the subscription closes
func (f *Forwarder) Run(ctx context.Context) error {
	updates := f.subscriber.Subscribe(ctx)
	f.logger.Info().Int("sinks", len(f.sinks)).Msg("Forwarding derived-state updates")

	for u := range updates {
		f.forward(ctx, u)
	}
	return ctx.Err()
}

func (f *Forwarder) forward(ctx context.Context, u pipeline.Update) {
	for _, sink := range f.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, f.sinkTimeout)
		var err error
		if u.Removed {
			if d, ok := sink.(deleter); ok {
				err = d.Delete(sinkCtx, u.DeviceID)
			}
		} else {
			err = sink.Save(sinkCtx, SnapshotFromUpdate(u))
		}
		cancel()

		if err != nil {
			f.logger.Error().
				Err(err).
				Str("device_id", u.DeviceID).
				Str("update_id", u.ID).
				Str("sink", sinkName(sink)).
				Msg("Failed to forward update")
		}
	}
}

func sinkName(sink Sink) string {
	if n, ok := sink.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", sink)
}

// SnapshotFromUpdate converts a pipeline update into its stored form
func SnapshotFromUpdate(u pipeline.Update) storage.Snapshot {
	snap := storage.Snapshot{
		DeviceID:   u.DeviceID,
		UpdateID:   u.ID,
		State:      u.State.Clone(),
		RecordedAt: u.Timestamp,
	}
	if u.Err != nil {
		snap.Error = u.Err.Error()
	} else if u.State.LastError != nil {
		snap.Error = u.State.LastError.Error()
	}
	return snap
}
