package pipeline

import (
	"context"
	"time"

	"github.com/sreeram77/energy-core/internal/telemetry"
)

// Update is published after every processing cycle and device removal
type Update struct {
	ID        string                 `json:"id"`
	DeviceID  string                 `json:"deviceId"`
	State     telemetry.DerivedState `json:"state"`
	Err       error                  `json:"-"`
	Removed   bool                   `json:"removed,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscribe returns a channel receiving every Update until ctx is done or the
// pipeline closes. Updates are dropped for a subscriber whose buffer is full.
func (p *Pipeline) Subscribe(ctx context.Context) <-chan Update {
	ch := make(chan Update, p.config.SubscriberBuffer)

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	p.subMu.Lock()
	if closed || p.subscribers == nil {
		p.subMu.Unlock()
		close(ch)
		return ch
	}
	p.subscribers[ch] = struct{}{}
	p.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-p.done:
		}
		p.subMu.Lock()
		if _, ok := p.subscribers[ch]; ok {
			delete(p.subscribers, ch)
			close(ch)
		}
		p.subMu.Unlock()
	}()

	return ch
}

func (p *Pipeline) publish(u Update) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	for ch := range p.subscribers {
		select {
		case ch <- u:
		default:
			p.logger.Debug().Str("device_id", u.DeviceID).Msg("Dropped update for slow subscriber")
		}
	}
}

func (p *Pipeline) closeSubscribers() {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	for ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
}
