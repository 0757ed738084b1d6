// Package ingest moves data between the transports and the pipeline: the
// Collector feeds transport messages into processing cycles, the Forwarder
// pushes published updates to snapshot sinks and the Replayer generates
// reading traffic from a CSV file.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sreeram77/energy-core/internal/devicetree"
	"github.com/sreeram77/energy-core/internal/pipeline"
	"github.com/sreeram77/energy-core/internal/telemetry"
)

var (
	ErrQueueFull        = errors.New("device queue full")
	ErrCollectorStopped = errors.New("collector stopped")
)

// Processor is the part of the pipeline the collector drives
type Processor interface {
	ProcessReading(ctx context.Context, deviceID string, reading telemetry.Reading) (telemetry.DerivedState, error)
	RegisterDevice(parentID string, device devicetree.Device) (*devicetree.Node, error)
}

// Rejecter receives payloads that could not be turned into readings
type Rejecter interface {
	Reject(ctx context.Context, source string, payload []byte, cause error) error
}

// CollectorConfig holds configuration for the Collector
type CollectorConfig struct {
	// QueueSize bounds the readings waiting per device
	QueueSize int `mapstructure:"queue_size"`
	// AutoRegister registers unknown devices as roots on their first reading
	AutoRegister bool `mapstructure:"auto_register"`
	// IdleTimeout stops a device worker after this long without readings
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// collectorMetrics holds all metrics for the collector
type collectorMetrics struct {
	messagesReceived metric.Int64Counter
	messagesRejected metric.Int64Counter
	messagesDropped  metric.Int64Counter
	processingTime   metric.Float64Histogram
	errors           metric.Int64Counter
}

// Collector turns transport messages into processing cycles. Each device gets
// its own queue and worker so readings of one device are processed in arrival
// order while different devices proceed in parallel.
type Collector struct {
	logger    zerolog.Logger
	config    CollectorConfig
	processor Processor
	rejecter  Rejecter

	mu      sync.Mutex
	queues  map[string]chan telemetry.Reading
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup

	metrics collectorMetrics
}

// NewCollector creates a new Collector instance. rejecter may be nil.
func NewCollector(logger zerolog.Logger, processor Processor, rejecter Rejecter, cfg *CollectorConfig) (*Collector, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg == nil {
		cfg = &CollectorConfig{
			QueueSize:    64,
			AutoRegister: true,
			IdleTimeout:  5 * time.Minute,
		}
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be at least 1, got %d", cfg.QueueSize)
	}

	meter := otel.GetMeterProvider().Meter("github.com/sreeram77/energy-core/collector")
	messagesReceived, _ := meter.Int64Counter(
		"collector_messages_received_total",
		metric.WithDescription("Total number of transport messages received"),
	)
	messagesRejected, _ := meter.Int64Counter(
		"collector_messages_rejected_total",
		metric.WithDescription("Total number of messages that were not valid readings"),
	)
	messagesDropped, _ := meter.Int64Counter(
		"collector_messages_dropped_total",
		metric.WithDescription("Total number of readings dropped because a device queue was full"),
	)
	processingTime, _ := meter.Float64Histogram(
		"collector_processing_time_seconds",
		metric.WithDescription("Time taken to process one reading including queueing"),
		metric.WithUnit("s"),
	)
	errs, _ := meter.Int64Counter(
		"collector_errors_total",
		metric.WithDescription("Total number of failed processing cycles"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		logger:    logger.With().Str("component", "collector").Logger(),
		config:    *cfg,
		processor: processor,
		rejecter:  rejecter,
		queues:    make(map[string]chan telemetry.Reading),
		ctx:       ctx,
		cancel:    cancel,
		metrics: collectorMetrics{
			messagesReceived: messagesReceived,
			messagesRejected: messagesRejected,
			messagesDropped:  messagesDropped,
			processingTime:   processingTime,
			errors:           errs,
		},
	}, nil
}

// HandleMessage parses a transport message and queues the reading. The device
// id comes from the payload, or else from the last topic segment.
func (c *Collector) HandleMessage(topic string, payload []byte) {
	c.metrics.messagesReceived.Add(c.ctx, 1)

	reading, err := telemetry.ParseReading(payload, time.Now().UTC())
	if err == nil && reading.DeviceID() == "" {
		if id := deviceFromTopic(topic); id != "" {
			reading = reading.WithDeviceID(id)
		} else {
			err = fmt.Errorf("%w: no device id in payload or topic %q", telemetry.ErrInvalidReading, topic)
		}
	}
	if err != nil {
		c.reject(topic, payload, err)
		return
	}

	if err := c.Enqueue(reading.DeviceID(), reading); err != nil {
		c.logger.Warn().
			Err(err).
			Str("device_id", reading.DeviceID()).
			Msg("Dropped reading")
	}
}

func (c *Collector) reject(topic string, payload []byte, cause error) {
	c.metrics.messagesRejected.Add(c.ctx, 1)
	c.logger.Warn().
		Err(cause).
		Str("topic", topic).
		Int("bytes", len(payload)).
		Msg("Rejected message")

	if c.rejecter == nil {
		return
	}
	if err := c.rejecter.Reject(c.ctx, topic, payload, cause); err != nil {
		c.logger.Error().Err(err).Msg("Failed to dead-letter message")
	}
}

// deviceFromTopic returns the last segment of topics like readings/<device-id>
func deviceFromTopic(topic string) string {
	i := strings.LastIndex(topic, "/")
	if i < 0 || i == len(topic)-1 {
		return ""
	}
	id := topic[i+1:]
	if id == "+" || id == "#" {
		return ""
	}
	return id
}

// Enqueue queues a reading for its device without blocking
func (c *Collector) Enqueue(deviceID string, reading telemetry.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrCollectorStopped
	}

	queue, ok := c.queues[deviceID]
	if !ok {
		queue = make(chan telemetry.Reading, c.config.QueueSize)
		c.queues[deviceID] = queue
		c.wg.Add(1)
		go c.worker(deviceID, queue)
	}

	select {
	case queue <- reading:
		return nil
	default:
		c.metrics.messagesDropped.Add(c.ctx, 1, metric.WithAttributes(attribute.String("device_id", deviceID)))
		return fmt.Errorf("%w: %s", ErrQueueFull, deviceID)
	}
}

// worker processes one device's queue until the collector stops or the
// queue has been idle for IdleTimeout.
func (c *Collector) worker(deviceID string, queue chan telemetry.Reading) {
	defer c.wg.Done()

	var idle <-chan time.Time
	var timer *time.Timer
	if c.config.IdleTimeout > 0 {
		timer = time.NewTimer(c.config.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case reading := <-queue:
			c.process(deviceID, reading)
			if timer != nil {
				timer.Reset(c.config.IdleTimeout)
			}
		case <-idle:
			c.mu.Lock()
			if len(queue) > 0 {
				c.mu.Unlock()
				timer.Reset(c.config.IdleTimeout)
				continue
			}
			delete(c.queues, deviceID)
			c.mu.Unlock()
			c.logger.Debug().Str("device_id", deviceID).Msg("Stopped idle device worker")
			return
		}
	}
}

func (c *Collector) process(deviceID string, reading telemetry.Reading) {
	start := time.Now()
	defer func() {
		c.metrics.processingTime.Record(c.ctx, time.Since(start).Seconds())
	}()

	_, err := c.processor.ProcessReading(c.ctx, deviceID, reading)
	if errors.Is(err, pipeline.ErrDeviceNotFound) && c.config.AutoRegister {
		_, regErr := c.processor.RegisterDevice("", devicetree.Device{ID: deviceID, Type: devicetree.DeviceTypeOther})
		if regErr != nil && !errors.Is(regErr, pipeline.ErrDeviceExists) {
			c.logger.Error().Err(regErr).Str("device_id", deviceID).Msg("Failed to auto-register device")
			c.metrics.errors.Add(c.ctx, 1)
			return
		}
		c.logger.Info().Str("device_id", deviceID).Msg("Auto-registered device")
		_, err = c.processor.ProcessReading(c.ctx, deviceID, reading)
	}
	if err != nil {
		c.metrics.errors.Add(c.ctx, 1)
		c.logger.Debug().Err(err).Str("device_id", deviceID).Msg("Processing cycle failed")
	}
}

// Stop cancels in-flight cycles and waits for all device workers to exit
func (c *Collector) Stop() error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.logger.Info().Msg("Collector stopped")
	return nil
}
