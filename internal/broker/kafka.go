// Package broker connects the core to its message transports: readings arrive
// over MQTT and derived-state snapshots leave over Kafka.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/sreeram77/energy-core/internal/storage"
)

// KafkaConfig holds Kafka producer configuration
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	DLQTopic     string        `mapstructure:"dlq_topic"`
	RequiredAcks string        `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// messageWriter is the subset of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StatePublisher writes derived-state snapshots to a Kafka topic keyed by
// device id, and rejected readings to a dead-letter topic.
type StatePublisher struct {
	logger zerolog.Logger
	main   messageWriter
	dlq    messageWriter
}

// NewStatePublisher creates a publisher for cfg.Topic and, when set, cfg.DLQTopic
func NewStatePublisher(logger zerolog.Logger, cfg KafkaConfig) (*StatePublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, fmt.Errorf("kafka brokers must not be empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	p := &StatePublisher{
		logger: logger.With().Str("component", "kafka_publisher").Logger(),
		main:   newKafkaWriter(cfg, cfg.Topic),
	}
	if cfg.DLQTopic != "" {
		p.dlq = newKafkaWriter(cfg, cfg.DLQTopic)
	}

	p.logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("dlq_topic", cfg.DLQTopic).
		Msg("Created Kafka publisher")
	return p, nil
}

func newKafkaWriter(cfg KafkaConfig, topic string) *kafka.Writer {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},

		BatchTimeout: batchTimeout,
		RequiredAcks: parseAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxAttempts,
		Compression:  parseCompression(cfg.Compression),
	}
}

// Name identifies the sink in logs
func (p *StatePublisher) Name() string { return "kafka" }

// Save publishes a snapshot; the device id is the message key so a device's
// snapshots stay ordered within one partition.
func (p *StatePublisher) Save(ctx context.Context, snap storage.Snapshot) error {
	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", snap.DeviceID, err)
	}

	headers := []kafka.Header{{Key: "updateId", Value: []byte(snap.UpdateID)}}
	if snap.Error != "" {
		headers = append(headers, kafka.Header{Key: "error", Value: []byte(snap.Error)})
	}

	if err := p.main.WriteMessages(ctx, kafka.Message{
		Key:     []byte(snap.DeviceID),
		Value:   value,
		Headers: headers,
	}); err != nil {
		return fmt.Errorf("kafka write failed for %s: %w", snap.DeviceID, err)
	}
	return nil
}

// Reject sends an unparseable payload to the dead-letter topic, if configured
func (p *StatePublisher) Reject(ctx context.Context, source string, payload []byte, cause error) error {
	if p.dlq == nil {
		return nil
	}

	envelope, err := json.Marshal(map[string]any{
		"error":      cause.Error(),
		"original":   string(payload),
		"source":     source,
		"receivedAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	if err := p.dlq.WriteMessages(ctx, kafka.Message{Key: []byte("invalid"), Value: envelope}); err != nil {
		return fmt.Errorf("kafka write failed (dlq): %w", err)
	}
	return nil
}

// Close flushes and closes the writers
func (p *StatePublisher) Close() error {
	err := p.main.Close()
	if p.dlq != nil {
		if dlqErr := p.dlq.Close(); err == nil {
			err = dlqErr
		}
	}
	return err
}

func parseCompression(s string) kafka.Compression {
	switch strings.ToLower(s) {
	case "", "none", "no", "off", "0":
		return kafka.Compression(0)
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Snappy
	}
}

func parseAcks(s string) kafka.RequiredAcks {
	switch strings.ToLower(s) {
	case "none":
		return kafka.RequireNone
	case "one":
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}
