package broker

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MQTTConfig holds MQTT client configuration
type MQTTConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
	Topic     string `mapstructure:"topic"`
	QoS       byte   `mapstructure:"qos"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// MessageHandler receives the topic and payload of one MQTT message
type MessageHandler func(topic string, payload []byte)

// newClientOptions builds auto-reconnecting client options. The client id gets
// a random suffix so replicas sharing a config do not evict each other.
func newClientOptions(logger zerolog.Logger, cfg MQTTConfig) *mqtt.ClientOptions {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "energy-core"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8])).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	}
	return opts
}

// Source subscribes to the readings topic and hands every message to a handler
type Source struct {
	logger zerolog.Logger
	config MQTTConfig
	client mqtt.Client
}

// NewSource creates an MQTT reading source
func NewSource(logger zerolog.Logger, cfg MQTTConfig) (*Source, error) {
	if cfg.BrokerURL == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt broker url and topic are required")
	}
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	return &Source{
		logger: logger.With().Str("component", "mqtt_source").Logger(),
		config: cfg,
	}, nil
}

// Run connects, subscribes and blocks until ctx is done
func (s *Source) Run(ctx context.Context, handle MessageHandler) error {
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		handle(msg.Topic(), msg.Payload())
	}

	opts := newClientOptions(s.logger, s.config)
	// Subscriptions are restored on every (re)connect.
	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info().Str("broker", s.config.BrokerURL).Msg("Connected to MQTT broker")
		if token := c.Subscribe(s.config.Topic, s.config.QoS, onMessage); token.Wait() && token.Error() != nil {
			s.logger.Error().Err(token.Error()).Str("topic", s.config.Topic).Msg("MQTT subscribe failed")
			return
		}
		s.logger.Info().
			Str("topic", s.config.Topic).
			Uint8("qos", s.config.QoS).
			Msg("Subscribed to readings topic")
	}
	s.client = mqtt.NewClient(opts)

	if err := ConnectWithBackoff(ctx, s.logger, s.client, time.Second, 30*time.Second); err != nil {
		return err
	}

	<-ctx.Done()
	s.client.Disconnect(250)
	s.logger.Info().Msg("Disconnected from MQTT broker")
	return ctx.Err()
}

// Publisher publishes payloads to MQTT topics
type Publisher struct {
	logger zerolog.Logger
	config MQTTConfig
	client mqtt.Client
}

// NewPublisher creates a publisher and connects it
func NewPublisher(ctx context.Context, logger zerolog.Logger, cfg MQTTConfig) (*Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	logger = logger.With().Str("component", "mqtt_publisher").Logger()

	client := mqtt.NewClient(newClientOptions(logger, cfg))
	if err := ConnectWithBackoff(ctx, logger, client, time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	return &Publisher{logger: logger, config: cfg, client: client}, nil
}

// Publish sends payload to topic, or to the configured topic when topic is empty
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		topic = p.config.Topic
	}
	token := p.client.Publish(topic, p.config.QoS, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish to %s failed: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects the client
func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

// ConnectWithBackoff retries the initial connection with exponential backoff
// until it succeeds or ctx is done.
func ConnectWithBackoff(ctx context.Context, logger zerolog.Logger, client mqtt.Client, start, max time.Duration) error {
	backoff := start
	for {
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		logger.Warn().Err(token.Error()).Dur("retry_in", backoff).Msg("MQTT connect failed")

		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
			}
		case <-ctx.Done():
			return fmt.Errorf("mqtt connect cancelled: %w", ctx.Err())
		}
	}
}
