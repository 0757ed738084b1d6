package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sreeram77/energy-core/internal/analytics"
	"github.com/sreeram77/energy-core/internal/api"
	"github.com/sreeram77/energy-core/internal/broker"
	"github.com/sreeram77/energy-core/internal/devicetree"
	"github.com/sreeram77/energy-core/internal/ingest"
	"github.com/sreeram77/energy-core/internal/pipeline"
	"github.com/sreeram77/energy-core/internal/storage"
	grpctransport "github.com/sreeram77/energy-core/internal/transport/grpc"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig              `mapstructure:"app"`
	Log       LogConfig              `mapstructure:"log"`
	Server    ServerConfig           `mapstructure:"server"`
	Pipeline  pipeline.Config        `mapstructure:"pipeline"`
	Analytics analytics.Config       `mapstructure:"analytics"`
	MQTT      broker.MQTTConfig      `mapstructure:"mqtt"`
	Kafka     broker.KafkaConfig     `mapstructure:"kafka"`
	Storage   storage.Config         `mapstructure:"storage"`
	Collector ingest.CollectorConfig `mapstructure:"collector"`
	Replayer  ingest.ReplayConfig    `mapstructure:"replayer"`
	Devices   []DeviceConfig         `mapstructure:"devices"`
}

// AppConfig holds application configuration
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTP HTTPServerConfig     `mapstructure:"http"`
	GRPC grpctransport.Config `mapstructure:"grpc"`
}

// HTTPServerConfig holds HTTP server configuration
type HTTPServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// API returns the api.Config for these settings
func (c HTTPServerConfig) API() api.Config {
	return api.Config{
		Addr:            fmt.Sprintf(":%d", c.Port),
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

// DeviceConfig is a device registered at start-up. Parents must be listed
// before their children.
type DeviceConfig struct {
	ID         string            `mapstructure:"id"`
	ParentID   string            `mapstructure:"parent_id"`
	Name       string            `mapstructure:"name"`
	Type       string            `mapstructure:"type"`
	Attributes map[string]string `mapstructure:"attributes"`
}

// Device returns the devicetree form of d
func (d DeviceConfig) Device() devicetree.Device {
	return devicetree.Device{
		ID:         d.ID,
		Name:       d.Name,
		Type:       devicetree.DeviceType(d.Type),
		Attributes: d.Attributes,
	}
}

// Load loads configuration from file and environment variables.
// If configPath is provided, it will be used to load the configuration from that specific file.
// Otherwise, it will look for config.yaml in standard locations.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("ENERGYCORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	err := v.ReadInConfig()
	if err != nil {
		// If we have a specific config path and it doesn't exist, return error
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// For default config paths, it's okay if no config file is found
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Pipeline.Now = time.Now

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the sections that have their own validation rules
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	if err := c.Analytics.Validate(); err != nil {
		return fmt.Errorf("invalid analytics config: %w", err)
	}
	if c.MQTT.Enabled && (c.MQTT.BrokerURL == "" || c.MQTT.Topic == "") {
		return fmt.Errorf("mqtt.broker_url and mqtt.topic are required when mqtt is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		if d.ParentID != "" && !seen[d.ParentID] {
			return fmt.Errorf("devices[%d]: parent %q must be listed before %q", i, d.ParentID, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// setDefaults sets default values for the configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "energy-core")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "0.1.0")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Server defaults
	v.SetDefault("server.http.port", 8080)
	v.SetDefault("server.http.read_timeout", 30*time.Second)
	v.SetDefault("server.http.write_timeout", 30*time.Second)
	v.SetDefault("server.http.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.grpc.enabled", true)
	v.SetDefault("server.grpc.port", 50051)
	v.SetDefault("server.grpc.check_interval", 5*time.Second)

	// Pipeline defaults
	pc := pipeline.DefaultConfig()
	v.SetDefault("pipeline.buffer_capacity", pc.BufferCapacity)
	v.SetDefault("pipeline.forecast_horizon", pc.ForecastHorizon)
	v.SetDefault("pipeline.maintenance_threshold", pc.MaintenanceThreshold)
	v.SetDefault("pipeline.maintenance_interval", pc.MaintenanceInterval)
	v.SetDefault("pipeline.call_timeout", pc.CallTimeout)
	v.SetDefault("pipeline.runtime_scope", string(pc.RuntimeScope))
	v.SetDefault("pipeline.subscriber_buffer", pc.SubscriberBuffer)

	// Analytics defaults
	ac := analytics.DefaultConfig()
	v.SetDefault("analytics.forecast_channel", string(ac.ForecastChannel))
	v.SetDefault("analytics.detect_channel", string(ac.DetectChannel))
	v.SetDefault("analytics.season_length", ac.SeasonLength)
	v.SetDefault("analytics.zscore_threshold", ac.ZScoreThreshold)
	v.SetDefault("analytics.min_samples", ac.MinSamples)

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "energy-core")
	v.SetDefault("mqtt.topic", "energy/readings/+")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "energy.derived-state")
	v.SetDefault("kafka.dlq_topic", "energy.readings.dlq")
	v.SetDefault("kafka.required_acks", "all")
	v.SetDefault("kafka.compression", "snappy")
	v.SetDefault("kafka.batch_timeout", 50*time.Millisecond)
	v.SetDefault("kafka.max_attempts", 5)

	// Storage defaults
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "postgres")
	v.SetDefault("storage.postgres.password", "postgres")
	v.SetDefault("storage.postgres.dbname", "energycore")
	v.SetDefault("storage.postgres.sslmode", "disable")

	// Collector defaults
	v.SetDefault("collector.queue_size", 64)
	v.SetDefault("collector.auto_register", true)
	v.SetDefault("collector.idle_timeout", 5*time.Minute)

	// Replayer defaults
	v.SetDefault("replayer.path", "./test-data/readings.csv")
	v.SetDefault("replayer.interval", time.Second)
	v.SetDefault("replayer.batch_size", 10)
	v.SetDefault("replayer.topic", "energy/readings/{device}")
	v.SetDefault("replayer.loop", true)
	v.SetDefault("replayer.rewrite_timestamps", true)
}
