package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/sreeram77/energy-core/internal/analytics"
	"github.com/sreeram77/energy-core/internal/api"
	"github.com/sreeram77/energy-core/internal/broker"
	"github.com/sreeram77/energy-core/internal/config"
	"github.com/sreeram77/energy-core/internal/ingest"
	"github.com/sreeram77/energy-core/internal/pipeline"
	"github.com/sreeram77/energy-core/internal/storage"
	grpctransport "github.com/sreeram77/energy-core/internal/transport/grpc"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "energy-core").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := newLogger(cfg.Log, cfg.App.Name)

	if err := run(logger, cfg); err != nil {
		logger.Fatal().Err(err).Msg("Energy core stopped with error")
	}
	logger.Info().Msg("Shutdown complete")
}

func run(logger zerolog.Logger, cfg *config.Config) error {
	// Metrics: otel instruments exported through a prometheus registry served on /metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(logger, analytics.NewLoader(logger, cfg.Analytics), cfg.Pipeline)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing pipeline")
		}
	}()

	for _, d := range cfg.Devices {
		if _, err := p.RegisterDevice(d.ParentID, d.Device()); err != nil {
			return err
		}
	}

	if err := p.Warmup(ctx); err != nil {
		// Cycles retry initialization, so a failed warmup is not fatal
		logger.Warn().Err(err).Msg("Model runtime warmup failed")
	}

	store, err := storage.New(logger, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	sinks := []ingest.Sink{store}
	var rejecter ingest.Rejecter
	if cfg.Kafka.Enabled {
		publisher, err := broker.NewStatePublisher(logger, cfg.Kafka)
		if err != nil {
			return err
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
		rejecter = publisher
	}

	collector, err := ingest.NewCollector(logger, p, rejecter, &cfg.Collector)
	if err != nil {
		return err
	}
	defer collector.Stop()

	forwarder := ingest.NewForwarder(logger, p, sinks...)
	server := api.NewServer(logger, cfg.Server.HTTP.API(), p, store, registry, registry)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(gCtx)
	})

	g.Go(func() error {
		return ignoreCanceled(forwarder.Run(gCtx))
	})

	if cfg.Server.GRPC.Enabled {
		healthServer := grpctransport.NewServer(logger, cfg.Server.GRPC, p)
		g.Go(func() error {
			return healthServer.Run(gCtx)
		})
	}

	if cfg.MQTT.Enabled {
		source, err := broker.NewSource(logger, cfg.MQTT)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return ignoreCanceled(source.Run(gCtx, collector.HandleMessage))
		})
	}

	logger.Info().
		Str("env", cfg.App.Env).
		Str("version", cfg.App.Version).
		Int("devices", len(cfg.Devices)).
		Bool("mqtt", cfg.MQTT.Enabled).
		Bool("kafka", cfg.Kafka.Enabled).
		Str("storage", cfg.Storage.Type).
		Msg("Energy core started")

	err = g.Wait()
	logger.Info().Msg("Shutting down...")
	return err
}

// newLogger builds the service logger from the log section
func newLogger(cfg config.LogConfig, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", service).Logger()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
