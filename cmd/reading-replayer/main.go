package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sreeram77/energy-core/internal/broker"
	"github.com/sreeram77/energy-core/internal/config"
	"github.com/sreeram77/energy-core/internal/ingest"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	csvPath := flag.String("file", "", "CSV file to replay, overrides replayer.path")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "reading-replayer").
		Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *csvPath != "" {
		cfg.Replayer.Path = *csvPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mqttCfg := cfg.MQTT
	mqttCfg.ClientID = "reading-replayer"
	publisher, err := broker.NewPublisher(ctx, logger, mqttCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
	}
	defer publisher.Close()

	replayer, err := ingest.NewReplayer(logger, publisher, cfg.Replayer)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create replayer")
	}

	if err := replayer.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Replay stopped with error")
	}

	logger.Info().Msg("Replayer stopped")
}
