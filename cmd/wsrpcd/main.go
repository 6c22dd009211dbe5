package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/wsrpc/internal/config"
	"github.com/adred-codev/wsrpc/internal/ingest"
	"github.com/adred-codev/wsrpc/internal/monitoring"
	"github.com/adred-codev/wsrpc/internal/server"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	// Bootstrap logger; replaced once config is loaded.
	boot := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
	boot.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting wsrpcd")

	cfg, err := config.Load(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	// Optional broker bridges. Both feed the same worker pool.
	var (
		pool  *ingest.Pool
		natsB *ingest.NATSBridge
		kafka *ingest.KafkaBridge
	)
	if cfg.NATSURL != "" || len(cfg.KafkaBrokers) > 0 {
		pool = ingest.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, logger)
		pool.Start(srv.Context())
	}
	if cfg.NATSURL != "" {
		natsB, err = ingest.NewNATSBridge(ingest.NATSConfig{
			URL:      cfg.NATSURL,
			Subjects: cfg.NATSSubjects,
		}, srv, pool, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create NATS bridge")
		}
		if err := natsB.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start NATS bridge")
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err = ingest.NewKafkaBridge(ingest.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topics:  cfg.KafkaTopics,
			Group:   cfg.KafkaGroup,
		}, srv, pool, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Kafka bridge")
		}
		kafka.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Stop ingest first so no new publishes race the drain.
	if natsB != nil {
		natsB.Stop()
	}
	if kafka != nil {
		kafka.Stop()
	}
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	if pool != nil {
		pool.Stop()
	}
}
