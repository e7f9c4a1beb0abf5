package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lily-data/metapipe/api"
	"github.com/lily-data/metapipe/cdc"
	"github.com/lily-data/metapipe/cfg"
	"github.com/lily-data/metapipe/enrich"
	"github.com/lily-data/metapipe/ingest"
	"github.com/lily-data/metapipe/ingress"
	"github.com/lily-data/metapipe/normalize"
	"github.com/lily-data/metapipe/pipeline"
	"github.com/lily-data/metapipe/publisher"
	"github.com/lily-data/metapipe/rules"
	"github.com/lily-data/metapipe/status"
	"github.com/lily-data/metapipe/telemetry"

	// Register sink and transformer factories
	_ "github.com/lily-data/metapipe/publisher/sink"
	_ "github.com/lily-data/metapipe/publisher/transformer"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Metapipe - Multi-Tenant Metadata Ingestion")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.ServeMetrics()

	// Rule resolution
	store := rules.NewMemoryStoreFromConfig(cfg.Config.Rules.Static)
	resolver := rules.NewResolver(
		store,
		cfg.Config.Rules.Cache.Size,
		time.Duration(cfg.Config.Rules.Cache.TTLSeconds)*time.Second,
	)

	// CDC state
	generator, err := cdc.NewGenerator(cfg.Config.StateCache.Size)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize CDC generator")
		return
	}

	// Outbound sinks
	registry, err := publisher.NewRegistry(cfg.Config.Sinks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize publisher registry")
		return
	}
	defer registry.Close()

	// Processing pipeline
	pipe := pipeline.New(
		resolver,
		normalize.NewRegistry(),
		pipeline.RequiredFieldsValidator{},
		enrich.NewEnricher(nil),
		generator,
		registry,
	)

	// Ingestion engine
	tracker := status.NewTracker()
	coordinator, err := ingest.NewCoordinator(pipe, tracker, ingest.Config{
		MaxAttempts: cfg.Config.Ingestion.MaxAttempts,
		RetryBase:   time.Duration(cfg.Config.Ingestion.RetryBaseSeconds) * time.Second,
		WorkerSlots: cfg.Config.Ingestion.WorkerSlots,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ingestion coordinator")
		return
	}
	coordinator.Start()
	defer coordinator.Stop()

	// Inbound Kafka consumers
	var ingressService *ingress.Service
	if cfg.Config.Ingress.Enabled {
		validator := ingress.NewStaticTokenValidator(cfg.Config.API.AuthTokens)
		ingressService = ingress.NewService(coordinator, validator, cfg.Config.Ingress)
		ingressService.Start()
		defer ingressService.Stop()
	}

	// HTTP API
	var apiServer *api.Server
	if cfg.Config.API.Enabled {
		handlers := api.NewHandlers(coordinator, tracker, resolver)
		apiServer = api.NewServer(cfg.Config.API, handlers)
		apiServer.Start()
		defer apiServer.Stop()
	}

	// Wait for termination signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
