package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rohankumardubey/sentry-core/admin"
	"github.com/rohankumardubey/sentry-core/authz"
	"github.com/rohankumardubey/sentry-core/catalog"
	"github.com/rohankumardubey/sentry-core/cfg"
	"github.com/rohankumardubey/sentry-core/follower"
	"github.com/rohankumardubey/sentry-core/store"
	"github.com/rohankumardubey/sentry-core/telemetry"
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

	log.Info().Msg("Sentry Core - Authorization Store Synchronizer")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Authorization store
	authStore, err := store.New(cfg.Config.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize authorization store")
		return
	}
	defer authStore.Close()

	// Catalog source
	source, err := catalog.NewSource(cfg.Config.Catalog)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize catalog source")
		return
	}
	defer source.Close()

	// Object filter
	filter, err := authz.NewGlobFilter(cfg.Config.Filter.Databases, cfg.Config.Filter.Tables)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid filter configuration")
		return
	}

	// Notification processor
	processor, err := authz.NewProcessor(authz.ProcessorConfig{
		Store:        authStore,
		ServerName:   cfg.Config.Follower.ServerName,
		OriginID:     cfg.Config.InstanceID,
		SyncOnCreate: cfg.Config.Follower.SyncOnCreate,
		Filter:       filter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize processor")
		return
	}

	// Follower loop
	f, err := follower.New(follower.Config{
		Source:       source,
		Processor:    processor,
		Store:        authStore,
		PollInterval: time.Duration(cfg.Config.Follower.PollIntervalMS) * time.Millisecond,
		BatchSize:    cfg.Config.Follower.BatchSize,
		RetryInitial: time.Duration(cfg.Config.Follower.RetryBackoffMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize follower")
		return
	}
	f.Start()
	defer f.Stop()

	// Metrics endpoint
	if cfg.Config.Telemetry.Enabled {
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Config.Telemetry.Address, cfg.Config.Telemetry.Port)
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.GetMetricsHandler())
			log.Info().Str("address", addr).Msg("Serving metrics")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Admin API
	if cfg.Config.Admin.Enabled {
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port)
			mux := http.NewServeMux()
			admin.RegisterRoutes(mux, admin.NewHandlers(authStore, f))
			log.Info().Str("address", addr).Msg("Serving admin API")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error().Err(err).Msg("Admin server failed")
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
