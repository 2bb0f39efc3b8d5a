package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"launchbox/internal/api"
	"launchbox/internal/blob"
	"launchbox/internal/config"
	"launchbox/internal/docker"
	"launchbox/internal/execution"
	"launchbox/internal/logs"
	"launchbox/internal/monitor"
	"launchbox/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Database
	if cfg.Database.DSN == "" {
		log.Fatal().Msg("database.dsn is required")
	}
	db, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}

	// Container runtime
	driver, err := docker.NewDriver(docker.Config{
		MemoryLimitMB:   cfg.Docker.MemoryLimitMB,
		CPULimit:        cfg.Docker.CPULimit,
		NetworkDisabled: cfg.Docker.NetworkDisabled,
		SeccompDisabled: cfg.Docker.SeccompDisabled,
		PullTimeout:     cfg.Docker.PullTimeout,
		StopTimeout:     cfg.Docker.StopTimeout,
		Images:          cfg.Docker.Images,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create docker driver")
	}
	defer driver.Close()

	if !driver.Ping(ctx) {
		log.Warn().Msg("docker daemon unreachable at startup, executions will fail until it recovers")
	}

	// Project file storage
	blobStore, err := blob.NewS3Store(ctx, cfg.Storage.S3, cfg.Storage.WorkspaceRoot)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create blob store")
	}

	// Log pipeline
	publisher := logs.NewPublisher(db, metrics, cfg.Execution.LogBufferSize)
	publisher.Start()

	// Orchestration
	ports := execution.NewPortAllocator(cfg.Ports.RangeStart, cfg.Ports.RangeEnd, cfg.Ports.MaxPerUser)

	orch := execution.NewOrchestrator(db, blobStore, driver, ports, publisher, metrics, execution.Options{
		AutoStop:         cfg.Execution.AutoStop,
		ScriptRunTimeout: cfg.Execution.ScriptRunTimeout,
		OutputFlushDelay: cfg.Execution.OutputFlushDelay,
		CleanupDelay:     cfg.Execution.CleanupDelay,
		AdvertisedHost:   cfg.Server.AdvertisedHost,
	})

	reaper := execution.NewReaper(db, driver, ports, publisher, metrics)
	if err := reaper.Start(execution.ReaperSchedules{
		Timeout: cfg.Execution.TimeoutSweep,
		Orphan:  cfg.Execution.OrphanSweep,
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to start reaper")
	}

	// HTTP server
	server := api.NewServer(cfg, orch, publisher, metrics,
		api.HealthCheckerFunc(db.Healthy),
		api.HealthCheckerFunc(driver.Ping),
	)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		reaper.Stop()

		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("orchestrator shutdown error")
		}

		publisher.Flush(10 * time.Second)

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Int("port_range_start", cfg.Ports.RangeStart).
		Int("port_range_end", cfg.Ports.RangeEnd).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
