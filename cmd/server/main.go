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

	"secure-code-sandbox/internal/api"
	"secure-code-sandbox/internal/config"
	"secure-code-sandbox/internal/engine"
	"secure-code-sandbox/internal/monitor"
	"secure-code-sandbox/internal/orchestrator"
	"secure-code-sandbox/internal/security"
	"secure-code-sandbox/internal/storage"
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

	// Metrics, tracing, and the shared resource sampler
	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}
	sampler := monitor.NewSampler(cfg.Monitor.SampleInterval)

	// Per-language engines; interpreters are discovered lazily on first use
	registry := engine.NewRegistry()

	orch := orchestrator.New(orchestrator.Config{
		DefaultLimits:  cfg.Sandbox.DefaultLimits.Limits(),
		SecurityPolicy: cfg.Security.Policy(),
		Options: security.Options{
			EducationalMode: cfg.Security.EducationalMode,
		},
		MaxCodeBytes: cfg.Sandbox.MaxCodeBytes,
		CacheTTL:     cfg.Sandbox.CacheTTL,
	}, registry, sampler, metrics, tracer)

	// Initialize database (optional — runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, orch, sampler, db, auditWriter, metrics)

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

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
