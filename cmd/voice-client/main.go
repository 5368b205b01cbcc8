package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parlaai/voice-client/internal/config"
	"github.com/parlaai/voice-client/internal/live"
	"github.com/parlaai/voice-client/internal/observability"
	"github.com/parlaai/voice-client/internal/persona"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	personaFlag := flag.String("persona", "", "Persona to converse with (defaults to DEFAULT_PERSONA)")
	modeFlag := flag.String("mode", "voice", "Conversation mode: voice or video")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	mode := live.Mode(*modeFlag)
	if mode != live.ModeVoice && mode != live.ModeVideo {
		logger.Fatal().Str("mode", *modeFlag).Msg("Unknown mode, expected voice or video")
	}

	personaID := *personaFlag
	if personaID == "" {
		personaID = cfg.DefaultPersona
	}

	registry := persona.NewRegistry(cfg.DefaultPersona)
	if cfg.PersonaFile != "" {
		if err := registry.LoadFile(cfg.PersonaFile); err != nil {
			logger.Warn().Err(err).Str("file", cfg.PersonaFile).Msg("Persona overlay not loaded, using builtins")
		}
	}

	logger.Info().
		Str("persona", personaID).
		Str("mode", string(mode)).
		Str("session_url", cfg.LiveSessionURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice client starting")

	ctrl := live.New(cfg, personaID, mode, live.Deps{Registry: registry})

	// Debug HTTP endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/status", observability.SessionStatusHandler(func() string {
		return ctrl.Status().String()
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Str("addr", cfg.DebugAddr).Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         cfg.DebugAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Debug server failed")
		}
	}()

	if err := ctrl.Connect(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start live session")
	}
	logger.Info().Str("session_id", ctrl.SessionID()).Msg("Live session running, press Ctrl+C to exit")

	// Wait for interrupt signal to gracefully end the conversation
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")
	ctrl.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Debug server shutdown failed")
	}

	// Give the async cleanup a moment to release the audio hardware
	time.Sleep(200 * time.Millisecond)
	logger.Info().Msg("Voice client stopped")
}
