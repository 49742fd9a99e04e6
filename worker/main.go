// Command worker is a stand-in extraction service. It speaks the same
// POST /extract NDJSON protocol as a real scraper, simulating slow sources
// and transient failures so the queue can be exercised end to end.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"scrape-queue/pkg/observability"
)

type workerConfig struct {
	Addr        string        `koanf:"addr"`
	LogLevel    string        `koanf:"log_level"`
	Steps       int           `koanf:"steps"`
	StepDelay   time.Duration `koanf:"step_delay"`
	FailureRate float64       `koanf:"failure_rate"`
}

func loadConfig() (workerConfig, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"addr":         ":8090",
		"log_level":    "info",
		"steps":        5,
		"step_delay":   "500ms",
		"failure_rate": 0.2,
	}, "."), nil); err != nil {
		return workerConfig{}, err
	}
	// WORKER_FAILURE_RATE -> failure_rate
	if err := k.Load(env.Provider("WORKER_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "WORKER_"))
	}), nil); err != nil {
		return workerConfig{}, err
	}
	var cfg workerConfig
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"})
	return cfg, err
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("Failed to load worker config")
	}

	logger := observability.NewLogger(cfg.LogLevel, "json").With().Str("component", "worker").Logger()
	observability.ConfigureGlobal(logger)

	sim := &simulator{
		steps:       cfg.Steps,
		stepDelay:   cfg.StepDelay,
		failureRate: cfg.FailureRate,
		logger:      logger,
	}
	mux := http.NewServeMux()
	mux.Handle("POST /extract", sim)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Float64("failure_rate", cfg.FailureRate).Msg("Extraction worker listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received, draining extractions")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("Worker server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Worker shutdown failed")
	}
	logger.Info().Msg("Extraction worker stopped")
}
