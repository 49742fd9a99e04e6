// Package app runs the scrape-queue service: HTTP API, metrics listener and
// the queue manager, with ordered graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"scrape-queue/pkg/api"
	"scrape-queue/pkg/config"
	"scrape-queue/pkg/manager"
	"scrape-queue/pkg/observability"
	"scrape-queue/pkg/queue"
	"scrape-queue/pkg/runner"
)

type App struct {
	HTTP    *http.Server
	Metrics *http.Server
	Manager *manager.Manager
	Ready   *atomic.Bool
	Config  config.Config
	Deps    *Deps
}

// New builds the manager, initializes it for the configured sources and
// prepares the HTTP server. An unreachable backend does not fail New; the
// manager starts degraded instead.
func New(ctx context.Context, cfg config.Config, deps *Deps) (*App, error) {
	deps.Logger.Info().Strs("sources", cfg.Queue.Sources).Msg("Initializing scrape queue")

	mgr := manager.New(manager.Deps{
		Connect:      deps.Connect,
		Orchestrator: deps.Orchestrator,
		Notifier:     deps.Notifier,
	}, ManagerOptions(cfg.Queue), deps.Logger)

	if err := mgr.Initialize(ctx, cfg.Queue.Sources); err != nil {
		return nil, fmt.Errorf("initialize queue manager: %w", err)
	}
	if mgr.Degraded() {
		deps.Logger.Warn().Msg("Queue backend unreachable, submissions will be rejected")
	}

	ready := &atomic.Bool{}
	apiDeps := api.Deps{
		Jobs:   mgr,
		Ready:  ready,
		Logger: deps.Logger,
	}
	if deps.Hub != nil {
		apiDeps.Events = deps.Hub
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(apiDeps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &App{
		HTTP:    httpServer,
		Manager: mgr,
		Ready:   ready,
		Config:  cfg,
		Deps:    deps,
	}, nil
}

// ManagerOptions maps the queue config onto queue and runner options.
func ManagerOptions(cfg config.QueueConfig) manager.Options {
	return manager.Options{
		Queue: queue.Options{
			Concurrency:   cfg.Concurrency,
			MaxAttempts:   cfg.MaxAttempts,
			BaseDelay:     cfg.BaseDelay,
			KeepCompleted: cfg.KeepCompleted,
			KeepFailed:    cfg.KeepFailed,
		},
		Runner: runner.Options{
			StallInterval: cfg.StallInterval,
			PollInterval:  cfg.PollInterval,
		},
	}
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.HTTP.Addr)
	if err != nil {
		_ = a.shutdown()
		return fmt.Errorf("listen on %s: %w", a.HTTP.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	logger := a.Deps.Logger
	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", a.Config.Backend.Driver).
		Bool("degraded", a.Manager.Degraded()).
		Msg("Starting scrape queue server")

	if a.Config.Server.MetricsAddr != "" {
		a.Metrics = observability.StartMetricsServer(a.Config.Server.MetricsAddr, logger)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.HTTP.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	a.Ready.Store(true)
	logger.Info().Msg("Server is ready and accepting connections")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case runErr = <-serverErr:
		logger.Error().Err(runErr).Msg("Server error")
	}

	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown stops traffic first, then the queues, then the collaborators.
func (a *App) shutdown() error {
	logger := a.Deps.Logger
	logger.Info().Msg("Initiating graceful shutdown")

	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultConfig().Server.ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.Ready.Store(false)

	var errs []error
	if err := a.HTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
		errs = append(errs, err)
	}
	if a.Metrics != nil {
		if err := a.Metrics.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Metrics server shutdown failed")
			errs = append(errs, err)
		}
	}

	logger.Info().Msg("Stopping queue manager...")
	if err := a.Manager.Cleanup(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Queue manager cleanup failed")
		errs = append(errs, err)
	}

	for _, closeFn := range a.Deps.Closers {
		if err := closeFn(); err != nil {
			logger.Warn().Err(err).Msg("Closing dependency failed")
		}
	}

	logger.Info().Msg("Server shutdown complete")
	return errors.Join(errs...)
}
