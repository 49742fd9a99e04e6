package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"scrape-queue/pkg/config"
	"scrape-queue/pkg/database"
	"scrape-queue/pkg/manager"
	"scrape-queue/pkg/mq"
	"scrape-queue/pkg/notify"
	"scrape-queue/pkg/orchestrator"
	"scrape-queue/pkg/redisstore"
)

// Deps holds the external collaborators of the service.
type Deps struct {
	Connect      manager.ConnectFunc
	Orchestrator orchestrator.Orchestrator
	Notifier     notify.Notifier
	// Hub serves /ws when set.
	Hub     *notify.Hub
	Closers []func() error
	Logger  zerolog.Logger
}

// BuildDeps wires the backend, notifiers and orchestrator client from cfg.
// Nothing here dials the queue backend; the manager does that on Initialize.
func BuildDeps(cfg config.Config, logger zerolog.Logger) (*Deps, error) {
	deps := &Deps{
		Orchestrator: orchestrator.NewHTTPClient(cfg.Orchestrator.URL),
		Logger:       logger,
	}

	switch cfg.Backend.Driver {
	case "redis":
		deps.Connect = func(ctx context.Context) (manager.Backend, error) {
			return redisstore.New(redisstore.Options{
				Addr:     cfg.Backend.RedisAddr,
				Password: cfg.Backend.RedisPassword,
				DB:       cfg.Backend.RedisDB,
				Prefix:   cfg.Backend.KeyPrefix,
			}), nil
		}
	case "postgres":
		deps.Connect = func(ctx context.Context) (manager.Backend, error) {
			client, err := database.New(ctx, cfg.Backend.DatabaseURL, cfg.Backend.MaxConns)
			if err != nil {
				return nil, err
			}
			if err := client.InitSchema(ctx); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("init schema: %w", err)
			}
			return client, nil
		}
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}

	var notifiers notify.Fanout
	if cfg.Notify.WebSocket {
		deps.Hub = notify.NewHub(logger)
		notifiers = append(notifiers, deps.Hub)
		deps.Closers = append(deps.Closers, func() error {
			deps.Hub.Close()
			return nil
		})
	}
	if cfg.Notify.AMQPURL != "" {
		// Events are best effort, so a broker outage only costs the fan-out.
		client, err := mq.New(cfg.Notify.AMQPURL, cfg.Notify.Exchange)
		if err == nil {
			err = client.SetupTopology()
			if err != nil {
				_ = client.Close()
			}
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Event publishing disabled, RabbitMQ unavailable")
		} else {
			notifiers = append(notifiers, client)
			deps.Closers = append(deps.Closers, client.Close)
		}
	}
	deps.Notifier = notifiers
	return deps, nil
}
