// Package config loads the service configuration from defaults, an optional
// YAML file, SCRAPEQ_ environment variables and command-line flags, in that
// order of precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

var validate = validator.New()

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			Sources:       []string{},
			Concurrency:   1,
			MaxAttempts:   3,
			BaseDelay:     5 * time.Second,
			StallInterval: 30 * time.Second,
			PollInterval:  time.Second,
			KeepCompleted: 100,
			KeepFailed:    50,
		},
		Backend: BackendConfig{
			Driver:    "redis",
			RedisAddr: "localhost:6379",
			KeyPrefix: "scrapeq",
			MaxConns:  10,
		},
		Notify: NotifyConfig{
			WebSocket: true,
			Exchange:  "extraction.events",
		},
		Orchestrator: OrchestratorConfig{
			URL: "http://localhost:8090",
		},
	}
}

// DefaultConfigAsMap flattens DefaultConfig for koanf's confmap provider.
func DefaultConfigAsMap() map[string]interface{} {
	def := DefaultConfig()
	return map[string]interface{}{
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,

		"server.addr":             def.Server.Addr,
		"server.metrics_addr":     def.Server.MetricsAddr,
		"server.read_timeout":     def.Server.ReadTimeout,
		"server.write_timeout":    def.Server.WriteTimeout,
		"server.shutdown_timeout": def.Server.ShutdownTimeout,

		"queue.sources":        def.Queue.Sources,
		"queue.concurrency":    def.Queue.Concurrency,
		"queue.max_attempts":   def.Queue.MaxAttempts,
		"queue.base_delay":     def.Queue.BaseDelay,
		"queue.stall_interval": def.Queue.StallInterval,
		"queue.poll_interval":  def.Queue.PollInterval,
		"queue.keep_completed": def.Queue.KeepCompleted,
		"queue.keep_failed":    def.Queue.KeepFailed,

		"backend.driver":         def.Backend.Driver,
		"backend.redis_addr":     def.Backend.RedisAddr,
		"backend.redis_password": def.Backend.RedisPassword,
		"backend.redis_db":       def.Backend.RedisDB,
		"backend.key_prefix":     def.Backend.KeyPrefix,
		"backend.database_url":   def.Backend.DatabaseURL,
		"backend.max_conns":      def.Backend.MaxConns,

		"notify.websocket": def.Notify.WebSocket,
		"notify.amqp_url":  def.Notify.AMQPURL,
		"notify.exchange":  def.Notify.Exchange,

		"orchestrator.url": def.Orchestrator.URL,
	}
}

// Load merges the given sources, lowest precedence first, and validates the
// result.
func Load(sources ...Source) (Config, error) {
	k := koanf.New(".")
	for _, src := range sources {
		if err := src.Load(k); err != nil {
			return Config{}, fmt.Errorf("config source %s: %w", src.Name(), err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// BindFlags defines the command-line overrides. Flag names are the koanf
// keys so posflag maps them directly.
func BindFlags(flags *pflag.FlagSet) {
	def := DefaultConfig()

	flags.Bool("debug", false, "Enable debug logging")
	flags.String("log.format", def.Log.Format, "Log format (json, text)")
	flags.String("server.addr", def.Server.Addr, "HTTP listen address")
	flags.String("server.metrics_addr", def.Server.MetricsAddr, "Metrics listen address (empty disables)")
	flags.StringSlice("queue.sources", def.Queue.Sources, "Source ids to create queues for")
	flags.Int("queue.concurrency", def.Queue.Concurrency, "Concurrent extractions per source")
	flags.String("backend.driver", def.Backend.Driver, "Queue backend (redis, postgres)")
	flags.String("orchestrator.url", def.Orchestrator.URL, "Extraction orchestrator base URL")
}
