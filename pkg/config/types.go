package config

import "time"

// Config is the root configuration of the scrape-queue service.
type Config struct {
	Log          LogConfig          `koanf:"log"`
	Server       ServerConfig       `koanf:"server"`
	Queue        QueueConfig        `koanf:"queue"`
	Backend      BackendConfig      `koanf:"backend"`
	Notify       NotifyConfig       `koanf:"notify"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	MetricsAddr     string        `koanf:"metrics_addr"` // empty disables the metrics listener
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// QueueConfig is applied to every source queue.
type QueueConfig struct {
	Sources       []string      `koanf:"sources" validate:"min=1,dive,required"`
	Concurrency   int           `koanf:"concurrency" validate:"min=1"`
	MaxAttempts   int           `koanf:"max_attempts" validate:"min=1,max=50"`
	BaseDelay     time.Duration `koanf:"base_delay" validate:"gte=0"`
	StallInterval time.Duration `koanf:"stall_interval" validate:"gt=0"`
	PollInterval  time.Duration `koanf:"poll_interval" validate:"gt=0"`
	KeepCompleted int           `koanf:"keep_completed" validate:"min=1"`
	KeepFailed    int           `koanf:"keep_failed" validate:"min=1"`
}

type BackendConfig struct {
	Driver        string `koanf:"driver" validate:"oneof=redis postgres"`
	RedisAddr     string `koanf:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"gte=0"`
	KeyPrefix     string `koanf:"key_prefix"`
	DatabaseURL   string `koanf:"database_url" validate:"required_if=Driver postgres"`
	MaxConns      int    `koanf:"max_conns" validate:"gte=0"`
}

type NotifyConfig struct {
	WebSocket bool   `koanf:"websocket"`
	AMQPURL   string `koanf:"amqp_url"` // empty disables event publishing
	Exchange  string `koanf:"exchange"`
}

type OrchestratorConfig struct {
	URL string `koanf:"url" validate:"required,url"`
}
