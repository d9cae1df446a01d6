package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"WS_ADDR" envDefault:":8080"`

	// Pub/sub backend: memory, redis or nats
	Backend  string `env:"WS_BACKEND" envDefault:"memory"`
	RedisURL string `env:"WS_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL  string `env:"WS_NATS_URL" envDefault:"nats://localhost:4222"`

	// Per-user message rate limiting (token bucket)
	RateCapacity  int64   `env:"WS_RATE_CAPACITY" envDefault:"20"`
	RateRefillPerS float64 `env:"WS_RATE_REFILL" envDefault:"5"`

	// Connection-accept limits
	AcceptIPBurst     int     `env:"WS_ACCEPT_IP_BURST" envDefault:"10"`
	AcceptIPRate      float64 `env:"WS_ACCEPT_IP_RATE" envDefault:"1"`
	AcceptGlobalBurst int     `env:"WS_ACCEPT_GLOBAL_BURST" envDefault:"300"`
	AcceptGlobalRate  float64 `env:"WS_ACCEPT_GLOBAL_RATE" envDefault:"50"`

	// Topics
	MaxTopicsPerConnection int `env:"WS_MAX_TOPICS" envDefault:"256"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func LoadConfig() (*Config, error) {
	// .env is a development convenience; in containers plain environment
	// variables are used.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	switch c.Backend {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("WS_BACKEND must be memory, redis or nats, got %q", c.Backend)
	}
	if c.RateCapacity < 1 {
		return fmt.Errorf("WS_RATE_CAPACITY must be > 0, got %d", c.RateCapacity)
	}
	if c.RateRefillPerS <= 0 {
		return fmt.Errorf("WS_RATE_REFILL must be > 0, got %g", c.RateRefillPerS)
	}
	if c.MaxTopicsPerConnection < 1 {
		return fmt.Errorf("WS_MAX_TOPICS must be > 0, got %d", c.MaxTopicsPerConnection)
	}
	return nil
}

// NewLogger builds the service logger from the configured level and format.
func (c *Config) NewLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if c.LogFormat == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "chatroom").
		Logger()
}
