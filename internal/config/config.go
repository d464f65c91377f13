// Package config loads server configuration from the environment, with an
// optional .env file for local development. Priority: env vars > .env >
// defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"PTT_ADDR" envDefault:":3010"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Transmission limits
	MaxTransmissionDuration time.Duration `env:"PTT_MAX_TX_DURATION" envDefault:"30s"`
	IdleTimeout             time.Duration `env:"PTT_TX_IDLE_TIMEOUT" envDefault:"3s"`
	MaxChunkSizeBytes       int           `env:"PTT_MAX_CHUNK_SIZE" envDefault:"65536"`
	MaxSequenceLag          uint64        `env:"PTT_MAX_SEQUENCE_LAG" envDefault:"10"`
	SequenceLookAhead       uint64        `env:"PTT_SEQUENCE_LOOKAHEAD" envDefault:"50"`

	// Replay buffer
	ReplayWindow      time.Duration `env:"PTT_REPLAY_WINDOW" envDefault:"5s"`
	ReplayMemCapBytes int64         `env:"PTT_REPLAY_MEM_CAP" envDefault:"4194304"` // 4 MiB

	// Subscriber fan-out
	SubscriberQueueDepth int    `env:"PTT_SUBSCRIBER_QUEUE_DEPTH" envDefault:"256"`
	DropPolicy           string `env:"PTT_DROP_POLICY" envDefault:"drop_oldest"`
	MaxConsecutiveDrops  int    `env:"PTT_MAX_CONSECUTIVE_DROPS" envDefault:"3"`

	// Presence & lifecycle
	PresenceTimeout time.Duration `env:"PTT_PRESENCE_TIMEOUT" envDefault:"5m"`
	SweepInterval   time.Duration `env:"PTT_SWEEP_INTERVAL" envDefault:"500ms"`
	DehydrateIdle   time.Duration `env:"PTT_DEHYDRATE_IDLE" envDefault:"10m"`

	// Channels: JSON array of {id,name,capacity}, used when no admin
	// service is reachable over NATS.
	ChannelsJSON string `env:"PTT_CHANNELS" envDefault:"[]"`

	// Admission control
	MaxConnections     int     `env:"PTT_MAX_CONNECTIONS" envDefault:"500"`
	CPURejectThreshold float64 `env:"PTT_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	MemoryLimit        int64   `env:"PTT_MEMORY_LIMIT" envDefault:"0"` // 0 = detect from cgroup

	// Connection rate limiting
	ConnRateLimitEnabled     bool    `env:"PTT_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst     int     `env:"PTT_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"PTT_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"PTT_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"100"`
	ConnRateLimitGlobalRate  float64 `env:"PTT_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"20.0"`

	// Audit store
	AuditDriver    string `env:"PTT_AUDIT_DRIVER" envDefault:"sqlite"`
	AuditDSN       string `env:"PTT_AUDIT_DSN" envDefault:"file:ptt_audit.db"`
	AuditQueueSize int    `env:"PTT_AUDIT_QUEUE_SIZE" envDefault:"1024"`

	// NATS relay (empty URL disables the relay and the remote descriptor
	// source)
	NATSURL string `env:"NATS_URL" envDefault:""`

	// HTTP timeouts
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Shutdown
	DrainGracePeriod time.Duration `env:"PTT_DRAIN_GRACE_PERIOD" envDefault:"15s"`
}

// ChannelSeed is one statically configured channel descriptor.
type ChannelSeed struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

// Load reads configuration from .env and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PTT_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("PTT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxChunkSizeBytes < 1 {
		return fmt.Errorf("PTT_MAX_CHUNK_SIZE must be > 0, got %d", c.MaxChunkSizeBytes)
	}
	if c.SweepInterval <= 0 || c.SweepInterval > time.Second {
		return fmt.Errorf("PTT_SWEEP_INTERVAL must be in (0, 1s], got %s", c.SweepInterval)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("PTT_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.DropPolicy != "drop_oldest" && c.DropPolicy != "drop_newest" {
		return fmt.Errorf("PTT_DROP_POLICY must be drop_oldest or drop_newest (got: %s)", c.DropPolicy)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	if _, err := c.Channels(); err != nil {
		return fmt.Errorf("PTT_CHANNELS is not valid JSON: %w", err)
	}
	return nil
}

// Channels parses the statically seeded channel list.
func (c *Config) Channels() ([]ChannelSeed, error) {
	var seeds []ChannelSeed
	if err := json.Unmarshal([]byte(c.ChannelsJSON), &seeds); err != nil {
		return nil, err
	}
	for i := range seeds {
		if seeds[i].Capacity <= 0 {
			seeds[i].Capacity = 16
		}
	}
	return seeds, nil
}

// LogConfig logs the effective configuration through the structured logger.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Dur("max_tx_duration", c.MaxTransmissionDuration).
		Dur("tx_idle_timeout", c.IdleTimeout).
		Int("max_chunk_size", c.MaxChunkSizeBytes).
		Dur("replay_window", c.ReplayWindow).
		Int64("replay_mem_cap", c.ReplayMemCapBytes).
		Int("subscriber_queue_depth", c.SubscriberQueueDepth).
		Str("drop_policy", c.DropPolicy).
		Dur("presence_timeout", c.PresenceTimeout).
		Dur("dehydrate_idle", c.DehydrateIdle).
		Int("max_connections", c.MaxConnections).
		Str("audit_driver", c.AuditDriver).
		Bool("relay_enabled", c.NATSURL != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

// MustHostname is a convenience for the instance field in logs.
func MustHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
