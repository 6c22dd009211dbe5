// Package config loads server configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr    string `env:"WSRPC_ADDR" envDefault:":3002"`
	DataDir string `env:"WSRPC_DATA_DIR" envDefault:"./data"`

	// Capacity
	MaxConnections int `env:"WSRPC_MAX_CONNECTIONS" envDefault:"5000"`
	SendBuffer     int `env:"WSRPC_SEND_BUFFER" envDefault:"1024"`
	MaxBatchSize   int `env:"WSRPC_MAX_BATCH_SIZE" envDefault:"100"`

	// Batch dispatch: "parallel" or "sequential"
	BatchMode string `env:"WSRPC_BATCH_MODE" envDefault:"parallel"`

	// Inbound rate limiting (per connection)
	InboundRate  float64 `env:"WSRPC_INBOUND_RATE" envDefault:"100"`
	InboundBurst int     `env:"WSRPC_INBOUND_BURST" envDefault:"200"`

	// Connection admission
	ConnRatePerIP  float64 `env:"WSRPC_CONN_RATE_PER_IP" envDefault:"10"`
	ConnBurstPerIP int     `env:"WSRPC_CONN_BURST_PER_IP" envDefault:"20"`
	CPULimit       float64 `env:"WSRPC_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit    int64   `env:"WSRPC_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// CPU admission threshold, percent of allocated CPU
	CPURejectThreshold float64 `env:"WSRPC_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Retention and subscription cleanup
	RetentionInterval  time.Duration `env:"WSRPC_RETENTION_INTERVAL" envDefault:"60s"`
	InactivityTimeout  time.Duration `env:"WSRPC_SUB_INACTIVITY_TIMEOUT" envDefault:"168h"` // 7 days
	CleanupInterval    time.Duration `env:"WSRPC_SUB_CLEANUP_INTERVAL" envDefault:"1h"`
	ReplayWriteTimeout time.Duration `env:"WSRPC_REPLAY_WRITE_TIMEOUT" envDefault:"3s"`

	// Shutdown
	DrainGracePeriod time.Duration `env:"WSRPC_DRAIN_GRACE_PERIOD" envDefault:"30s"`

	// Ingest bridges (optional; empty disables)
	NATSURL      string   `env:"WSRPC_NATS_URL"`
	NATSSubjects []string `env:"WSRPC_NATS_SUBJECTS" envSeparator:","`
	KafkaBrokers []string `env:"WSRPC_KAFKA_BROKERS" envSeparator:","`
	KafkaTopics  []string `env:"WSRPC_KAFKA_TOPICS" envSeparator:","`
	KafkaGroup   string   `env:"WSRPC_KAFKA_GROUP" envDefault:"wsrpc-ingest"`

	// Ingest worker pool
	WorkerCount     int `env:"WSRPC_WORKER_COUNT" envDefault:"16"`
	WorkerQueueSize int `env:"WSRPC_WORKER_QUEUE" envDefault:"1600"`

	// Monitoring
	MetricsInterval time.Duration `env:"WSRPC_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
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

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WSRPC_ADDR is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("WSRPC_DATA_DIR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WSRPC_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("WSRPC_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("WSRPC_MAX_BATCH_SIZE must be > 0, got %d", c.MaxBatchSize)
	}
	if c.BatchMode != "parallel" && c.BatchMode != "sequential" {
		return fmt.Errorf("WSRPC_BATCH_MODE must be parallel or sequential (got: %s)", c.BatchMode)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WSRPC_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if len(c.KafkaBrokers) > 0 && len(c.KafkaTopics) == 0 {
		return fmt.Errorf("WSRPC_KAFKA_TOPICS is required when WSRPC_KAFKA_BROKERS is set")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("data_dir", c.DataDir).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer", c.SendBuffer).
		Int("max_batch_size", c.MaxBatchSize).
		Str("batch_mode", c.BatchMode).
		Float64("inbound_rate", c.InboundRate).
		Int("inbound_burst", c.InboundBurst).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("retention_interval", c.RetentionInterval).
		Dur("sub_inactivity_timeout", c.InactivityTimeout).
		Dur("sub_cleanup_interval", c.CleanupInterval).
		Str("nats_url", c.NATSURL).
		Strs("kafka_brokers", c.KafkaBrokers).
		Strs("kafka_topics", c.KafkaTopics).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
