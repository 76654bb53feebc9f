// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvPort            = "CORINTH_PORT"
	EnvBaseFolder      = "CORINTH_BASE_FOLDER"
	EnvCompactInterval = "CORINTH_COMPACT_INTERVAL"
	EnvLogLevel        = "CORINTH_LOG_LEVEL"
)

// Config holds all configuration for the Corinth server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	ServerID           string          `yaml:"server_id"`
	HTTPAddr           string          `yaml:"http_addr"`
	HealthAddr         string          `yaml:"health_addr"`
	HealthEnabled      bool            `yaml:"health_enabled"`
	ShutdownTimeout    time.Duration   `yaml:"shutdown_timeout"`
	CompressionEnabled bool            `yaml:"compression_enabled"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`

	// OpenTelemetry configuration
	MetricsAddr         string  `yaml:"metrics_addr"` // OTLP gRPC endpoint
	MetricsEnabled      bool    `yaml:"metrics_enabled"`
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds per-client request rate limits for the HTTP API.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds on-disk queue storage settings.
type StorageConfig struct {
	BaseDir            string        `yaml:"base_dir"`
	CompactionInterval time.Duration `yaml:"compaction_interval"` // 0 disables periodic compaction
	SyncWrites         bool          `yaml:"sync_writes"`
}

// QueueConfig holds defaults applied to queues created through the API.
type QueueConfig struct {
	RequeueTime         uint32 `yaml:"requeue_time"`
	DeduplicationTime   uint32 `yaml:"deduplication_time"`
	DeadLetterThreshold uint16 `yaml:"dead_letter_threshold"`
	MaxBatchSize        int    `yaml:"max_batch_size"`
	MaxDequeueAmount    int    `yaml:"max_dequeue_amount"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // Event type filter (empty = all)
	Queues  []string          `yaml:"queues"` // Queue name filter (empty = all)
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry   *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ServerID:           "corinth-1",
			HTTPAddr:           "127.0.0.1:44444",
			HealthAddr:         "127.0.0.1:8081",
			HealthEnabled:      true,
			ShutdownTimeout:    30 * time.Second,
			CompressionEnabled: true,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 1000,
				Burst:             2000,
				CleanupInterval:   time.Minute,
			},
			MetricsAddr:    "localhost:4317",
			MetricsEnabled: false,

			// OpenTelemetry defaults
			OtelServiceName:     "corinth",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			BaseDir:            ".corinth",
			CompactionInterval: 24 * time.Hour,
			SyncWrites:         false,
		},
		Queue: QueueConfig{
			RequeueTime:         300,
			DeduplicationTime:   300,
			DeadLetterThreshold: 3,
			MaxBatchSize:        255,
			MaxDequeueAmount:    255,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. A missing file yields the default configuration.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from CORINTH_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := cast.ToIntE(v)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%s must be a port number, got %q", EnvPort, v)
		}
		host, _, err := net.SplitHostPort(c.Server.HTTPAddr)
		if err != nil {
			host = ""
		}
		c.Server.HTTPAddr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	if v, ok := lookup(EnvBaseFolder); ok && v != "" {
		c.Storage.BaseDir = v
	}

	if v, ok := lookup(EnvCompactInterval); ok && v != "" {
		secs, err := cast.ToInt64E(v)
		if err != nil || secs < 0 {
			return fmt.Errorf("%s must be a non-negative number of seconds, got %q", EnvCompactInterval, v)
		}
		c.Storage.CompactionInterval = time.Duration(secs) * time.Second
	}

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}

	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("server.rate_limit.requests_per_second must be positive")
		}
		if c.Server.RateLimit.Burst < 1 {
			return fmt.Errorf("server.rate_limit.burst must be at least 1")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir cannot be empty")
	}
	if c.Storage.CompactionInterval < 0 {
		return fmt.Errorf("storage.compaction_interval cannot be negative")
	}

	if c.Queue.DeadLetterThreshold < 1 {
		return fmt.Errorf("queue.dead_letter_threshold must be at least 1")
	}
	if c.Queue.MaxBatchSize < 1 {
		return fmt.Errorf("queue.max_batch_size must be at least 1")
	}
	if c.Queue.MaxDequeueAmount < 1 || c.Queue.MaxDequeueAmount > 255 {
		return fmt.Errorf("queue.max_dequeue_amount must be between 1 and 255")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
