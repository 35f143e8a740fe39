// Package config loads the server configuration from YAML
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	API      APIConfig      `yaml:"api"`
	Queue    QueueConfig    `yaml:"queue"`
	Store    StoreConfig    `yaml:"store"`
	Worker   WorkerConfig   `yaml:"worker"`
	Defaults DefaultsConfig `yaml:"defaults"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// QueueConfig selects and configures the job queue backend
type QueueConfig struct {
	Backend string      `yaml:"backend"` // bolt, redis
	Path    string      `yaml:"path"`    // bolt database file
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// StoreConfig contains campaign store settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// WorkerConfig contains batch worker pool settings
type WorkerConfig struct {
	Workers          int           `yaml:"workers"`
	FanOut           int           `yaml:"fan_out"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	ProcessInterval  time.Duration `yaml:"process_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RecoverAfter     time.Duration `yaml:"recover_after"`
	FailureThreshold float64       `yaml:"failure_threshold"`
}

// DefaultsConfig contains per-campaign defaults applied when a
// submission omits them
type DefaultsConfig struct {
	BatchSize int `yaml:"batch_size"`
	RateLimit int `yaml:"rate_limit"` // messages per second
	Priority  int `yaml:"priority"`
}

// SMTPConfig contains the submission relay settings
type SMTPConfig struct {
	Addr     string        `yaml:"addr"`
	Hostname string        `yaml:"hostname"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"` // Default: :9090
	Path            string        `yaml:"path"`        // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "bolt"
	}
	if c.Queue.Path == "" {
		c.Queue.Path = "/var/lib/sendflock/queue.db"
	}
	if c.Queue.Redis.Addr == "" {
		c.Queue.Redis.Addr = "localhost:6379"
	}
	if c.Queue.Redis.Prefix == "" {
		c.Queue.Redis.Prefix = "sendflock"
	}

	if c.Store.Path == "" {
		c.Store.Path = "/var/lib/sendflock/campaigns.db"
	}

	if c.Worker.Workers == 0 {
		c.Worker.Workers = 4
	}
	if c.Worker.FanOut == 0 {
		c.Worker.FanOut = 8
	}
	if c.Worker.SendTimeout == 0 {
		c.Worker.SendTimeout = 30 * time.Second
	}
	if c.Worker.ProcessInterval == 0 {
		c.Worker.ProcessInterval = 250 * time.Millisecond
	}
	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 3
	}
	if c.Worker.RetryBase == 0 {
		c.Worker.RetryBase = 2 * time.Second
	}
	if c.Worker.RecoverAfter == 0 {
		c.Worker.RecoverAfter = 15 * time.Minute
	}
	if c.Worker.FailureThreshold == 0 {
		c.Worker.FailureThreshold = 0.5
	}

	if c.Defaults.BatchSize == 0 {
		c.Defaults.BatchSize = 50
	}
	if c.Defaults.RateLimit == 0 {
		c.Defaults.RateLimit = 90
	}

	if c.SMTP.Addr == "" {
		c.SMTP.Addr = "localhost:587"
	}
	if c.SMTP.Hostname == "" {
		hostname, _ := os.Hostname()
		c.SMTP.Hostname = hostname
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "bolt", "redis":
	default:
		return fmt.Errorf("invalid queue.backend: %s (must be bolt or redis)", c.Queue.Backend)
	}

	if c.Worker.Workers < 1 {
		return fmt.Errorf("worker.workers must be at least 1")
	}
	if c.Worker.FailureThreshold < 0 || c.Worker.FailureThreshold > 1 {
		return fmt.Errorf("worker.failure_threshold must be between 0 and 1")
	}

	if c.Defaults.BatchSize < 1 {
		return fmt.Errorf("defaults.batch_size must be at least 1")
	}
	if c.Defaults.RateLimit < 1 {
		return fmt.Errorf("defaults.rate_limit must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
