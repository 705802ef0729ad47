// Package config loads server configuration with three layers of
// precedence: built-in defaults, an optional YAML file, then environment
// variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration parses human-readable durations ("30s", "15m") from both YAML
// and environment values.
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full server configuration.
type Config struct {
	// Addr is the listen address of the websocket endpoint.
	Addr string `yaml:"addr" env:"REALTIME_ADDR"`
	// MetricsAddr serves Prometheus metrics on a side listener; empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr" env:"REALTIME_METRICS_ADDR"`
	// Path is the websocket route.
	Path string `yaml:"path" env:"REALTIME_PATH"`
	// InstanceID tags broker frames; defaults to the hostname.
	InstanceID string `yaml:"instance_id" env:"REALTIME_INSTANCE_ID"`
	// RedisURL enables the shared broker and resumption store when set.
	RedisURL string `yaml:"redis_url" env:"REALTIME_REDIS_URL"`

	JWTSecret string `yaml:"jwt_secret" env:"REALTIME_JWT_SECRET"`
	JWTIssuer string `yaml:"jwt_issuer" env:"REALTIME_JWT_ISSUER"`

	LogLevel string `yaml:"log_level" env:"REALTIME_LOG_LEVEL"`

	MaxPayload         int      `yaml:"max_payload" env:"REALTIME_MAX_PAYLOAD"`
	RateLimitPerSecond int      `yaml:"rate_limit_per_second" env:"REALTIME_RATE_LIMIT_PER_SECOND"`
	QueueDepth         int      `yaml:"queue_depth" env:"REALTIME_QUEUE_DEPTH"`
	HistoryLimit       int      `yaml:"history_limit" env:"REALTIME_HISTORY_LIMIT"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval" env:"REALTIME_HEARTBEAT_INTERVAL"`
	HeartbeatMisses    int      `yaml:"heartbeat_misses" env:"REALTIME_HEARTBEAT_MISSES"`
	ResumeWindow       Duration `yaml:"resume_window" env:"REALTIME_RESUME_WINDOW"`
}

// Default returns the built-in configuration.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		Addr:               ":8080",
		MetricsAddr:        ":9090",
		Path:               "/realtime",
		InstanceID:         host,
		LogLevel:           "info",
		MaxPayload:         64 * 1024,
		RateLimitPerSecond: 100,
		QueueDepth:         256,
		HistoryLimit:       25,
		HeartbeatInterval:  Duration(30 * time.Second),
		HeartbeatMisses:    3,
		ResumeWindow:       Duration(15 * time.Minute),
	}
}

// Load builds the configuration. path may be empty to skip the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: jwt_secret is required")
	}
	if c.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	if c.ResumeWindow <= 0 {
		return fmt.Errorf("config: resume_window must be positive")
	}
	return nil
}
