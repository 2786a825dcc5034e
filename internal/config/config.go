// Package config loads the telemetry client configuration from a YAML file
// with environment-variable overrides. Missing file means defaults; a present
// but unreadable file is an error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fpang/pipeline-telemetry/internal/pipeline"
)

// Environment variable overrides. Each wins over the YAML value when set.
const (
	EnvEndpoint    = "TELEMETRY_WS_URL"
	EnvMaxAttempts = "TELEMETRY_MAX_RECONNECT_ATTEMPTS"
	EnvRetention   = "TELEMETRY_RETENTION_SEC"
)

type Config struct {
	// Endpoint is the WebSocket URL of the pipeline event stream.
	Endpoint string `yaml:"endpoint"`

	// StageOrder overrides the default pipeline stage sequence.
	StageOrder []string `yaml:"stage_order,omitempty"`

	Backoff BackoffConfig `yaml:"backoff"`

	// RetentionSec bounds the in-memory event history; events older than this
	// are eligible for pruning.
	RetentionSec int `yaml:"retention_sec"`

	// AvgStageDurationSec is the per-pending-stage constant the ETA estimator
	// adds for stages that have not started yet.
	AvgStageDurationSec int `yaml:"avg_stage_duration_sec"`

	// StatsIntervalSec is how often the CLI flushes a stats document (0 = off).
	StatsIntervalSec int `yaml:"stats_interval_sec"`
}

type BackoffConfig struct {
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

// Default returns the configuration used when no file and no overrides exist.
func Default() Config {
	return Config{
		Endpoint:            "ws://localhost:8080/ws",
		StageOrder:          pipeline.DefaultStageOrder(),
		Backoff:             BackoffConfig{BaseDelayMs: 1000, MaxDelayMs: 30000, MaxAttempts: 5},
		RetentionSec:        3600,
		AvgStageDurationSec: 30,
		StatsIntervalSec:    60,
	}
}

// Load reads path (if it exists), applies env overrides, and validates.
// An empty path skips the file and uses defaults plus env.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvEndpoint); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv(EnvMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backoff.MaxAttempts = n
		}
	}
	if v := os.Getenv(EnvRetention); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionSec = n
		}
	}
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: endpoint must not be empty")
	}
	if !strings.HasPrefix(c.Endpoint, "ws://") && !strings.HasPrefix(c.Endpoint, "wss://") {
		return fmt.Errorf("config: endpoint %q must be a ws:// or wss:// URL", c.Endpoint)
	}
	if len(c.StageOrder) == 0 {
		return fmt.Errorf("config: stage_order must not be empty")
	}
	if c.Backoff.BaseDelayMs <= 0 || c.Backoff.MaxDelayMs < c.Backoff.BaseDelayMs {
		return fmt.Errorf("config: backoff delays invalid (base=%dms max=%dms)",
			c.Backoff.BaseDelayMs, c.Backoff.MaxDelayMs)
	}
	if c.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("config: backoff max_attempts must be positive")
	}
	if c.RetentionSec <= 0 {
		return fmt.Errorf("config: retention_sec must be positive")
	}
	if c.AvgStageDurationSec < 0 {
		return fmt.Errorf("config: avg_stage_duration_sec must not be negative")
	}
	return nil
}

// Retention returns the history retention window as a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionSec) * time.Second
}

// AvgStageDuration returns the pending-stage ETA constant as a duration.
func (c Config) AvgStageDuration() time.Duration {
	return time.Duration(c.AvgStageDurationSec) * time.Second
}

// BaseDelay returns the initial reconnect backoff delay.
func (b BackoffConfig) BaseDelay() time.Duration {
	return time.Duration(b.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the reconnect backoff cap.
func (b BackoffConfig) MaxDelay() time.Duration {
	return time.Duration(b.MaxDelayMs) * time.Millisecond
}
