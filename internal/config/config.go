// Package config loads runtime tuning for the DRM controller via viper.
//
// Secrets (region/user tables, symmetric keys) are a separate, immutable
// document loaded by internal/secrets — they are provisioned at build time
// and are never mixed with the runtime tuning handled here.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// PlaybackConfig holds the build constants that govern the streaming
// pipeline. These are fixed per firmware image in the original system;
// here they are configurable to make the pipeline testable against
// different chunk/FIFO sizes without recompiling.
type PlaybackConfig struct {
	ChunkSize      int `mapstructure:"chunk_size" validate:"min=16"`       // must be a multiple of 16 (AES block size)
	PreviewSize    int `mapstructure:"preview_size" validate:"min=0"`
	PreviewTimeSec int `mapstructure:"preview_time_sec" validate:"min=0"`
	FIFOCapacity   int `mapstructure:"fifo_capacity" validate:"min=65"`
	MaxUsers       int `mapstructure:"max_users" validate:"min=1"`
	MaxRegions     int `mapstructure:"max_regions" validate:"min=1"`
}

// SecretsConfig points at the build-provisioned secrets document.
type SecretsConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// SessionConfig tunes authentication behavior.
type SessionConfig struct {
	// LoginPenaltySeconds is the fixed delay applied to every failed login
	// attempt (unknown user or bad PIN alike) to avoid a user-enumeration
	// timing oracle. Spec minimum is 5 seconds.
	LoginPenaltySeconds int `mapstructure:"login_penalty_seconds" validate:"min=5"`
}

// Config is the controller's full runtime configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Playback PlaybackConfig `mapstructure:"playback"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Session  SessionConfig  `mapstructure:"session"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("secrets.path", "config/secrets.yaml")

	v.SetDefault("playback.chunk_size", 4096)
	v.SetDefault("playback.preview_size", 1024*1024)
	v.SetDefault("playback.preview_time_sec", 30)
	v.SetDefault("playback.fifo_capacity", 65536)
	v.SetDefault("playback.max_users", 8)
	v.SetDefault("playback.max_regions", 8)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", ":9090")
	v.SetDefault("metrics.metrics_path", "/metrics")

	v.SetDefault("session.login_penalty_seconds", 5)
}

// Load reads configuration from the defaults above, the given file path
// (if non-empty), and environment variables (prefix DRM_). File values
// override the defaults, and environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DRM")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Playback.ChunkSize%16 != 0 {
		return fmt.Errorf("playback.chunk_size must be a multiple of 16, got %d", cfg.Playback.ChunkSize)
	}
	if cfg.Playback.ChunkSize <= 0 {
		return fmt.Errorf("playback.chunk_size must be positive")
	}
	if cfg.Playback.PreviewSize < 0 || cfg.Playback.PreviewTimeSec < 0 {
		return fmt.Errorf("playback.preview_size and playback.preview_time_sec must not be negative")
	}
	if cfg.Playback.FIFOCapacity <= 64 {
		return fmt.Errorf("playback.fifo_capacity must exceed 64 bytes of DMA slack")
	}
	if cfg.Playback.MaxUsers <= 0 || cfg.Playback.MaxRegions <= 0 {
		return fmt.Errorf("playback.max_users and playback.max_regions must be positive")
	}
	if cfg.Session.LoginPenaltySeconds < 5 {
		return fmt.Errorf("session.login_penalty_seconds must be at least 5 (anti-enumeration requirement)")
	}
	if cfg.Secrets.Path == "" {
		return fmt.Errorf("secrets.path must be set")
	}
	return nil
}
