package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Linker   LinkerConfig   `yaml:"linker"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Costs    CostsConfig    `yaml:"costs"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LinkerConfig configures chain linking thresholds. Durations are duration
// strings ("168h").
type LinkerConfig struct {
	LinkThreshold         float64 `yaml:"link_threshold"`
	MaxGap                string  `yaml:"max_gap"`
	ReactivationWindow    string  `yaml:"reactivation_window"`
	ReactivationThreshold float64 `yaml:"reactivation_threshold"`
}

// ParseMaxGap returns the max gap as time.Duration.
func (l LinkerConfig) ParseMaxGap() time.Duration {
	d, err := time.ParseDuration(l.MaxGap)
	if err != nil {
		return 7 * 24 * time.Hour
	}
	return d
}

// ParseReactivationWindow returns the reactivation window as time.Duration.
func (l LinkerConfig) ParseReactivationWindow() time.Duration {
	d, err := time.ParseDuration(l.ReactivationWindow)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	return d
}

// SweepConfig configures the periodic chain-status sweep.
type SweepConfig struct {
	Interval string `yaml:"interval"`
}

// ParseInterval returns the sweep interval as time.Duration.
func (s SweepConfig) ParseInterval() time.Duration {
	d, err := time.ParseDuration(s.Interval)
	if err != nil {
		return time.Hour
	}
	return d
}

// CostsConfig is the token pricing table used when a payload reports no
// cost. Rates are micro-units per 1000 tokens, keyed by provider.
type CostsConfig struct {
	Default   RateConfig            `yaml:"default"`
	Providers map[string]RateConfig `yaml:"providers"`
}

// RateConfig prices one provider's tokens.
type RateConfig struct {
	RequestMicrosPer1K  int64 `yaml:"request_micros_per_1k"`
	ResponseMicrosPer1K int64 `yaml:"response_micros_per_1k"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// envOverrides are environment variables processed on top of the YAML file,
// prefixed THREADLINE_.
type envOverrides struct {
	DBPath        string  `envconfig:"DB_PATH"`
	Port          int     `envconfig:"PORT"`
	LinkThreshold float64 `envconfig:"LINK_THRESHOLD"`
	LogLevel      string  `envconfig:"LOG_LEVEL"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./threadline.db"},
		Server:   ServerConfig{Port: 8080},
		Linker: LinkerConfig{
			LinkThreshold:         0.3,
			MaxGap:                "168h",
			ReactivationWindow:    "720h",
			ReactivationThreshold: 0.5,
		},
		Sweep:   SweepConfig{Interval: "1h"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var env envOverrides
	if err := envconfig.Process("threadline", &env); err != nil {
		return nil, fmt.Errorf("process env overrides: %w", err)
	}
	if env.DBPath != "" {
		cfg.Database.Path = env.DBPath
	}
	if env.Port != 0 {
		cfg.Server.Port = env.Port
	}
	if env.LinkThreshold != 0 {
		cfg.Linker.LinkThreshold = env.LinkThreshold
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}

	return cfg, nil
}
