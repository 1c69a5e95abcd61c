// Package config loads queuectl's runtime configuration from an
// optional YAML file plus QUEUECTL_*-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store configures the persistence layer (component C1).
type Store struct {
	Path string `mapstructure:"path"`
}

// Backoff configures the retry delay function (component C3).
type Backoff struct {
	Base   float64       `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter float64       `mapstructure:"jitter"`
}

// Worker configures each worker process's polling and execution
// behavior (component C5).
type Worker struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollJitter     float64       `mapstructure:"poll_jitter"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// Supervisor configures worker process management (component C6).
type Supervisor struct {
	Count            int           `mapstructure:"count"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	RestartBurst     int           `mapstructure:"restart_burst"`
	RestartPerSecond float64       `mapstructure:"restart_per_second"`
}

// Reap configures orphaned-claim recovery.
type Reap struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold time.Duration `mapstructure:"threshold"`
}

// Observability configures logging and the optional metrics endpoint.
type Observability struct {
	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Config is the root configuration object.
type Config struct {
	Store         Store         `mapstructure:"store"`
	Backoff       Backoff       `mapstructure:"backoff"`
	Worker        Worker        `mapstructure:"worker"`
	Supervisor    Supervisor    `mapstructure:"supervisor"`
	Reap          Reap          `mapstructure:"reap"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Store: Store{Path: "queuectl.db"},
		Backoff: Backoff{
			Base:   2,
			Max:    time.Hour,
			Jitter: 0.1,
		},
		Worker: Worker{
			PollInterval:   500 * time.Millisecond,
			PollJitter:     0.2,
			CommandTimeout: 0,
		},
		Supervisor: Supervisor{
			Count:            4,
			GracePeriod:      10 * time.Second,
			RestartBurst:     1,
			RestartPerSecond: 0.1,
		},
		Reap: Reap{
			Interval:  30 * time.Second,
			Threshold: 5 * time.Minute,
		},
		Observability: Observability{
			LogLevel:    "info",
			MetricsAddr: "",
		},
	}
}

// Load reads configuration from the YAML file at path, if it exists,
// layering QUEUECTL_*-prefixed environment variables on top. A
// missing file is not an error: defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("QUEUECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("store.path", def.Store.Path)

	v.SetDefault("backoff.base", def.Backoff.Base)
	v.SetDefault("backoff.max", def.Backoff.Max)
	v.SetDefault("backoff.jitter", def.Backoff.Jitter)

	v.SetDefault("worker.poll_interval", def.Worker.PollInterval)
	v.SetDefault("worker.poll_jitter", def.Worker.PollJitter)
	v.SetDefault("worker.command_timeout", def.Worker.CommandTimeout)

	v.SetDefault("supervisor.count", def.Supervisor.Count)
	v.SetDefault("supervisor.grace_period", def.Supervisor.GracePeriod)
	v.SetDefault("supervisor.restart_burst", def.Supervisor.RestartBurst)
	v.SetDefault("supervisor.restart_per_second", def.Supervisor.RestartPerSecond)

	v.SetDefault("reap.interval", def.Reap.Interval)
	v.SetDefault("reap.threshold", def.Reap.Threshold)

	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.metrics_addr", def.Observability.MetricsAddr)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings.
func Validate(cfg *Config) error {
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	if cfg.Supervisor.Count < 1 {
		return fmt.Errorf("supervisor.count must be >= 1")
	}
	if cfg.Backoff.Base <= 1 {
		return fmt.Errorf("backoff.base must be > 1")
	}
	if cfg.Backoff.Max <= 0 {
		return fmt.Errorf("backoff.max must be > 0")
	}
	if cfg.Reap.Threshold <= 0 {
		return fmt.Errorf("reap.threshold must be > 0")
	}
	if cfg.Reap.Interval <= 0 {
		return fmt.Errorf("reap.interval must be > 0")
	}
	return nil
}
