// Package config loads server configuration from defaults, an optional
// YAML file, and environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	camerrors "github.com/camctl/cam/internal/errors"
)

// Config holds everything the cam server needs at startup.
type Config struct {
	// Addr is the API listen address.
	Addr string `mapstructure:"addr"`
	// DatabasePath is the sqlite database file.
	DatabasePath string `mapstructure:"database_path"`
	// AuthToken guards the API when non-empty.
	AuthToken string `mapstructure:"api_auth_token"`
	// GitProvider forces hosting-provider detection (github, gitlab, or
	// gitea). Empty means detect from the repo URL.
	GitProvider string `mapstructure:"git_provider"`

	// WorkerStaleTimeoutMS is how long a worker may go without a
	// heartbeat before the recovery loop declares it dead.
	WorkerStaleTimeoutMS int `mapstructure:"worker_stale_timeout_ms"`
	// RecoveryIntervalMS is the recovery loop period.
	RecoveryIntervalMS int `mapstructure:"recovery_interval_ms"`
	// DispatchWindow is how many claimable candidates one poll examines.
	DispatchWindow int `mapstructure:"dispatch_window"`

	// VibecodingDir holds YAML template files synced into the library at
	// startup.
	VibecodingDir string `mapstructure:"vibecoding_dir"`
	// DisableVibecodingSync turns the startup template sync off.
	DisableVibecodingSync bool `mapstructure:"disable_vibecoding_sync"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// WorkerStaleTimeout returns the stale threshold as a duration.
func (c *Config) WorkerStaleTimeout() time.Duration {
	return time.Duration(c.WorkerStaleTimeoutMS) * time.Millisecond
}

// RecoveryInterval returns the recovery loop period as a duration.
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalMS) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:                 ":8080",
		DatabasePath:         "./data/cam.db",
		WorkerStaleTimeoutMS: 90000,
		RecoveryIntervalMS:   30000,
		DispatchWindow:       20,
		LogLevel:             "info",
		LogFormat:            "auto",
	}
}

// Load reads configuration: built-in defaults, then the config file if
// given (or cam.yaml in the working directory), then environment
// variables. CAM_-prefixed env vars cover every key; a few legacy names
// (DATABASE_PATH, API_AUTH_TOKEN) are honored unprefixed.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("addr", def.Addr)
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("api_auth_token", "")
	v.SetDefault("git_provider", "")
	v.SetDefault("worker_stale_timeout_ms", def.WorkerStaleTimeoutMS)
	v.SetDefault("recovery_interval_ms", def.RecoveryIntervalMS)
	v.SetDefault("dispatch_window", def.DispatchWindow)
	v.SetDefault("vibecoding_dir", "")
	v.SetDefault("disable_vibecoding_sync", false)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)

	v.SetEnvPrefix("CAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unprefixed names used by existing deployments.
	_ = v.BindEnv("database_path", "CAM_DATABASE_PATH", "DATABASE_PATH")
	_ = v.BindEnv("api_auth_token", "CAM_API_AUTH_TOKEN", "API_AUTH_TOKEN")
	_ = v.BindEnv("worker_stale_timeout_ms", "CAM_WORKER_STALE_TIMEOUT_MS", "WORKER_STALE_TIMEOUT_MS")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, camerrors.InvalidInput("read config %s: %s", cfgFile, err.Error())
		}
	} else {
		v.SetConfigName("cam")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cam")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, camerrors.InvalidInput("read config: %s", err.Error())
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, camerrors.InvalidInput("parse config: %s", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return camerrors.InvalidInput("database_path is required")
	}
	if c.WorkerStaleTimeoutMS <= 0 {
		return camerrors.InvalidInput("worker_stale_timeout_ms must be positive, got %d", c.WorkerStaleTimeoutMS)
	}
	if c.RecoveryIntervalMS <= 0 {
		return camerrors.InvalidInput("recovery_interval_ms must be positive, got %d", c.RecoveryIntervalMS)
	}
	if c.DispatchWindow <= 0 {
		return camerrors.InvalidInput("dispatch_window must be positive, got %d", c.DispatchWindow)
	}
	switch c.GitProvider {
	case "", "github", "gitlab", "gitea":
	default:
		return camerrors.InvalidInput("git_provider must be github, gitlab, or gitea, got %q", c.GitProvider)
	}
	switch c.LogFormat {
	case "auto", "text", "json":
	default:
		return camerrors.InvalidInput("log_format must be auto, text, or json, got %q", c.LogFormat)
	}
	return nil
}
