package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the orchestrator settings
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Boost   BoostConfig   `mapstructure:"boost"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	API     APIConfig     `mapstructure:"api"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// StoreConfig selects the task store backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RetryConfig tunes failure classification and backoff
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	ExponentialBase float64       `mapstructure:"exponential_base"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

type BoostConfig struct {
	DeadlineWindow time.Duration `mapstructure:"deadline_window"`
}

type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

const (
	StoreDriverSQLite = "sqlite"
	StoreDriverMemory = "memory"

	envPrefix = "TASKFLOW"
)

// DefaultRetryConfig returns the stock retry settings
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       60 * time.Second,
		ExponentialBase: 2,
		SweepSchedule:   "*/15 * * * * *",
	}
}

func setDefaults(v *viper.Viper) {
	retry := DefaultRetryConfig()

	v.SetDefault("app.name", "taskflow-orchestrator")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("store.driver", StoreDriverSQLite)
	v.SetDefault("store.path", "data/taskflow.db")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("retry.max_retries", retry.MaxRetries)
	v.SetDefault("retry.base_delay", retry.BaseDelay)
	v.SetDefault("retry.exponential_base", retry.ExponentialBase)
	v.SetDefault("retry.sweep_schedule", retry.SweepSchedule)
	v.SetDefault("boost.deadline_window", time.Hour)
	v.SetDefault("metrics.interval", 30*time.Second)
	v.SetDefault("api.addr", ":8080")
}

// Load reads configuration from path (or ./config/config.yaml when empty),
// applies TASKFLOW_* environment overrides and validates the result. A
// missing default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings for values the orchestrator cannot run with
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive, got %s", c.Retry.BaseDelay)
	}
	if c.Retry.ExponentialBase < 1 {
		return fmt.Errorf("retry.exponential_base must be at least 1, got %v", c.Retry.ExponentialBase)
	}
	return nil
}
