// Package config loads Spine's configuration from an optional YAML file
// overlay plus environment variables, following the precedence the teacher's
// pkg/config uses: defaults -> file -> environment (highest).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the (out-of-scope, adapter-owned) HTTP front-end
// address. It is loaded, but nothing in this repository reads it.
type ServerConfig struct {
	Host string `yaml:"host" env:"SPINE_SERVER_HOST"`
	Port int    `yaml:"port" env:"SPINE_SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn" env:"SPINE_DATABASE_DSN"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"SPINE_DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"SPINE_DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds" env:"SPINE_DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"SPINE_DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"SPINE_LOG_LEVEL"`
	Format string `yaml:"format" env:"SPINE_LOG_FORMAT"`
}

// DispatcherConfig controls admission and executor selection.
type DispatcherConfig struct {
	// Tier selects "sync" (InlineExecutor) or "async" (PooledExecutor).
	Tier              string `yaml:"tier" env:"SPINE_DISPATCHER_TIER"`
	WorkerPoolSize    int    `yaml:"worker_pool_size" env:"SPINE_DISPATCHER_WORKERS"`
	BackfillFraction  int    `yaml:"backfill_fraction_pct" env:"SPINE_DISPATCHER_BACKFILL_PCT"`
	DefaultTimeoutSec int    `yaml:"default_timeout_seconds" env:"SPINE_DISPATCHER_TIMEOUT_SECONDS"`
	MaxRetries        int    `yaml:"max_retries" env:"SPINE_DISPATCHER_MAX_RETRIES"`
}

// SchedulerConfig controls the cron tick loop.
type SchedulerConfig struct {
	TickIntervalSec      int  `yaml:"tick_interval_seconds" env:"SPINE_SCHEDULER_TICK_SECONDS"`
	MisfireGraceSec      int  `yaml:"misfire_grace_seconds" env:"SPINE_SCHEDULER_MISFIRE_GRACE_SECONDS"`
	Enabled              bool `yaml:"enabled" env:"SPINE_SCHEDULER_ENABLED"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Dispatcher: DispatcherConfig{
			Tier:              "sync",
			WorkerPoolSize:    4,
			BackfillFraction:  25,
			DefaultTimeoutSec: 3600,
			MaxRetries:        3,
		},
		Scheduler: SchedulerConfig{
			TickIntervalSec: 15,
			MisfireGraceSec: 60,
			Enabled:         true,
		},
	}
}

// Load loads configuration from an optional file (CONFIG_FILE env var or
// configs/spine.yaml by default) and then overlays environment variables,
// which always win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/spine.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment config: %w", err)
	}

	return cfg, nil
}

// LoadFile loads configuration strictly from the given YAML file, then
// overlays environment variables on top (same precedence as Load).
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment config: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
