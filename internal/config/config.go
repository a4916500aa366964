// Package config loads and validates blockpipe configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Auth        AuthConfig              `mapstructure:"auth"`
	Logging     LoggingConfig           `mapstructure:"logging"`
	DB          DBConfig                `mapstructure:"db"`
	Redis       RedisConfig             `mapstructure:"redis"`
	Storage     StorageConfig           `mapstructure:"storage"`
	PubSub      PubSubConfig            `mapstructure:"pubsub"`
	Scheduler   SchedulerConfig         `mapstructure:"scheduler"`
	Pipeline    PipelineConfig          `mapstructure:"pipeline"`
	Monitor     MonitorConfig           `mapstructure:"monitor"`
	Maintenance MaintenanceConfig       `mapstructure:"maintenance"`
	Sources     map[string]SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// RedisConfig controls the block cache warmed by the optimizer.
type RedisConfig struct {
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
	WarmLimit       int    `mapstructure:"warm_limit"`
}

// StorageConfig sets the destination bucket for block migrations.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for job lifecycle event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SchedulerConfig governs job execution behavior.
type SchedulerConfig struct {
	Workers    int `mapstructure:"workers"`
	MaxRetries int `mapstructure:"max_retries"`
}

// PipelineConfig holds per-job defaults applied when a job config leaves a
// knob unset.
type PipelineConfig struct {
	PageSize       int `mapstructure:"page_size"`
	BatchSize      int `mapstructure:"batch_size"`
	Concurrency    int `mapstructure:"concurrency"`
	RequestDelayMs int `mapstructure:"request_delay_ms"`
}

// MonitorConfig sets alert thresholds. Zero values disable a rule.
type MonitorConfig struct {
	MinAvgQuality float64 `mapstructure:"min_avg_quality"`
	MaxStaleRatio float64 `mapstructure:"max_stale_ratio"`
	MaxErrorCount int     `mapstructure:"max_error_count"`
}

// MaintenanceConfig controls the background cron sweeps.
type MaintenanceConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	OptimizeSchedule string   `mapstructure:"optimize_schedule"`
	MonitorSchedule  string   `mapstructure:"monitor_schedule"`
	ArchiveGrades    []string `mapstructure:"archive_grades"`
}

// SourceConfig describes one upstream place/content API.
type SourceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BLOCKPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("redis.cache_ttl_seconds", 300)
	v.SetDefault("redis.warm_limit", 1000)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("pipeline.page_size", 50)
	v.SetDefault("pipeline.batch_size", 100)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.request_delay_ms", 0)
	v.SetDefault("maintenance.enabled", false)
	v.SetDefault("maintenance.optimize_schedule", "0 3 * * *")
	v.SetDefault("maintenance.monitor_schedule", "*/15 * * * *")
	v.SetDefault("maintenance.archive_grades", []string{"F"})
}

// Validate checks cross-field constraints beyond what Viper enforces.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.TimeoutSeconds <= 0 {
		return fmt.Errorf("server.timeout_seconds must be positive, got %d", c.Server.TimeoutSeconds)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth is enabled")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative, got %d", c.Scheduler.MaxRetries)
	}
	if c.Pipeline.PageSize < 0 || c.Pipeline.BatchSize < 0 ||
		c.Pipeline.Concurrency < 0 || c.Pipeline.RequestDelayMs < 0 {
		return fmt.Errorf("pipeline.* values must not be negative")
	}
	if c.Monitor.MaxStaleRatio < 0 || c.Monitor.MaxStaleRatio > 1 {
		return fmt.Errorf("monitor.max_stale_ratio must be within [0, 1], got %v", c.Monitor.MaxStaleRatio)
	}
	for name, src := range c.Sources {
		if src.BaseURL == "" {
			return fmt.Errorf("sources.%s.base_url is required", name)
		}
	}
	return nil
}

// ServerTimeout returns the request timeout applied by the HTTP middleware.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// ConnLifetime returns the pooled connection lifetime.
func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.DB.ConnLifetimeMin) * time.Minute
}

// CacheTTL returns the warm cache entry lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLSeconds) * time.Second
}
