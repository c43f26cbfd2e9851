// Package config provides configuration management for Taskfleet.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Taskfleet.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Actor     ActorConfig     `mapstructure:"actor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds schedule store connection configuration.
// Driver selects the backend: "memory", "sqlite", or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory broker.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RedisConfig holds Redis connection configuration for the reference registry
// and the control signal store. An empty Addr selects the in-memory backends.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig holds scan and dispatch tuning.
type SchedulerConfig struct {
	ScanInterval   int `mapstructure:"scanInterval"`   // seconds between pending scans
	ScanBatchSize  int `mapstructure:"scanBatchSize"`  // max records per scan
	MaxRetries     int `mapstructure:"maxRetries"`     // dispatcher retry limit
	RetryBackoff   int `mapstructure:"retryBackoff"`   // base backoff in seconds
	CronLookback   int `mapstructure:"cronLookback"`   // hours to treat as "fresh" cron history
	DefaultTimeout int `mapstructure:"defaultTimeout"` // leaf execution timeout in seconds
}

// RegistryConfig holds actor reference registry tuning.
type RegistryConfig struct {
	TTL               int `mapstructure:"ttl"`               // reference TTL in seconds
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // session heartbeat interval in seconds
	HeartbeatRetries  int `mapstructure:"heartbeatRetries"`  // reattempts before self-terminate
}

// ActorConfig holds actor runtime tuning.
type ActorConfig struct {
	MailboxSize int    `mapstructure:"mailboxSize"`
	TenantID    string `mapstructure:"tenantId"` // default tenant for in-process runs
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ScanIntervalDuration returns the scan interval as a time.Duration.
func (s *SchedulerConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(s.ScanInterval) * time.Second
}

// DefaultTimeoutDuration returns the leaf execution timeout as a time.Duration.
func (s *SchedulerConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(s.DefaultTimeout) * time.Second
}

// TTLDuration returns the registry TTL as a time.Duration.
func (r *RegistryConfig) TTLDuration() time.Duration {
	return time.Duration(r.TTL) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (r *RegistryConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(r.HeartbeatInterval) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKFLEET_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - memory driver keeps everything in-process
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "taskfleet.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskfleet")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskfleet")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use the in-memory broker
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskfleet")
	v.SetDefault("nats.maxReconnects", 10)

	// Redis defaults - empty addr means use in-memory registry/signals
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Scheduler defaults
	v.SetDefault("scheduler.scanInterval", 10)
	v.SetDefault("scheduler.scanBatchSize", 100)
	v.SetDefault("scheduler.maxRetries", 3)
	v.SetDefault("scheduler.retryBackoff", 5)
	v.SetDefault("scheduler.cronLookback", 168) // seven days
	v.SetDefault("scheduler.defaultTimeout", 300)

	// Registry defaults: heartbeat must stay below the TTL
	v.SetDefault("registry.ttl", 3600)
	v.SetDefault("registry.heartbeatInterval", 3000)
	v.SetDefault("registry.heartbeatRetries", 5)

	// Actor defaults
	v.SetDefault("actor.mailboxSize", 64)
	v.SetDefault("actor.tenantId", "default")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix TASKFLEET_ with snake_case
// naming. The config file is config.yaml in the current directory or
// /etc/taskfleet/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskfleet/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Scheduler.ScanInterval <= 0 {
		errs = append(errs, "scheduler.scanInterval must be positive")
	}
	if cfg.Scheduler.ScanBatchSize <= 0 {
		errs = append(errs, "scheduler.scanBatchSize must be positive")
	}

	if cfg.Registry.TTL <= 0 {
		errs = append(errs, "registry.ttl must be positive")
	}
	if cfg.Registry.HeartbeatInterval >= cfg.Registry.TTL {
		errs = append(errs, "registry.heartbeatInterval must be less than registry.ttl")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
