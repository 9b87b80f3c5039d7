// Package config provides configuration management for the ManLab server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the ManLab server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Health   HealthConfig   `mapstructure:"health"`
	Updates  UpdatesConfig  `mapstructure:"updates"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver is "sqlite" (default, Path) or "postgres" (DSN fields).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
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
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent channel configuration.
type AgentConfig struct {
	// MaxPayloadBytes caps the opaque JSON payload accepted per command.
	MaxPayloadBytes int `mapstructure:"maxPayloadBytes"`

	// CommandWaitSeconds is the default synchronous wait for command completion.
	CommandWaitSeconds int `mapstructure:"commandWaitSeconds"`

	// FileOpWaitSeconds is the wait deadline for file.list / file.read.
	FileOpWaitSeconds int `mapstructure:"fileOpWaitSeconds"`

	// OutputTailBytes caps the stored command output tail.
	OutputTailBytes int `mapstructure:"outputTailBytes"`
}

// StreamConfig holds streaming pipeline configuration.
type StreamConfig struct {
	ChunkSizeBytes     int `mapstructure:"chunkSizeBytes"`
	ChannelCapacity    int `mapstructure:"channelCapacity"`
	FirstChunkSeconds  int `mapstructure:"firstChunkSeconds"`
	OverallMinutes     int `mapstructure:"overallMinutes"`
	ZipReadyHours      int `mapstructure:"zipReadyHours"`
	MaxZipBytes        int64 `mapstructure:"maxZipBytes"`
	MaxZipFileCount    int `mapstructure:"maxZipFileCount"`
	ProgressEveryBytes int64 `mapstructure:"progressEveryBytes"`
}

// HealthConfig holds health monitor configuration.
type HealthConfig struct {
	CheckIntervalSeconds    int `mapstructure:"checkIntervalSeconds"`
	OfflineThresholdSeconds int `mapstructure:"offlineThresholdSeconds"`
}

// UpdatesConfig holds scheduler loop configuration.
type UpdatesConfig struct {
	AgentCheckMinutes  int    `mapstructure:"agentCheckMinutes"`
	SystemCheckHours   int    `mapstructure:"systemCheckHours"`
	CatalogPath        string `mapstructure:"catalogPath"`
	GitHubRepo         string `mapstructure:"githubRepo"` // "owner/repo", empty disables
	AutoApproveUpdates bool   `mapstructure:"autoApproveUpdates"`
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

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("MANLAB_ENV"); env == "production" || env == "prod" {
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
	// Streaming responses can outlive any sane write timeout; 0 disables it
	// and per-download deadlines bound the stream instead.
	v.SetDefault("server.writeTimeout", 0)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./manlab.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "manlab")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "manlab")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "manlab-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent channel defaults
	v.SetDefault("agent.maxPayloadBytes", 256*1024)
	v.SetDefault("agent.commandWaitSeconds", 30)
	v.SetDefault("agent.fileOpWaitSeconds", 10)
	v.SetDefault("agent.outputTailBytes", 64*1024)

	// Streaming defaults: capacity x chunkSize = 32 MiB in flight per download
	v.SetDefault("stream.chunkSizeBytes", 1024*1024)
	v.SetDefault("stream.channelCapacity", 32)
	v.SetDefault("stream.firstChunkSeconds", 60)
	v.SetDefault("stream.overallMinutes", 30)
	v.SetDefault("stream.zipReadyHours", 2)
	v.SetDefault("stream.maxZipBytes", int64(10)*1024*1024*1024)
	v.SetDefault("stream.maxZipFileCount", 100000)
	v.SetDefault("stream.progressEveryBytes", int64(5)*1024*1024)

	// Health monitor defaults
	v.SetDefault("health.checkIntervalSeconds", 30)
	v.SetDefault("health.offlineThresholdSeconds", 120)

	// Update scheduler defaults
	v.SetDefault("updates.agentCheckMinutes", 15)
	v.SetDefault("updates.systemCheckHours", 6)
	v.SetDefault("updates.catalogPath", "")
	v.SetDefault("updates.githubRepo", "")
	v.SetDefault("updates.autoApproveUpdates", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MANLAB_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/manlab/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MANLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	_ = v.BindEnv("database.driver", "MANLAB_DB_DRIVER")
	_ = v.BindEnv("database.path", "MANLAB_DB_PATH")
	_ = v.BindEnv("updates.githubRepo", "MANLAB_UPDATES_GITHUB_REPO")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/manlab/")

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
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
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
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Agent.OutputTailBytes <= 0 {
		errs = append(errs, "agent.outputTailBytes must be positive")
	}
	if cfg.Stream.ChunkSizeBytes <= 0 || cfg.Stream.ChannelCapacity <= 0 {
		errs = append(errs, "stream.chunkSizeBytes and stream.channelCapacity must be positive")
	}
	if cfg.Health.OfflineThresholdSeconds <= 0 {
		errs = append(errs, "health.offlineThresholdSeconds must be positive")
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
