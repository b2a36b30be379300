// Package config provides configuration management for Drover.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds store backend configuration. The default backend is
// an embedded SQLite file under the data directory; setting driver to "pgx"
// with a DSN switches to PostgreSQL.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite file path; empty means <dataDir>/drover.db
	DSN      string `mapstructure:"dsn"`    // postgres connection string
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

// AuthConfig holds the bearer-token envelope configuration. Token contents
// are opaque to the coordinator; verification is delegated to an external
// verifier endpoint.
type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	VerifierURL string `mapstructure:"verifierUrl"`
}

// CoordinatorConfig holds dispatch and lifecycle timing configuration.
type CoordinatorConfig struct {
	DataDir                string `mapstructure:"dataDir"`
	HeartbeatStaleSeconds  int    `mapstructure:"heartbeatStaleSeconds"`
	HeartbeatRemoveSeconds int    `mapstructure:"heartbeatRemoveSeconds"`
	DispatchTimeoutSeconds int    `mapstructure:"dispatchTimeoutSeconds"`
	LongPollSeconds        int    `mapstructure:"longPollSeconds"`
	SweepIntervalSeconds   int    `mapstructure:"sweepIntervalSeconds"`
	EventBufferSize        int    `mapstructure:"eventBufferSize"`
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

// HeartbeatStale returns the stale threshold as a time.Duration.
func (c *CoordinatorConfig) HeartbeatStale() time.Duration {
	return time.Duration(c.HeartbeatStaleSeconds) * time.Second
}

// HeartbeatRemove returns the removal threshold as a time.Duration.
func (c *CoordinatorConfig) HeartbeatRemove() time.Duration {
	return time.Duration(c.HeartbeatRemoveSeconds) * time.Second
}

// DispatchTimeout returns the pending-run timeout as a time.Duration.
func (c *CoordinatorConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// LongPoll returns the runner long-poll window as a time.Duration.
func (c *CoordinatorConfig) LongPoll() time.Duration {
	return time.Duration(c.LongPollSeconds) * time.Second
}

// SweepInterval returns the background sweeper tick as a time.Duration.
func (c *CoordinatorConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// SQLitePath returns the effective SQLite file path.
func (d *DatabaseConfig) SQLitePath(dataDir string) string {
	if d.Path != "" {
		return d.Path
	}
	return dataDir + "/drover.db"
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DROVER_ENV"); env == "production" || env == "prod" {
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
	// Long-poll responses must be able to outlive the default write window.
	v.SetDefault("server.writeTimeout", 60)

	// Database defaults - empty path means <dataDir>/drover.db
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "drover-coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults - disabled in development
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.verifierUrl", "")

	// Coordinator defaults
	v.SetDefault("coordinator.dataDir", "./data")
	v.SetDefault("coordinator.heartbeatStaleSeconds", 120)
	v.SetDefault("coordinator.heartbeatRemoveSeconds", 600)
	v.SetDefault("coordinator.dispatchTimeoutSeconds", 300)
	v.SetDefault("coordinator.longPollSeconds", 25)
	v.SetDefault("coordinator.sweepIntervalSeconds", 10)
	v.SetDefault("coordinator.eventBufferSize", 256)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DROVER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/drover/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("coordinator.dataDir", "DROVER_DATA_DIR")
	_ = v.BindEnv("coordinator.heartbeatStaleSeconds", "DROVER_HEARTBEAT_STALE_SECONDS")
	_ = v.BindEnv("coordinator.heartbeatRemoveSeconds", "DROVER_HEARTBEAT_REMOVE_SECONDS")
	_ = v.BindEnv("coordinator.dispatchTimeoutSeconds", "DROVER_DISPATCH_TIMEOUT_SECONDS")
	_ = v.BindEnv("auth.verifierUrl", "DROVER_AUTH_VERIFIER_URL")
	_ = v.BindEnv("database.path", "DROVER_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/drover/")

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
	case "sqlite3":
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Auth.Enabled && cfg.Auth.VerifierURL == "" {
		errs = append(errs, "auth.verifierUrl is required when auth.enabled is true")
	}

	if cfg.Coordinator.HeartbeatStaleSeconds <= 0 {
		errs = append(errs, "coordinator.heartbeatStaleSeconds must be positive")
	}
	if cfg.Coordinator.HeartbeatRemoveSeconds <= cfg.Coordinator.HeartbeatStaleSeconds {
		errs = append(errs, "coordinator.heartbeatRemoveSeconds must exceed heartbeatStaleSeconds")
	}
	if cfg.Coordinator.DispatchTimeoutSeconds <= 0 {
		errs = append(errs, "coordinator.dispatchTimeoutSeconds must be positive")
	}
	if cfg.Coordinator.EventBufferSize <= 0 {
		errs = append(errs, "coordinator.eventBufferSize must be positive")
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
