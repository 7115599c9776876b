// Package config provides configuration management for taskdriver.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all taskdriver environment variables.
const EnvPrefix = "TASKDRIVER"

// Config holds all configuration sections for taskdriver.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Session   SessionConfig   `mapstructure:"session"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig holds HTTP server and run-mode configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"`         // rpc, http, cli
	RPCTransport string `mapstructure:"rpcTransport"` // stdio, http
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Provider         string `mapstructure:"provider"` // file, mongodb, redis, memory
	ConnectionString string `mapstructure:"connectionString"`
	Database         string `mapstructure:"database"`    // mongodb database name
	DataDir          string `mapstructure:"dataDir"`     // file provider root
	LockTimeout      int    `mapstructure:"lockTimeout"` // file lock acquisition timeout, seconds
}

// SessionConfig holds session token configuration.
type SessionConfig struct {
	Secret     string `mapstructure:"secret"`
	Timeout    int    `mapstructure:"timeout"` // default session TTL, seconds
	EnableAuth bool   `mapstructure:"enableAuth"`
}

// DefaultsConfig holds project-level defaults applied when a project omits them.
type DefaultsConfig struct {
	MaxRetries            int `mapstructure:"maxRetries"`
	LeaseDurationMinutes  int `mapstructure:"leaseDurationMinutes"`
	ReaperIntervalMinutes int `mapstructure:"reaperIntervalMinutes"`
}

// EventsConfig selects the event bus provider.
type EventsConfig struct {
	Provider string `mapstructure:"provider"` // memory, nats
	URL      string `mapstructure:"url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Pretty     bool   `mapstructure:"pretty"`
	OutputPath string `mapstructure:"outputPath"`
}

// RateLimitConfig holds per-IP HTTP rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requestsPerMinute"`
	Burst             int  `mapstructure:"burst"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LockTimeoutDuration returns the file lock acquisition timeout as a time.Duration.
func (s *StorageConfig) LockTimeoutDuration() time.Duration {
	return time.Duration(s.LockTimeout) * time.Second
}

// TimeoutDuration returns the default session TTL as a time.Duration.
func (s *SessionConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// ReaperInterval returns the lease reaper interval as a time.Duration.
func (d *DefaultsConfig) ReaperInterval() time.Duration {
	return time.Duration(d.ReaperIntervalMinutes) * time.Minute
}

// Format returns the log encoding implied by the pretty flag.
func (l *LoggingConfig) Format() string {
	if l.Pretty {
		return "text"
	}
	return "json"
}

// knownEnvVars is the complete set of accepted TASKDRIVER_* environment
// variables. Anything else under the prefix fails validation.
var knownEnvVars = map[string]string{
	"TASKDRIVER_HOST":                      "server.host",
	"TASKDRIVER_PORT":                      "server.port",
	"TASKDRIVER_MODE":                      "server.mode",
	"TASKDRIVER_RPC_TRANSPORT":             "server.rpcTransport",
	"TASKDRIVER_STORAGE_PROVIDER":          "storage.provider",
	"TASKDRIVER_STORAGE_CONNECTION_STRING": "storage.connectionString",
	"TASKDRIVER_STORAGE_DATABASE":          "storage.database",
	"TASKDRIVER_FILE_DATA_DIR":             "storage.dataDir",
	"TASKDRIVER_FILE_LOCK_TIMEOUT":         "storage.lockTimeout",
	"TASKDRIVER_SESSION_SECRET":            "session.secret",
	"TASKDRIVER_SESSION_TIMEOUT":           "session.timeout",
	"TASKDRIVER_ENABLE_AUTH":               "session.enableAuth",
	"TASKDRIVER_DEFAULT_MAX_RETRIES":       "defaults.maxRetries",
	"TASKDRIVER_DEFAULT_LEASE_DURATION":    "defaults.leaseDurationMinutes",
	"TASKDRIVER_REAPER_INTERVAL":           "defaults.reaperIntervalMinutes",
	"TASKDRIVER_EVENTS_PROVIDER":           "events.provider",
	"TASKDRIVER_EVENTS_URL":                "events.url",
	"TASKDRIVER_LOG_LEVEL":                 "logging.level",
	"TASKDRIVER_LOG_PRETTY":                "logging.pretty",
	"TASKDRIVER_LOG_OUTPUT":                "logging.outputPath",
	"TASKDRIVER_RATELIMIT_ENABLED":         "ratelimit.enabled",
	"TASKDRIVER_RATELIMIT_RPM":             "ratelimit.requestsPerMinute",
	"TASKDRIVER_RATELIMIT_BURST":           "ratelimit.burst",
	"TASKDRIVER_ENV":                       "", // consumed by the logger, not a config key
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", "rpc")
	v.SetDefault("server.rpcTransport", "stdio")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("storage.provider", "file")
	v.SetDefault("storage.connectionString", "")
	v.SetDefault("storage.database", "taskdriver")
	v.SetDefault("storage.dataDir", "./data")
	v.SetDefault("storage.lockTimeout", 30)

	v.SetDefault("session.secret", "")
	v.SetDefault("session.timeout", 3600)
	v.SetDefault("session.enableAuth", true)

	v.SetDefault("defaults.maxRetries", 3)
	v.SetDefault("defaults.leaseDurationMinutes", 10)
	v.SetDefault("defaults.reaperIntervalMinutes", 1)

	// Empty URL with the memory provider means in-process event bus
	v.SetDefault("events.provider", "memory")
	v.SetDefault("events.url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requestsPerMinute", 600)
	v.SetDefault("ratelimit.burst", 100)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKDRIVER_ with the flat names listed
// in knownEnvVars.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	if err := checkEnvKeys(os.Environ()); err != nil {
		return nil, err
	}

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv cannot map the documented flat names onto nested keys,
	// so every accepted variable is bound explicitly.
	for envName, key := range knownEnvVars {
		if key != "" {
			_ = v.BindEnv(key, envName)
		}
	}

	v.SetConfigName("taskdriver")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskdriver/")

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

// checkEnvKeys rejects unrecognized TASKDRIVER_* environment variables.
func checkEnvKeys(environ []string) error {
	var unknown []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix+"_") {
			continue
		}
		if _, known := knownEnvVars[name]; !known {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown environment variables: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// validate checks that all configuration fields are within their allowed ranges.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch cfg.Server.Mode {
	case "rpc", "http", "cli":
	default:
		errs = append(errs, "server.mode must be one of: rpc, http, cli")
	}
	switch cfg.Server.RPCTransport {
	case "stdio", "http":
	default:
		errs = append(errs, "server.rpcTransport must be one of: stdio, http")
	}

	switch cfg.Storage.Provider {
	case "file", "mongodb", "redis", "memory":
	default:
		errs = append(errs, "storage.provider must be one of: file, mongodb, redis, memory")
	}
	if cfg.Storage.Provider == "mongodb" || cfg.Storage.Provider == "redis" {
		if cfg.Storage.ConnectionString == "" {
			errs = append(errs, fmt.Sprintf("storage.connectionString is required for provider %q", cfg.Storage.Provider))
		}
	}
	if cfg.Storage.Provider == "file" {
		if cfg.Storage.DataDir == "" {
			errs = append(errs, "storage.dataDir is required for the file provider")
		}
		if cfg.Storage.LockTimeout < 1 || cfg.Storage.LockTimeout > 300 {
			errs = append(errs, "storage.lockTimeout must be between 1 and 300 seconds")
		}
	}

	if cfg.Session.EnableAuth && cfg.Session.Secret == "" {
		cfg.Session.Secret = generateDevSecret()
	}
	if cfg.Session.Timeout <= 0 {
		errs = append(errs, "session.timeout must be positive")
	}

	if cfg.Defaults.MaxRetries < 0 || cfg.Defaults.MaxRetries > 10 {
		errs = append(errs, "defaults.maxRetries must be between 0 and 10")
	}
	if cfg.Defaults.LeaseDurationMinutes < 1 || cfg.Defaults.LeaseDurationMinutes > 1440 {
		errs = append(errs, "defaults.leaseDurationMinutes must be between 1 and 1440")
	}
	if cfg.Defaults.ReaperIntervalMinutes < 1 || cfg.Defaults.ReaperIntervalMinutes > 60 {
		errs = append(errs, "defaults.reaperIntervalMinutes must be between 1 and 60")
	}

	switch cfg.Events.Provider {
	case "memory":
	case "nats":
		if cfg.Events.URL == "" {
			errs = append(errs, "events.url is required for the nats provider")
		}
	default:
		errs = append(errs, "events.provider must be one of: memory, nats")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, "ratelimit.requestsPerMinute must be positive")
		}
		if cfg.RateLimit.Burst <= 0 {
			errs = append(errs, "ratelimit.burst must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
// Production deployments should set TASKDRIVER_SESSION_SECRET.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
