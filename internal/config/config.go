// Package config provides configuration management for featherbase.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server       ServerConfig    `yaml:"server"`
	Storage      StorageConfig   `yaml:"storage"`
	Cache        CacheConfig     `yaml:"cache"`
	Engine       EngineConfig    `yaml:"engine"`
	Auth         AuthConfig      `yaml:"auth"`
	RateLimiting RateLimitConfig `yaml:"rate_limiting"`
	Audit        AuditConfig     `yaml:"audit"`
	Logging      LoggingConfig   `yaml:"logging"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// StorageConfig represents the KV substrate configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // bolt, memory
	Path string `yaml:"path"`
}

// CacheConfig tunes the record cache.
type CacheConfig struct {
	MaxSize int `yaml:"max_size"`
}

// EngineConfig tunes the CRUD engine and write coalescer.
type EngineConfig struct {
	MaxScanLimit    int  `yaml:"max_scan_limit"`
	MaxBatchSize    int  `yaml:"max_batch_size"`    // /api/batch op limit
	FlushIntervalMS int  `yaml:"flush_interval_ms"` // write buffer flush timer
	MaxBufferSize   int  `yaml:"max_buffer_size"`   // ingress size forcing a flush
	MaxFlushQueue   int  `yaml:"max_flush_queue"`   // overload threshold
	Optimistic      bool `yaml:"optimistic"`        // durability mode knob
}

// AuthConfig represents authentication configuration.
type AuthConfig struct {
	JWTSecret    string          `yaml:"jwt_secret"`
	JWTExpiresIn string          `yaml:"jwt_expires_in"` // Go duration, e.g. "72h"
	Bootstrap    BootstrapConfig `yaml:"bootstrap"`
}

// BootstrapConfig seeds an initial superuser when the superuser
// collection is empty. Credentials should come from environment
// variables.
type BootstrapConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// RateLimitConfig represents rate limiting configuration. Per-route
// overrides stored in the _ratelimits collection take precedence over
// these defaults at runtime.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerSecond int  `yaml:"requests_per_second"`
	BurstSize         int  `yaml:"burst_size"`
	PerClient         bool `yaml:"per_client"`
	RefreshSeconds    int  `yaml:"refresh_seconds"` // _ratelimits reload interval
}

// AuditConfig represents audit logging configuration.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	LogFile    string `yaml:"log_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8090,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Storage: StorageConfig{
			Type: "bolt",
			Path: "data/featherbase.db",
		},
		Cache: CacheConfig{
			MaxSize: 1000,
		},
		Engine: EngineConfig{
			MaxScanLimit:    100,
			MaxBatchSize:    100,
			FlushIntervalMS: 25,
			MaxBufferSize:   500,
			MaxFlushQueue:   50,
		},
		Auth: AuthConfig{
			JWTExpiresIn: "72h",
		},
		RateLimiting: RateLimitConfig{
			RequestsPerSecond: 100,
			BurstSize:         200,
			PerClient:         true,
			RefreshSeconds:    30,
		},
		Audit: AuditConfig{
			LogFile:    "data/audit.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envValue reads FEATHERBASE_<name> with the bare name as a fallback,
// so both spellings of the documented knobs work.
func envValue(name string) string {
	if v := os.Getenv("FEATHERBASE_" + name); v != "" {
		return v
	}
	return os.Getenv(name)
}

func envInt(name string, dst *int) {
	if v := envValue(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := envValue(name); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func envString(name string, dst *string) {
	if v := envValue(name); v != "" {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	envString("HOST", &c.Server.Host)
	envInt("PORT", &c.Server.Port)
	envString("DB_PATH", &c.Storage.Path)
	envString("STORAGE_TYPE", &c.Storage.Type)
	envInt("MAX_CACHE_SIZE", &c.Cache.MaxSize)
	envInt("MAX_SCAN_LIMIT", &c.Engine.MaxScanLimit)
	envInt("MAX_BATCH_SIZE", &c.Engine.MaxBatchSize)
	envInt("FLUSH_INTERVAL", &c.Engine.FlushIntervalMS)
	envInt("MAX_BUFFER_SIZE", &c.Engine.MaxBufferSize)
	envInt("MAX_FLUSH_QUEUE", &c.Engine.MaxFlushQueue)
	envBool("OPTIMISTIC_MODE", &c.Engine.Optimistic)
	envString("JWT_SECRET", &c.Auth.JWTSecret)
	envString("JWT_EXPIRES_IN", &c.Auth.JWTExpiresIn)
	envBool("BOOTSTRAP_ENABLED", &c.Auth.Bootstrap.Enabled)
	envString("BOOTSTRAP_EMAIL", &c.Auth.Bootstrap.Email)
	envString("BOOTSTRAP_PASSWORD", &c.Auth.Bootstrap.Password)
	envBool("RATE_LIMIT_ENABLED", &c.RateLimiting.Enabled)
	envInt("RATE_LIMIT_RPS", &c.RateLimiting.RequestsPerSecond)
	envInt("RATE_LIMIT_BURST", &c.RateLimiting.BurstSize)
	envBool("AUDIT_ENABLED", &c.Audit.Enabled)
	envString("AUDIT_LOG_FILE", &c.Audit.LogFile)
	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Storage.Type {
	case "bolt", "memory":
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}
	if c.Storage.Type == "bolt" && c.Storage.Path == "" {
		return fmt.Errorf("storage path is required for bolt storage")
	}

	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("invalid cache max_size: %d", c.Cache.MaxSize)
	}
	if c.Engine.MaxScanLimit < 1 {
		return fmt.Errorf("invalid max_scan_limit: %d", c.Engine.MaxScanLimit)
	}
	if c.Engine.MaxBatchSize < 1 || c.Engine.MaxBatchSize > 1000 {
		return fmt.Errorf("invalid max_batch_size: %d", c.Engine.MaxBatchSize)
	}
	if c.Engine.FlushIntervalMS < 1 {
		return fmt.Errorf("invalid flush_interval_ms: %d", c.Engine.FlushIntervalMS)
	}

	if _, err := time.ParseDuration(c.Auth.JWTExpiresIn); err != nil {
		return fmt.Errorf("invalid jwt_expires_in: %w", err)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// FlushInterval returns the write buffer flush timer duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Engine.FlushIntervalMS) * time.Millisecond
}

// JWTExpiry returns the parsed token lifetime.
func (c *Config) JWTExpiry() time.Duration {
	d, err := time.ParseDuration(c.Auth.JWTExpiresIn)
	if err != nil {
		return 72 * time.Hour
	}
	return d
}
