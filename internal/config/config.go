// Package config provides configuration management for sessiond.
// Settings come from three layers, weakest first: built-in defaults, an
// optional YAML config file, and environment variables with the SESSIOND_
// prefix. Environment variables always win so deployments can override a
// checked-in config file without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Storage engine names accepted by Config.Storage.Engine.
const (
	EnginePostgres = "postgres"
	EngineSQLite   = "sqlite"
	EngineMemory   = "memory"
)

// Config holds all configuration settings for sessiond.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// StorageConfig selects and parameterizes the session storage backend.
type StorageConfig struct {
	// Engine is the storage backend: postgres, sqlite, or memory.
	// Env var: SESSIOND_STORAGE_ENGINE (default: sqlite)
	Engine string `yaml:"engine"`

	// PostgresDSN is the PostgreSQL connection string, required when
	// Engine is postgres.
	// Env var: SESSIOND_POSTGRES_DSN
	PostgresDSN string `yaml:"postgres_dsn"`

	// DataPath is the directory holding the SQLite database file.
	// Env var: SESSIOND_DATA_PATH (default: ./data)
	DataPath string `yaml:"data_path"`
}

// LimitsConfig configures the optional service decorators.
type LimitsConfig struct {
	// BreakerEnabled wraps the service in a circuit breaker.
	// Env var: SESSIOND_BREAKER_ENABLED (default: true)
	BreakerEnabled bool `yaml:"breaker_enabled"`

	// BreakerMaxFailures is the consecutive-failure count that trips the
	// circuit. Env var: SESSIOND_BREAKER_MAX_FAILURES (default: 3)
	BreakerMaxFailures int `yaml:"breaker_max_failures"`

	// RateLimitPerSec bounds sustained operations per second; 0 disables
	// rate limiting. Env var: SESSIOND_RATE_LIMIT_PER_SEC (default: 0)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`

	// RateLimitBurst is the token-bucket burst size.
	// Env var: SESSIOND_RATE_LIMIT_BURST (default: 50)
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// at path (skipped when path is empty), and environment variables, in that
// order of precedence.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case EnginePostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: storage engine %q requires a postgres DSN", EnginePostgres)
		}
	case EngineSQLite, EngineMemory:
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Limits.RateLimitPerSec < 0 {
		return fmt.Errorf("config: rate limit must not be negative")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:   EngineSQLite,
			DataPath: "./data",
		},
		Limits: LimitsConfig{
			BreakerEnabled:     true,
			BreakerMaxFailures: 3,
			RateLimitPerSec:    0,
			RateLimitBurst:     50,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Storage.Engine = getEnv("SESSIOND_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.PostgresDSN = getEnv("SESSIOND_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.DataPath = getEnv("SESSIOND_DATA_PATH", cfg.Storage.DataPath)

	cfg.Limits.BreakerEnabled = getEnvBool("SESSIOND_BREAKER_ENABLED", cfg.Limits.BreakerEnabled)
	cfg.Limits.BreakerMaxFailures = getEnvInt("SESSIOND_BREAKER_MAX_FAILURES", cfg.Limits.BreakerMaxFailures)
	cfg.Limits.RateLimitPerSec = getEnvFloat("SESSIOND_RATE_LIMIT_PER_SEC", cfg.Limits.RateLimitPerSec)
	cfg.Limits.RateLimitBurst = getEnvInt("SESSIOND_RATE_LIMIT_BURST", cfg.Limits.RateLimitBurst)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" as true and "false", "0", "no" as
// false.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
