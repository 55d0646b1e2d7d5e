// Package config loads process configuration from environment variables,
// including the engine's resource-cap tunables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration.
// This is an infrastructure component that loads configuration from environment variables.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseDSN string

	// Engine tunables: resource caps, overridable, default to the engine's
	// own fixed constants when unset.
	MaxLoopIterations int
	DefaultTimeout    time.Duration
	MaxStateSizeBytes int64
	MaxNodeExecutions int
	StateRetention    time.Duration
}

// Load creates a new Config instance by reading environment variables.
func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseDSN:       getEnv("DATABASE_DSN", ""),
		MaxLoopIterations: getEnvInt("MAX_LOOP_ITERATIONS", 1000),
		DefaultTimeout:    getEnvDuration("DEFAULT_NODE_TIMEOUT", 30*time.Second),
		MaxStateSizeBytes: getEnvInt64("MAX_STATE_SIZE_BYTES", 10*1024*1024),
		MaxNodeExecutions: getEnvInt("MAX_NODE_EXECUTIONS", 10_000),
		StateRetention:    getEnvDuration("STATE_RETENTION_WINDOW", 60*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// GetPortInt returns the port as an integer.
func (c *Config) GetPortInt() int {
	p, _ := strconv.Atoi(c.Port)
	return p
}
