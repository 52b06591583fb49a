/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Broadcast bus backend selection.
type BusBackend string

const (
	BusRedis  BusBackend = "redis"
	BusNATS   BusBackend = "nats"
	BusMemory BusBackend = "memory"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string

	// Redis holds booth state, the waitlist, and the advance lease.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Broadcast bus configuration
	BusBackend BusBackend
	NATSURL    string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	InstanceID string

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"UWAVE_ENV", "UW_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"UWAVE_HTTP_BIND", "UW_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"UWAVE_HTTP_PORT", "UW_HTTP_PORT"}, 6042),
		DBBackend:   DatabaseBackend(getEnvAny([]string{"UWAVE_DB_BACKEND", "UW_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:       getEnvAny([]string{"UWAVE_DB_DSN", "UW_DB_DSN"}, ""),

		RedisAddr:     getEnvAny([]string{"UWAVE_REDIS_ADDR", "UW_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"UWAVE_REDIS_PASSWORD", "UW_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"UWAVE_REDIS_DB", "UW_REDIS_DB"}, 0),

		BusBackend: BusBackend(getEnvAny([]string{"UWAVE_BUS_BACKEND", "UW_BUS_BACKEND"}, string(BusRedis))),
		NATSURL:    getEnvAny([]string{"UWAVE_NATS_URL", "UW_NATS_URL"}, "nats://localhost:4222"),

		TracingEnabled:    getEnvBoolAny([]string{"UWAVE_TRACING_ENABLED", "UW_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"UWAVE_OTLP_ENDPOINT", "UW_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"UWAVE_TRACING_SAMPLE_RATE", "UW_TRACING_SAMPLE_RATE"}, 1.0),

		InstanceID: getEnvAny([]string{"UWAVE_INSTANCE_ID", "UW_INSTANCE_ID"}, ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("UWAVE_DB_DSN or UW_DB_DSN must be provided")
	}

	if cfg.BusBackend != BusRedis && cfg.BusBackend != BusNATS && cfg.BusBackend != BusMemory {
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.BusBackend)
	}

	if strings.EqualFold(cfg.Environment, "production") && cfg.BusBackend == BusMemory {
		// The memory bus never leaves the process; other instances and the
		// API gateway would miss every booth transition.
		return nil, fmt.Errorf("UWAVE_BUS_BACKEND=memory is not valid in production")
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT": "use UWAVE_ENV (or UW_ENV)",
		"REDIS_URL":   "use UWAVE_REDIS_ADDR (or UW_REDIS_ADDR)",
		"NATS_URL":    "use UWAVE_NATS_URL (or UW_NATS_URL)",
		"PORT":        "use UWAVE_HTTP_PORT (or UW_HTTP_PORT)",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// HTTPAddr returns the bind address for the HTTP shell.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
