// Package config loads engine runtime configuration from the environment.
// All capabilities are resolved once here, at startup, never lazily.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the engine and gateway.
type Config struct {
	Env      string
	HTTPAddr string

	// DatabaseDSN selects the backing store: a path (or :memory:) for
	// SQLite, a postgres:// URL for Postgres.
	DatabaseDSN string

	Concurrency         int
	PollInterval        time.Duration
	MaxRecoveryAttempts int

	// ClaimWaitTimeout bounds how long Execute waits on an in-flight
	// idempotency claim before returning a conflict.
	ClaimWaitTimeout  time.Duration
	ClaimPollInterval time.Duration

	// ClaimLease is how long an in_progress claim may sit unresolved before
	// the holder is presumed dead and the key re-acquired.
	ClaimLease time.Duration

	KeepAliveInterval time.Duration

	JobRetention      time.Duration
	IdempotencyTTL    time.Duration
	RetentionSchedule string // cron expression
}

// Load reads configuration from environment variables with sane defaults
// for local development.
func Load() Config {
	return Config{
		Env:                 getEnv("APP_ENV", "dev"),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN:         getEnv("DATABASE_DSN", "engine.db"),
		Concurrency:         getEnvInt("ENGINE_CONCURRENCY", 10),
		PollInterval:        getEnvDuration("ENGINE_POLL_INTERVAL", 100*time.Millisecond),
		MaxRecoveryAttempts: getEnvInt("ENGINE_MAX_RECOVERY_ATTEMPTS", 3),
		ClaimWaitTimeout:    getEnvDuration("ENGINE_CLAIM_WAIT_TIMEOUT", 2*time.Second),
		ClaimPollInterval:   getEnvDuration("ENGINE_CLAIM_POLL_INTERVAL", 50*time.Millisecond),
		ClaimLease:          getEnvDuration("ENGINE_CLAIM_LEASE", 5*time.Minute),
		KeepAliveInterval:   getEnvDuration("ENGINE_KEEPALIVE_INTERVAL", 15*time.Second),
		JobRetention:        getEnvDuration("ENGINE_JOB_RETENTION", 30*24*time.Hour),
		IdempotencyTTL:      getEnvDuration("ENGINE_IDEMPOTENCY_TTL", 24*time.Hour),
		RetentionSchedule:   getEnv("ENGINE_RETENTION_SCHEDULE", "@hourly"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
