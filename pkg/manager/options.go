package manager

import (
	"log/slog"
	"time"
)

// Config holds manager configuration.
type Config struct {
	// Concurrency is the number of worker goroutines. Default: 10.
	Concurrency int

	// PollInterval is how often the dispatcher scans for pending jobs that
	// missed a direct wake-up. Default: 100ms.
	PollInterval time.Duration

	// MaxRecoveryAttempts is the default recovery-attempt limit for new
	// jobs. Default: 3.
	MaxRecoveryAttempts int

	// StorageRetry governs retries of transient storage failures on
	// terminal writes and event appends.
	StorageRetry *RetryConfig
}

// Option configures a Manager.
type Option func(*Manager)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.cfg.Concurrency = n
		}
	}
}

// WithPollInterval sets the dispatcher poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cfg.PollInterval = d
		}
	}
}

// WithMaxRecoveryAttempts sets the default recovery-attempt limit.
func WithMaxRecoveryAttempts(n int) Option {
	return func(m *Manager) { m.cfg.MaxRecoveryAttempts = n }
}

// WithStorageRetry overrides the storage retry configuration.
func WithStorageRetry(cfg RetryConfig) Option {
	return func(m *Manager) { m.cfg.StorageRetry = &cfg }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// RegisterOption configures a pipeline registration.
type RegisterOption func(*registration)

type registration struct {
	estimatedDuration time.Duration
}

// WithEstimatedDuration sets the duration estimate reported to callers when
// a job of this type is created.
func WithEstimatedDuration(d time.Duration) RegisterOption {
	return func(r *registration) { r.estimatedDuration = d }
}
