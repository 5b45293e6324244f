// Package retention reclaims storage: settled jobs past their retention
// window and idempotency records past their TTL. In-memory state is never
// consulted: the sweep operates purely on what the store holds, so it is
// safe to run on any schedule and after any restart.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/campaignops/pipeline-engine/pkg/core"
)

// Sweeper periodically purges expired records.
type Sweeper struct {
	storage      core.Storage
	logger       *slog.Logger
	jobRetention time.Duration
	claimLease   time.Duration
	schedule     string
	cron         *cron.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithJobRetention sets how long settled jobs are kept. Default: 30 days.
func WithJobRetention(d time.Duration) Option {
	return func(s *Sweeper) { s.jobRetention = d }
}

// WithClaimLease sets the claim lease used to expire in_progress idempotency
// records whose holder died. Must match the executor's lease. Default: 5m.
func WithClaimLease(d time.Duration) Option {
	return func(s *Sweeper) { s.claimLease = d }
}

// WithSchedule sets the cron schedule for sweeps. Default: @hourly.
func WithSchedule(spec string) Option {
	return func(s *Sweeper) { s.schedule = spec }
}

// WithLogger sets the sweeper logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a Sweeper on the given storage.
func NewSweeper(storage core.Storage, opts ...Option) *Sweeper {
	s := &Sweeper{
		storage:      storage,
		logger:       slog.Default(),
		jobRetention: 30 * 24 * time.Hour,
		claimLease:   5 * time.Minute,
		schedule:     "@hourly",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules sweeps until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Sweep runs one purge pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()

	jobs, err := s.storage.PurgeJobs(ctx, now.Add(-s.jobRetention))
	if err != nil {
		s.logger.Error("job purge failed", "error", err)
	}

	var expired int64
	if s.claimLease > 0 {
		expired, err = s.storage.ExpireStaleIdempotency(ctx, now.Add(-s.claimLease))
		if err != nil {
			s.logger.Error("stale claim expiry failed", "error", err)
		}
	}

	records, err := s.storage.PurgeIdempotency(ctx, now)
	if err != nil {
		s.logger.Error("idempotency purge failed", "error", err)
	}

	if jobs > 0 || records > 0 || expired > 0 {
		s.logger.Info("retention sweep",
			"jobs_purged", jobs, "idempotency_purged", records, "claims_expired", expired)
	}
}
