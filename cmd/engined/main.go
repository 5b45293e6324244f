// Command engined runs the engine behind the HTTP gateway, configured from
// the environment, with metrics, retention sweeping and SSE streaming.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	engine "github.com/campaignops/pipeline-engine"
	"github.com/campaignops/pipeline-engine/gateway"
	"github.com/campaignops/pipeline-engine/pkg/config"
	"github.com/campaignops/pipeline-engine/pkg/idempotent"
	"github.com/campaignops/pipeline-engine/pkg/jobctx"
	"github.com/campaignops/pipeline-engine/pkg/manager"
	"github.com/campaignops/pipeline-engine/pkg/retention"
)

func openDB(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return gorm.Open(postgres.Open(dsn), cfg)
	}
	return gorm.Open(sqlite.Open(dsn), cfg)
}

type launchInput struct {
	CampaignID string `json:"campaign_id"`
}

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := openDB(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal(err)
	}

	store := engine.NewGormStorage(db)
	if err := store.Migrate(context.Background()); err != nil {
		log.Fatal(err)
	}

	executor := engine.NewExecutor(store,
		idempotent.WithWaitTimeout(cfg.ClaimWaitTimeout),
		idempotent.WithPollInterval(cfg.ClaimPollInterval),
		idempotent.WithRecordTTL(cfg.IdempotencyTTL),
		idempotent.WithClaimLease(cfg.ClaimLease),
	)

	mgr := engine.NewManager(store, engine.NewBus(),
		manager.WithConcurrency(cfg.Concurrency),
		manager.WithPollInterval(cfg.PollInterval),
		manager.WithMaxRecoveryAttempts(cfg.MaxRecoveryAttempts),
	)

	// Campaign launch as a pipeline: the idempotent transition guards the
	// campaign row while the job gives the caller progress streaming.
	mgr.Register("campaign-launch", func(ctx context.Context, in launchInput) (idempotent.TransitionResult, error) {
		job := jobctx.JobFromContext(ctx)
		result, _, err := executor.Transition(ctx, job.TenantID, "campaign-launch", job.ID, idempotent.TransitionSpec{
			CampaignID:   in.CampaignID,
			From:         engine.CampaignDraft,
			Intermediate: engine.CampaignLaunching,
			Target:       engine.CampaignActive,
			SideEffect: func(ctx context.Context) error {
				// Ad-network calls go here.
				return jobctx.Progress(ctx, map[string]string{"step": "publishing"})
			},
			Detail: "launched via api",
		})
		return result, err
	}, manager.WithEstimatedDuration(5*time.Second))

	sweeper := engine.NewSweeper(store,
		retention.WithJobRetention(cfg.JobRetention),
		retention.WithClaimLease(cfg.ClaimLease),
		retention.WithSchedule(cfg.RetentionSchedule),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sweeper.Start(ctx); err != nil {
		log.Fatal(err)
	}
	go func() {
		if err := mgr.Start(ctx); err != nil && ctx.Err() == nil {
			log.Fatal(err)
		}
	}()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: gateway.New(mgr, gateway.WithKeepAlive(cfg.KeepAliveInterval)).Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("engine listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
