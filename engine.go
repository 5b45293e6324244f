// Package engine provides a durable job and idempotent mutation engine.
//
// This is the main package users should import. It re-exports the public
// types from the internal pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Create storage and manager
//	db, _ := gorm.Open(sqlite.Open("engine.db"), &gorm.Config{})
//	store := engine.NewGormStorage(db)
//	store.Migrate(context.Background())
//	mgr := engine.NewManager(store, engine.NewBus())
//
//	// Register a pipeline
//	mgr.Register("audience-export", func(ctx context.Context, in ExportInput) (ExportResult, error) {
//	    jobctx.Progress(ctx, map[string]string{"step": "collecting"})
//	    return export(ctx, in)
//	})
//
//	// Submit a job and run the pool
//	mgr.Create(ctx, engine.CreateParams{TenantID: "t1", OwnerID: "u1", Type: "audience-export", Input: in})
//	mgr.Start(ctx)
package engine

import (
	"github.com/campaignops/pipeline-engine/pkg/bus"
	"github.com/campaignops/pipeline-engine/pkg/core"
	"github.com/campaignops/pipeline-engine/pkg/idempotent"
	"github.com/campaignops/pipeline-engine/pkg/manager"
	"github.com/campaignops/pipeline-engine/pkg/retention"
)

// Type aliases re-exporting the engine surface.
type (
	// Job represents one asynchronous pipeline execution.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// ProgressEvent is one entry in a job's append-only event log.
	ProgressEvent = core.ProgressEvent

	// EventKind classifies progress events.
	EventKind = core.EventKind

	// IdempotencyRecord caches the outcome of a keyed mutation.
	IdempotencyRecord = core.IdempotencyRecord

	// Campaign is the resource guarded by idempotent transitions.
	Campaign = core.Campaign

	// CampaignStatus represents the lifecycle state of a campaign.
	CampaignStatus = core.CampaignStatus

	// TransitionRecord is the campaign transition history entry.
	TransitionRecord = core.TransitionRecord

	// Storage defines the persistence layer for the engine.
	Storage = core.Storage

	// Manager creates, runs, cancels and recovers jobs.
	Manager = manager.Manager

	// CreateParams collects the inputs for a new job.
	CreateParams = manager.CreateParams

	// CreateResult reports the created (or replayed) job.
	CreateResult = manager.CreateResult

	// RecoveryInfo reports whether an interrupted job may be restarted.
	RecoveryInfo = manager.RecoveryInfo

	// RestartResult reports the job created by a successful restart.
	RestartResult = manager.RestartResult

	// Bus fans out progress events to per-job subscribers.
	Bus = bus.Bus

	// Executor runs operations under idempotency claims.
	Executor = idempotent.Executor

	// Operation is the closure guarded by an idempotency claim.
	Operation = idempotent.Operation

	// TransitionSpec describes a guarded campaign status transition.
	TransitionSpec = idempotent.TransitionSpec

	// TransitionResult is the stored result of a completed transition.
	TransitionResult = idempotent.TransitionResult

	// Sweeper periodically purges expired records.
	Sweeper = retention.Sweeper
)

// Job status constants.
const (
	StatusPending     = core.StatusPending
	StatusRunning     = core.StatusRunning
	StatusCompleted   = core.StatusCompleted
	StatusFailed      = core.StatusFailed
	StatusCancelled   = core.StatusCancelled
	StatusInterrupted = core.StatusInterrupted
)

// Progress event kinds.
const (
	EventProgress    = core.EventProgress
	EventComplete    = core.EventComplete
	EventError       = core.EventError
	EventInterrupted = core.EventInterrupted
)

// Campaign status constants.
const (
	CampaignDraft     = core.CampaignDraft
	CampaignLaunching = core.CampaignLaunching
	CampaignActive    = core.CampaignActive
	CampaignPaused    = core.CampaignPaused
	CampaignArchived  = core.CampaignArchived
)

// NewManager creates a Manager on the given storage and bus.
func NewManager(s Storage, b *Bus, opts ...manager.Option) *Manager {
	return manager.New(s, b, opts...)
}

// NewBus creates an empty progress event bus.
func NewBus() *Bus {
	return bus.New()
}

// NewExecutor creates an idempotent mutation executor.
func NewExecutor(s Storage, opts ...idempotent.Option) *Executor {
	return idempotent.NewExecutor(s, opts...)
}

// NewSweeper creates a retention sweeper.
func NewSweeper(s Storage, opts ...retention.Option) *Sweeper {
	return retention.NewSweeper(s, opts...)
}
