package core

import (
	"context"
	"time"
)

// Storage defines the persistence layer for jobs, idempotency records and
// campaign transitions. Implementations must make every method safe for
// concurrent use; the engine relies on the store as its only shared state.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Job lifecycle. CreateJob honors the job's idempotency-key binding:
	// when a live or completed job already exists for the key, that job is
	// returned with true and nothing is inserted.
	CreateJob(ctx context.Context, job *Job) (*Job, bool, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListPending(ctx context.Context, limit int) ([]*Job, error)

	// ClaimJob moves a pending job to running under the given worker id.
	// Returns nil when the job is no longer claimable (e.g. cancelled
	// between dispatch and claim).
	ClaimJob(ctx context.Context, jobID string, workerID string) (*Job, error)
	CompleteJob(ctx context.Context, jobID string, workerID string, result []byte) error
	FailJob(ctx context.Context, jobID string, workerID string, errMsg string) error
	CancelPendingJob(ctx context.Context, jobID string) (bool, error)
	CancelRunningJob(ctx context.Context, jobID string, workerID string) error

	// SweepInterrupted reclassifies every running job as interrupted and
	// returns them. Called once at startup, before any worker claims work:
	// a running row at that point is proof its worker died mid-execution.
	SweepInterrupted(ctx context.Context) ([]*Job, error)

	// CreateRecoveryJob atomically records next as the successor of the
	// original job and inserts it. If the original already has a successor,
	// that job is returned with true and nothing is inserted.
	CreateRecoveryJob(ctx context.Context, originalID string, next *Job) (*Job, bool, error)

	// Progress events. AppendEvent assigns the next per-job sequence
	// number; ListEvents returns events in sequence order.
	AppendEvent(ctx context.Context, ev *ProgressEvent) error
	ListEvents(ctx context.Context, jobID string) ([]ProgressEvent, error)

	// Idempotency. ClaimIdempotency inserts rec as in_progress; the unique
	// index on (tenant, scope, key) makes the insert the serialization
	// point. On collision the existing record is returned with false.
	ClaimIdempotency(ctx context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, bool, error)
	GetIdempotency(ctx context.Context, tenantID, scope, key string) (*IdempotencyRecord, error)

	// ReclaimFailedIdempotency re-acquires a failed record for retry.
	// Returns false when another caller re-claimed it first.
	ReclaimFailedIdempotency(ctx context.Context, recordID string) (bool, error)
	ResolveIdempotency(ctx context.Context, recordID string, status IdempotencyStatus, result []byte, errMsg string) error

	// Claim leases. A claimant that dies without resolving its record would
	// otherwise hold the key forever. ExpireIdempotencyClaim fails a single
	// record whose lease started before claimedBefore, returning false when
	// the record is resolved or its lease is current; ExpireStaleIdempotency
	// does the same in bulk for the retention sweeper.
	ExpireIdempotencyClaim(ctx context.Context, recordID string, claimedBefore time.Time) (bool, error)
	ExpireStaleIdempotency(ctx context.Context, claimedBefore time.Time) (int64, error)

	// Campaign transitions. Begin locks the row (FOR UPDATE NOWAIT where
	// the dialect supports it), verifies the precondition and writes the
	// intermediate status in one short transaction. Finalize and Rollback
	// resolve the intermediate state and append a history record.
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, campaignID string) (*Campaign, error)
	BeginCampaignTransition(ctx context.Context, campaignID string, from, intermediate CampaignStatus) error
	FinalizeCampaignTransition(ctx context.Context, campaignID string, intermediate, target CampaignStatus, detail string) error
	RollbackCampaignTransition(ctx context.Context, campaignID string, intermediate, prior CampaignStatus, detail string) error

	// RecoverStaleCampaignTransition rolls a campaign out of an intermediate
	// status stranded by a dead claimant, guarded on updated_at so live
	// transitions are never touched. Returns true when a row was recovered.
	RecoverStaleCampaignTransition(ctx context.Context, campaignID string, intermediate, prior CampaignStatus, staleBefore time.Time) (bool, error)
	ListTransitions(ctx context.Context, campaignID string) ([]TransitionRecord, error)

	// Retention. PurgeJobs removes terminal and interrupted-with-successor
	// jobs (and their events) older than the cutoff; PurgeIdempotency
	// removes records whose TTL has passed.
	PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error)
	PurgeIdempotency(ctx context.Context, now time.Time) (int64, error)
}
