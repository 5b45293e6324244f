// Package storage provides storage implementations for the engine.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/campaignops/pipeline-engine/pkg/core"
	"github.com/campaignops/pipeline-engine/pkg/security"
)

// GormStorage implements core.Storage using GORM. It works against SQLite
// (tests, single-node deployments) and Postgres; row-level NOWAIT locks are
// only issued on Postgres, SQLite serializes writers on its own.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Job{},
		&core.ProgressEvent{},
		&core.IdempotencyRecord{},
		&core.Campaign{},
		&core.TransitionRecord{},
	)
}

// supportsRowLocks reports whether the dialect understands FOR UPDATE NOWAIT.
func (s *GormStorage) supportsRowLocks() bool {
	return s.db.Dialector.Name() == "postgres"
}

// isDuplicateKey detects unique-constraint violations across dialects.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// isLockUnavailable detects a failed NOWAIT lock acquisition.
func isLockUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "could not obtain lock") ||
		strings.Contains(msg, "SQLSTATE 55P03")
}

// CreateJob inserts a pending job. When the job carries an idempotency key
// and a job already exists for that key, the existing job is returned with
// true; the unique index on (tenant, key) closes the race between the lookup
// and the insert.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job) (*core.Job, bool, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.IdempotencyKey != nil {
		tenant := job.TenantID
		job.KeyTenantID = &tenant

		existing, err := s.findJobByKey(ctx, job.TenantID, *job.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	err := s.db.WithContext(ctx).Create(job).Error
	if err != nil {
		if job.IdempotencyKey != nil && isDuplicateKey(err) {
			existing, ferr := s.findJobByKey(ctx, job.TenantID, *job.IdempotencyKey)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}
	return job, false, nil
}

// findJobByKey matches on (tenant, key) only. The key binding is
// tenant-scoped, so an owner mismatch still counts as a collision.
func (s *GormStorage) findJobByKey(ctx context.Context, tenantID, key string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).
		Where("key_tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob retrieves a job by ID. Returns nil when absent.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListPending returns pending jobs oldest first.
func (s *GormStorage) ListPending(ctx context.Context, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ClaimJob moves a pending job to running under the given worker. The
// status guard on the update is the claim: zero rows affected means someone
// else got there first or the job was cancelled while queued.
func (s *GormStorage) ClaimJob(ctx context.Context, jobID string, workerID string) (*core.Job, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusPending).
		Updates(map[string]any{
			"status":     core.StatusRunning,
			"locked_by":  workerID,
			"started_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return s.GetJob(ctx, jobID)
}

// CompleteJob marks a running job completed and stores its result.
func (s *GormStorage) CompleteJob(ctx context.Context, jobID string, workerID string, resultPayload []byte) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusRunning).
		Updates(map[string]any{
			"status":       core.StatusCompleted,
			"result":       resultPayload,
			"completed_at": now,
			"locked_by":    "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// FailJob marks a running job failed. Error messages are sanitized before
// storage.
func (s *GormStorage) FailJob(ctx context.Context, jobID string, workerID string, errMsg string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusRunning).
		Updates(map[string]any{
			"status":       core.StatusFailed,
			"last_error":   security.SanitizeErrorMessage(errMsg),
			"completed_at": now,
			"locked_by":    "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// CancelPendingJob cancels a job that has not been claimed yet. Returns
// false when the job already left pending.
func (s *GormStorage) CancelPendingJob(ctx context.Context, jobID string) (bool, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusPending).
		Updates(map[string]any{
			"status":       core.StatusCancelled,
			"completed_at": now,
		})
	return result.RowsAffected > 0, result.Error
}

// CancelRunningJob records the cancelled terminal state once the worker has
// stopped at a safe checkpoint.
func (s *GormStorage) CancelRunningJob(ctx context.Context, jobID string, workerID string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusRunning).
		Updates(map[string]any{
			"status":       core.StatusCancelled,
			"completed_at": now,
			"locked_by":    "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// SweepInterrupted reclassifies every running job as interrupted and returns
// them. Must run before any worker of this process claims work.
func (s *GormStorage) SweepInterrupted(ctx context.Context) ([]*core.Job, error) {
	var stale []*core.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ?", core.StatusRunning).Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]string, len(stale))
		for i, job := range stale {
			ids[i] = job.ID
		}
		result := tx.Model(&core.Job{}).
			Where("id IN ? AND status = ?", ids, core.StatusRunning).
			Updates(map[string]any{
				"status":    core.StatusInterrupted,
				"locked_by": "",
			})
		if result.Error != nil {
			return result.Error
		}
		for _, job := range stale {
			job.Status = core.StatusInterrupted
			job.LockedBy = ""
		}
		return nil
	})
	return stale, err
}

// CreateRecoveryJob links next as the successor of the original job and
// inserts it. The successor column acts as a one-shot claim: a second
// restart of the same job replays the first successor instead of forking
// the recovery chain.
func (s *GormStorage) CreateRecoveryJob(ctx context.Context, originalID string, next *core.Job) (*core.Job, bool, error) {
	if next.ID == "" {
		next.ID = uuid.New().String()
	}
	if next.Status == "" {
		next.Status = core.StatusPending
	}

	var replayed *core.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.Job{}).
			Where("id = ? AND successor_id IS NULL AND status = ?", originalID, core.StatusInterrupted).
			Update("successor_id", next.ID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var original core.Job
			if err := tx.First(&original, "id = ?", originalID).Error; err != nil {
				return err
			}
			if original.SuccessorID == nil {
				return &core.NotRecoverableError{JobID: originalID, Reason: core.RefusalNotInterrupted}
			}
			var successor core.Job
			if err := tx.First(&successor, "id = ?", *original.SuccessorID).Error; err != nil {
				return err
			}
			replayed = &successor
			return nil
		}
		return tx.Create(next).Error
	})
	if err != nil {
		return nil, false, err
	}
	if replayed != nil {
		return replayed, true, nil
	}
	return next, false, nil
}

// AppendEvent assigns the next per-job sequence number and inserts the
// event. Only one writer appends per job (its worker, or the startup sweep
// after the worker is gone), so the max-seq read is race-free; the unique
// index on (job_id, seq) backs that assumption.
func (s *GormStorage) AppendEvent(ctx context.Context, ev *core.ProgressEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		err := tx.Model(&core.ProgressEvent{}).
			Where("job_id = ?", ev.JobID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return err
		}
		ev.Seq = maxSeq + 1
		return tx.Create(ev).Error
	})
}

// ListEvents returns a job's events in sequence order.
func (s *GormStorage) ListEvents(ctx context.Context, jobID string) ([]core.ProgressEvent, error) {
	var events []core.ProgressEvent
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("seq ASC").
		Find(&events).Error
	return events, err
}

// ClaimIdempotency inserts rec as in_progress. The insert is the single
// serialization point: on a unique-index collision the existing record is
// returned with claimed = false.
func (s *GormStorage) ClaimIdempotency(ctx context.Context, rec *core.IdempotencyRecord) (*core.IdempotencyRecord, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = core.IdemInProgress
	}
	if rec.ClaimedAt.IsZero() {
		rec.ClaimedAt = time.Now()
	}

	err := s.db.WithContext(ctx).Create(rec).Error
	if err == nil {
		return rec, true, nil
	}
	if !isDuplicateKey(err) {
		return nil, false, err
	}

	existing, gerr := s.GetIdempotency(ctx, rec.TenantID, rec.Scope, rec.Key)
	if gerr != nil {
		return nil, false, gerr
	}
	if existing == nil {
		// Lost the race and the winner vanished; surface the original error.
		return nil, false, err
	}
	return existing, false, nil
}

// GetIdempotency fetches a record by composite key. Returns nil when absent.
func (s *GormStorage) GetIdempotency(ctx context.Context, tenantID, scope, key string) (*core.IdempotencyRecord, error) {
	var rec core.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND scope = ? AND key = ?", tenantID, scope, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReclaimFailedIdempotency re-acquires a failed record for retry. Failed is
// not a permanent cache hit, unlike completed. The claim lease restarts for
// the new holder.
func (s *GormStorage) ReclaimFailedIdempotency(ctx context.Context, recordID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.IdempotencyRecord{}).
		Where("id = ? AND status = ?", recordID, core.IdemFailed).
		Updates(map[string]any{
			"status":       core.IdemInProgress,
			"last_error":   "",
			"result":       nil,
			"completed_at": nil,
			"claimed_at":   time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

// ExpireIdempotencyClaim fails a single in_progress record whose claim lease
// started before claimedBefore. The holder is presumed dead; failing the
// record makes it reclaimable through the normal retry path. Returns false
// when the record is already resolved or its lease is still current.
func (s *GormStorage) ExpireIdempotencyClaim(ctx context.Context, recordID string, claimedBefore time.Time) (bool, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.IdempotencyRecord{}).
		Where("id = ? AND status = ? AND claimed_at < ?", recordID, core.IdemInProgress, claimedBefore).
		Updates(map[string]any{
			"status":       core.IdemFailed,
			"last_error":   "claim lease expired",
			"completed_at": now,
		})
	return result.RowsAffected > 0, result.Error
}

// ExpireStaleIdempotency bulk-fails every in_progress record whose claim
// lease started before claimedBefore. Run periodically so keys abandoned by
// crashed claimants become retryable even when nobody asks for them again.
func (s *GormStorage) ExpireStaleIdempotency(ctx context.Context, claimedBefore time.Time) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.IdempotencyRecord{}).
		Where("status = ? AND claimed_at < ?", core.IdemInProgress, claimedBefore).
		Updates(map[string]any{
			"status":       core.IdemFailed,
			"last_error":   "claim lease expired",
			"completed_at": now,
		})
	return result.RowsAffected, result.Error
}

// ResolveIdempotency records the outcome of a claimed operation.
func (s *GormStorage) ResolveIdempotency(ctx context.Context, recordID string, status core.IdempotencyStatus, resultPayload []byte, errMsg string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.IdempotencyRecord{}).
		Where("id = ? AND status = ?", recordID, core.IdemInProgress).
		Updates(map[string]any{
			"status":       status,
			"result":       resultPayload,
			"last_error":   security.SanitizeErrorMessage(errMsg),
			"completed_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("engine: idempotency record %s is not in progress", recordID)
	}
	return nil
}

// CreateCampaign inserts a campaign, defaulting to draft.
func (s *GormStorage) CreateCampaign(ctx context.Context, c *core.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = core.CampaignDraft
	}
	return s.db.WithContext(ctx).Create(c).Error
}

// GetCampaign retrieves a campaign by ID. Returns nil when absent.
func (s *GormStorage) GetCampaign(ctx context.Context, campaignID string) (*core.Campaign, error) {
	var c core.Campaign
	err := s.db.WithContext(ctx).First(&c, "id = ?", campaignID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// BeginCampaignTransition locks the campaign row, verifies the precondition
// and writes the intermediate status in one short transaction. The lock is
// FOR UPDATE NOWAIT on Postgres; a held lock surfaces as core.ErrConflict,
// never as a queued wait.
func (s *GormStorage) BeginCampaignTransition(ctx context.Context, campaignID string, from, intermediate core.CampaignStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if s.supportsRowLocks() {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
		}

		var c core.Campaign
		if err := q.First(&c, "id = ?", campaignID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.ErrNotFound
			}
			if isLockUnavailable(err) {
				return core.ErrConflict
			}
			return err
		}
		if c.Status != from {
			return &core.PreconditionError{CampaignID: campaignID, Expected: from, Actual: c.Status}
		}

		result := tx.Model(&core.Campaign{}).
			Where("id = ? AND status = ?", campaignID, from).
			Update("status", intermediate)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Raced on a dialect without row locks.
			return core.ErrConflict
		}
		return nil
	})
}

// FinalizeCampaignTransition resolves the intermediate state to the target
// and appends a history record.
func (s *GormStorage) FinalizeCampaignTransition(ctx context.Context, campaignID string, intermediate, target core.CampaignStatus, detail string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.Campaign{}).
			Where("id = ? AND status = ?", campaignID, intermediate).
			Update("status", target)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return core.ErrUnknownState
		}
		return tx.Create(&core.TransitionRecord{
			CampaignID: campaignID,
			From:       intermediate,
			To:         target,
			Succeeded:  true,
			Detail:     detail,
		}).Error
	})
}

// RollbackCampaignTransition restores the prior state after a failed side
// effect and appends a failed-transition record.
func (s *GormStorage) RollbackCampaignTransition(ctx context.Context, campaignID string, intermediate, prior core.CampaignStatus, detail string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.Campaign{}).
			Where("id = ? AND status = ?", campaignID, intermediate).
			Update("status", prior)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return core.ErrUnknownState
		}
		return tx.Create(&core.TransitionRecord{
			CampaignID: campaignID,
			From:       intermediate,
			To:         prior,
			Succeeded:  false,
			Detail:     security.SanitizeErrorMessage(detail),
		}).Error
	})
}

// RecoverStaleCampaignTransition rolls a campaign out of an intermediate
// status stranded by a dead claimant and appends a failed-transition record.
// The update is guarded on updated_at: a live transition refreshed the row
// when it began, so only rows untouched since staleBefore are recovered.
func (s *GormStorage) RecoverStaleCampaignTransition(ctx context.Context, campaignID string, intermediate, prior core.CampaignStatus, staleBefore time.Time) (bool, error) {
	var recovered bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.Campaign{}).
			Where("id = ? AND status = ? AND updated_at < ?", campaignID, intermediate, staleBefore).
			Update("status", prior)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		recovered = true
		return tx.Create(&core.TransitionRecord{
			CampaignID: campaignID,
			From:       intermediate,
			To:         prior,
			Succeeded:  false,
			Detail:     "recovered stale transition",
		}).Error
	})
	return recovered, err
}

// ListTransitions returns a campaign's transition history oldest first.
func (s *GormStorage) ListTransitions(ctx context.Context, campaignID string) ([]core.TransitionRecord, error) {
	var records []core.TransitionRecord
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

// PurgeJobs removes settled jobs (terminal, or interrupted with a recorded
// successor) older than the cutoff, along with their events.
func (s *GormStorage) PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	var purged int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&core.Job{}).
			Where("(status IN ? AND completed_at < ?) OR (status = ? AND successor_id IS NOT NULL AND updated_at < ?)",
				[]core.JobStatus{core.StatusCompleted, core.StatusFailed, core.StatusCancelled}, olderThan,
				core.StatusInterrupted, olderThan).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&core.ProgressEvent{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&core.Job{})
		purged = result.RowsAffected
		return result.Error
	})
	return purged, err
}

// PurgeIdempotency removes resolved records whose TTL has passed. Records
// still in progress are skipped here; ExpireStaleIdempotency fails them once
// their claim lease lapses, after which the purge picks them up.
func (s *GormStorage) PurgeIdempotency(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ? AND status <> ?", now, core.IdemInProgress).
		Delete(&core.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
