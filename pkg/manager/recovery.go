package manager

import (
	"context"
	"encoding/json"
	"time"

	"github.com/campaignops/pipeline-engine/pkg/core"
	"github.com/campaignops/pipeline-engine/pkg/telemetry"
)

// sweepInterrupted reclassifies jobs left in running by a dead worker. Runs
// once, before this process claims any work, so every running row it finds
// is stale.
func (m *Manager) sweepInterrupted(ctx context.Context) error {
	stale, err := m.storage.SweepInterrupted(ctx)
	if err != nil {
		return err
	}
	for _, job := range stale {
		telemetry.JobsInterrupted.Inc()
		m.appendAndPublish(ctx, job.ID, core.EventInterrupted,
			errorPayload("job interrupted by process restart"))
		m.logger.Warn("job interrupted", "job_id", job.ID, "type", job.Type,
			"recovery_attempts", job.RecoveryAttempts)
	}
	return nil
}

// RecoveryInfo reports whether an interrupted job may be restarted.
type RecoveryInfo struct {
	Recoverable bool   `json:"recoverable"`
	Reason      string `json:"reason,omitempty"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	SuccessorID string `json:"successor_id,omitempty"`
}

func recoveryInfoFor(job *core.Job) RecoveryInfo {
	info := RecoveryInfo{
		Attempts:    job.RecoveryAttempts,
		MaxAttempts: job.MaxRecoveryAttempts,
	}
	if job.SuccessorID != nil {
		info.SuccessorID = *job.SuccessorID
	}
	switch {
	case job.Status != core.StatusInterrupted:
		info.Reason = core.RefusalNotInterrupted
	case job.RecoveryAttempts >= job.MaxRecoveryAttempts:
		info.Reason = core.RefusalMaxAttemptsExceeded
	default:
		info.Recoverable = true
	}
	return info
}

// RecoveryInfo reports a job's recovery eligibility and attempt counters.
func (m *Manager) RecoveryInfo(ctx context.Context, tenantID, ownerID, jobID string) (RecoveryInfo, error) {
	job, err := m.getJobOwned(ctx, tenantID, ownerID, jobID)
	if err != nil {
		return RecoveryInfo{}, err
	}
	return recoveryInfoFor(job), nil
}

// RestartResult reports the job created by a successful restart.
type RestartResult struct {
	NewJobID          string
	EstimatedDuration time.Duration
}

// Restart creates a new job seeded with an interrupted job's input. The
// original job is never mutated beyond its successor link; it stays a
// permanent historical record. Restarting the same job twice replays the
// first successor instead of forking the recovery chain. A job that is not
// interrupted, or whose attempt limit is exhausted, is refused with a
// NotRecoverableError.
func (m *Manager) Restart(ctx context.Context, tenantID, ownerID, jobID string) (RestartResult, error) {
	job, err := m.getJobOwned(ctx, tenantID, ownerID, jobID)
	if err != nil {
		return RestartResult{}, err
	}

	if info := recoveryInfoFor(job); !info.Recoverable && info.SuccessorID == "" {
		return RestartResult{}, &core.NotRecoverableError{JobID: job.ID, Reason: info.Reason}
	}

	input := make(json.RawMessage, len(job.Input))
	copy(input, job.Input)

	next := &core.Job{
		TenantID:            job.TenantID,
		OwnerID:             job.OwnerID,
		Type:                job.Type,
		Input:               input,
		Status:              core.StatusPending,
		RecoveryAttempts:    job.RecoveryAttempts + 1,
		MaxRecoveryAttempts: job.MaxRecoveryAttempts,
		PredecessorID:       &job.ID,
	}

	created, replayed, err := m.storage.CreateRecoveryJob(ctx, job.ID, next)
	if err != nil {
		return RestartResult{}, err
	}
	if !replayed {
		telemetry.JobsRecovered.Inc()
		m.logger.Info("job restarted", "job_id", job.ID, "new_job_id", created.ID,
			"attempt", created.RecoveryAttempts)
		m.wakeDispatcher(created.ID)
	}

	return RestartResult{
		NewJobID:          created.ID,
		EstimatedDuration: m.estimate(created.Type),
	}, nil
}
