package idempotent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/campaignops/pipeline-engine/pkg/core"
)

// TransitionSpec describes a guarded campaign status transition: verify the
// resource is in From, hold it in Intermediate while SideEffect runs
// outside any lock, then finalize to Target or roll back to From.
type TransitionSpec struct {
	CampaignID   string
	From         core.CampaignStatus
	Intermediate core.CampaignStatus
	Target       core.CampaignStatus

	// SideEffect is the long-running, non-transactional work (ad network
	// calls, budget reservations). It runs with no database lock held.
	SideEffect func(ctx context.Context) error

	// Detail is recorded on the transition-history row.
	Detail string
}

// TransitionResult is the stored result of a completed transition,
// replayed to retries of the same request.
type TransitionResult struct {
	CampaignID string              `json:"campaign_id"`
	Status     core.CampaignStatus `json:"status"`
}

// Transition runs a campaign status transition exactly once per
// (tenant, scope, key). Two layers of protection compose here: retries of
// the identical request are deduplicated by the idempotency key, while
// different requests racing on the same campaign are rejected by the row
// lock and status precondition with core.ErrConflict.
//
// The row lock covers only the precondition check and the intermediate
// status write. The side effect runs unlocked; on failure the campaign is
// rolled back to its prior status and a failed-transition record is
// appended. If the rollback itself fails the error wraps
// core.ErrUnknownState: the campaign may still be in the intermediate
// status and needs inspection.
//
// A claimant that died mid-transition leaves the campaign stranded in the
// intermediate status. When Begin finds the campaign there and the row has
// not moved for a full claim lease, the stranded transition is rolled back
// and Begin retried once.
func (e *Executor) Transition(ctx context.Context, tenantID, scope, key string, spec TransitionSpec) (TransitionResult, bool, error) {
	op := func(ctx context.Context) (any, error) {
		if err := e.beginWithRecovery(ctx, spec); err != nil {
			return nil, err
		}

		// Finalize and rollback use a non-cancellable context so a caller
		// disconnect cannot strand the intermediate status.
		persistCtx := context.WithoutCancel(ctx)
		if err := spec.SideEffect(ctx); err != nil {
			rollbackErr := e.storage.RollbackCampaignTransition(persistCtx, spec.CampaignID, spec.Intermediate, spec.From, err.Error())
			if rollbackErr != nil {
				e.logger.Error("rollback failed after side effect failure",
					"campaign_id", spec.CampaignID, "side_effect_error", err, "rollback_error", rollbackErr)
				return nil, fmt.Errorf("%w: side effect: %v, rollback: %v", core.ErrUnknownState, err, rollbackErr)
			}
			return nil, err
		}

		if err := e.storage.FinalizeCampaignTransition(persistCtx, spec.CampaignID, spec.Intermediate, spec.Target, spec.Detail); err != nil {
			return nil, err
		}
		return TransitionResult{CampaignID: spec.CampaignID, Status: spec.Target}, nil
	}

	raw, fromCache, err := e.Execute(ctx, tenantID, scope, key, op)
	if err != nil {
		return TransitionResult{}, false, err
	}

	var result TransitionResult
	if uerr := json.Unmarshal(raw, &result); uerr != nil {
		return TransitionResult{}, fromCache, fmt.Errorf("engine: decode transition result: %w", uerr)
	}
	return result, fromCache, nil
}

// beginWithRecovery begins the transition, first rolling back a campaign
// stranded in the intermediate status by a dead claimant. Recovery is guarded
// on the row's updated_at, so a transition that is merely slow keeps its
// claim.
func (e *Executor) beginWithRecovery(ctx context.Context, spec TransitionSpec) error {
	err := e.storage.BeginCampaignTransition(ctx, spec.CampaignID, spec.From, spec.Intermediate)
	if e.claimLease <= 0 {
		return err
	}
	var pre *core.PreconditionError
	if !errors.As(err, &pre) || pre.Actual != spec.Intermediate {
		return err
	}
	recovered, rerr := e.storage.RecoverStaleCampaignTransition(ctx, spec.CampaignID, spec.Intermediate, spec.From, time.Now().Add(-e.claimLease))
	if rerr != nil {
		return rerr
	}
	if !recovered {
		return err
	}
	e.logger.Warn("recovered stranded campaign transition",
		"campaign_id", spec.CampaignID, "intermediate", string(spec.Intermediate))
	return e.storage.BeginCampaignTransition(ctx, spec.CampaignID, spec.From, spec.Intermediate)
}

// IsConflict reports whether err is a retryable conflict: a held row lock,
// a failed precondition, or an in-flight idempotency claim.
func IsConflict(err error) bool {
	return errors.Is(err, core.ErrConflict)
}
