package idempotent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaignops/pipeline-engine/pkg/core"
)

func TestExecute_RunsOperationOnce(t *testing.T) {
	exec := NewExecutor(openTestStorage(t))
	ctx := context.Background()

	var calls atomic.Int32
	op := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return map[string]string{"campaign_id": "c1"}, nil
	}

	raw, fromCache, err := exec.Execute(ctx, "t1", "campaign-launch", "req-1", op)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.JSONEq(t, `{"campaign_id":"c1"}`, string(raw))

	raw, fromCache, err = exec.Execute(ctx, "t1", "campaign-launch", "req-1", op)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.JSONEq(t, `{"campaign_id":"c1"}`, string(raw))

	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_KeysAreScopedAndTenantIsolated(t *testing.T) {
	exec := NewExecutor(openTestStorage(t))
	ctx := context.Background()

	var calls atomic.Int32
	op := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "ok", nil
	}

	_, _, err := exec.Execute(ctx, "t1", "campaign-launch", "req-1", op)
	require.NoError(t, err)
	_, _, err = exec.Execute(ctx, "t1", "campaign-pause", "req-1", op)
	require.NoError(t, err)
	_, _, err = exec.Execute(ctx, "t2", "campaign-launch", "req-1", op)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_ValidatesScopeAndKey(t *testing.T) {
	exec := NewExecutor(openTestStorage(t))
	ctx := context.Background()
	op := func(ctx context.Context) (any, error) { return nil, nil }

	_, _, err := exec.Execute(ctx, "t1", "bad scope", "req-1", op)
	assert.ErrorIs(t, err, core.ErrInvalidScope)

	_, _, err = exec.Execute(ctx, "t1", "campaign-launch", "", op)
	assert.ErrorIs(t, err, core.ErrInvalidKey)
}

func TestExecute_ConcurrentCallersShareOneExecution(t *testing.T) {
	exec := NewExecutor(openTestStorage(t), WithWaitTimeout(5*time.Second))
	ctx := context.Background()

	var calls atomic.Int32
	op := func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return "winner", nil
	}

	const callers = 6
	type outcome struct {
		raw json.RawMessage
		err error
	}
	results := make(chan outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, _, err := exec.Execute(ctx, "t1", "campaign-launch", "req-1", op)
			results <- outcome{raw, err}
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		require.NoError(t, r.err)
		assert.JSONEq(t, `"winner"`, string(r.raw))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_FailedRecordAllowsRetry(t *testing.T) {
	store := openTestStorage(t)
	exec := NewExecutor(store)
	ctx := context.Background()

	cause := errors.New("ad network timeout")
	fail := func(ctx context.Context) (any, error) { return nil, cause }

	_, _, err := exec.Execute(ctx, "t1", "campaign-launch", "req-1", fail)
	var execErr *core.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, cause)

	rec, err := store.GetIdempotency(ctx, "t1", "campaign-launch", "req-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, core.IdemFailed, rec.Status)

	// Failure is not cached: the retry runs the operation again.
	raw, fromCache, err := exec.Execute(ctx, "t1", "campaign-launch", "req-1", func(ctx context.Context) (any, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.JSONEq(t, `"recovered"`, string(raw))
}

func TestExecute_InFlightClaimTimesOutWithConflict(t *testing.T) {
	store := openTestStorage(t)
	slow := NewExecutor(store)
	fast := NewExecutor(store, WithWaitTimeout(150*time.Millisecond), WithPollInterval(20*time.Millisecond))
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, firstErr = slow.Execute(ctx, "t1", "campaign-launch", "req-1", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "late", nil
		})
	}()

	<-started
	_, _, err := fast.Execute(ctx, "t1", "campaign-launch", "req-1", func(ctx context.Context) (any, error) {
		t.Error("second caller must not run the operation")
		return nil, nil
	})
	assert.ErrorIs(t, err, core.ErrConflict)

	close(release)
	<-done
	require.NoError(t, firstErr)
}

func TestExecute_WaiterReplaysWinnerResult(t *testing.T) {
	store := openTestStorage(t)
	exec := NewExecutor(store, WithWaitTimeout(3*time.Second), WithPollInterval(20*time.Millisecond))
	ctx := context.Background()

	started := make(chan struct{})
	var winnerErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, winnerErr = exec.Execute(ctx, "t1", "campaign-launch", "req-1", func(ctx context.Context) (any, error) {
			close(started)
			time.Sleep(100 * time.Millisecond)
			return "settled", nil
		})
	}()

	<-started
	raw, fromCache, err := exec.Execute(ctx, "t1", "campaign-launch", "req-1", func(ctx context.Context) (any, error) {
		t.Error("waiter must not run the operation")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.JSONEq(t, `"settled"`, string(raw))

	<-done
	require.NoError(t, winnerErr)
}

func TestExecute_DeadClaimantKeyRecovered(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	// A claim whose holder died long ago, never resolved.
	_, claimed, err := store.ClaimIdempotency(ctx, &core.IdempotencyRecord{
		TenantID: "t1", Scope: "campaign-launch", Key: "req-1",
		ClaimedAt: time.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, claimed)

	exec := NewExecutor(store, WithClaimLease(time.Minute))

	var calls atomic.Int32
	raw, fromCache, err := exec.Execute(ctx, "t1", "campaign-launch", "req-1", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.JSONEq(t, `"recovered"`, string(raw))
	assert.Equal(t, int32(1), calls.Load())

	// The key behaves normally afterwards.
	_, fromCache, err = exec.Execute(ctx, "t1", "campaign-launch", "req-1", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_ResolvesDespiteCallerCancel(t *testing.T) {
	store := openTestStorage(t)
	exec := NewExecutor(store)

	callerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	raw, _, err := exec.Execute(callerCtx, "t1", "campaign-launch", "req-1", func(ctx context.Context) (any, error) {
		// Caller disconnects while the operation is still running.
		cancel()
		return "settled", nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"settled"`, string(raw))

	rec, err := store.GetIdempotency(context.Background(), "t1", "campaign-launch", "req-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, core.IdemCompleted, rec.Status)
}

func newDraftCampaign(t *testing.T, store core.Storage) *core.Campaign {
	t.Helper()
	c := &core.Campaign{TenantID: "t1", Name: "spring-sale"}
	require.NoError(t, store.CreateCampaign(context.Background(), c))
	return c
}

func launchSpec(campaignID string, sideEffect func(ctx context.Context) error) TransitionSpec {
	return TransitionSpec{
		CampaignID:   campaignID,
		From:         core.CampaignDraft,
		Intermediate: core.CampaignLaunching,
		Target:       core.CampaignActive,
		SideEffect:   sideEffect,
		Detail:       "launch",
	}
}

func TestTransition_Succeeds(t *testing.T) {
	store := openTestStorage(t)
	exec := NewExecutor(store)
	ctx := context.Background()
	c := newDraftCampaign(t, store)

	var effects atomic.Int32
	result, fromCache, err := exec.Transition(ctx, "t1", "campaign-launch", "req-1",
		launchSpec(c.ID, func(ctx context.Context) error {
			effects.Add(1)
			return nil
		}))
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, core.CampaignActive, result.Status)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CampaignActive, got.Status)

	// Retrying the same request replays without re-running the side effect.
	result, fromCache, err = exec.Transition(ctx, "t1", "campaign-launch", "req-1",
		launchSpec(c.ID, func(ctx context.Context) error {
			effects.Add(1)
			return nil
		}))
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, core.CampaignActive, result.Status)
	assert.Equal(t, int32(1), effects.Load())

	history, err := store.ListTransitions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Succeeded)
}

func TestTransition_DifferentRequestConflicts(t *testing.T) {
	store := openTestStorage(t)
	exec := NewExecutor(store)
	ctx := context.Background()
	c := newDraftCampaign(t, store)

	_, _, err := exec.Transition(ctx, "t1", "campaign-launch", "req-1",
		launchSpec(c.ID, func(ctx context.Context) error { return nil }))
	require.NoError(t, err)

	// A different request for the same campaign fails its precondition.
	_, _, err = exec.Transition(ctx, "t1", "campaign-launch", "req-2",
		launchSpec(c.ID, func(ctx context.Context) error {
			t.Error("side effect must not run when the precondition fails")
			return nil
		}))
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CampaignActive, got.Status)

	history, err := store.ListTransitions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTransition_ConcurrentRequestsOneWinner(t *testing.T) {
	store := openTestStorage(t)
	exec := NewExecutor(store)
	ctx := context.Background()
	c := newDraftCampaign(t, store)

	// Two distinct requests race on the same campaign: exactly one
	// transition lands, the other observes a conflict, and the campaign
	// never ends up stuck in the intermediate status.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, key := range []string{"req-1", "req-2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _, err := exec.Transition(ctx, "t1", "campaign-launch", key,
				launchSpec(c.ID, func(ctx context.Context) error {
					time.Sleep(30 * time.Millisecond)
					return nil
				}))
			errs <- err
		}(key)
	}
	wg.Wait()
	close(errs)

	successes, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CampaignActive, got.Status)

	history, err := store.ListTransitions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTransition_RollsBackOnSideEffectFailure(t *testing.T) {
	store := openTestStorage(t)
	exec := NewExecutor(store)
	ctx := context.Background()
	c := newDraftCampaign(t, store)

	cause := errors.New("budget reservation refused")
	_, _, err := exec.Transition(ctx, "t1", "campaign-launch", "req-1",
		launchSpec(c.ID, func(ctx context.Context) error { return cause }))
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CampaignDraft, got.Status)

	history, err := store.ListTransitions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Succeeded)
	assert.Equal(t, core.CampaignDraft, history[0].To)
	assert.Contains(t, history[0].Detail, "budget reservation refused")
}

func TestTransition_RollbackFailureIsUnknownState(t *testing.T) {
	store := openTestStorage(t)
	exec := NewExecutor(store)
	ctx := context.Background()
	c := newDraftCampaign(t, store)

	// The side effect moves the campaign out of the intermediate status
	// behind the executor's back, so the rollback finds nothing to undo.
	_, _, err := exec.Transition(ctx, "t1", "campaign-launch", "req-1",
		launchSpec(c.ID, func(ctx context.Context) error {
			require.NoError(t, store.FinalizeCampaignTransition(ctx, c.ID, core.CampaignLaunching, core.CampaignArchived, "hijack"))
			return errors.New("side effect failed")
		}))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnknownState)
}

func TestTransition_RecoversStrandedCampaign(t *testing.T) {
	store, db := openTestStorageDB(t)
	ctx := context.Background()
	c := newDraftCampaign(t, store)

	// A claimant began the transition and died: the claim is stale and the
	// campaign is stranded in launching.
	_, claimed, err := store.ClaimIdempotency(ctx, &core.IdempotencyRecord{
		TenantID: "t1", Scope: "campaign-launch", Key: "req-1",
		ClaimedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.BeginCampaignTransition(ctx, c.ID, core.CampaignDraft, core.CampaignLaunching))
	require.NoError(t, db.Model(&core.Campaign{}).
		Where("id = ?", c.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	exec := NewExecutor(store, WithClaimLease(time.Minute))

	var effects atomic.Int32
	result, fromCache, err := exec.Transition(ctx, "t1", "campaign-launch", "req-1",
		launchSpec(c.ID, func(ctx context.Context) error {
			effects.Add(1)
			return nil
		}))
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, core.CampaignActive, result.Status)
	assert.Equal(t, int32(1), effects.Load())

	got, err := store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CampaignActive, got.Status)

	// History shows the stranded attempt rolled back, then the retry landing.
	history, err := store.ListTransitions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].Succeeded)
	assert.Equal(t, core.CampaignDraft, history[0].To)
	assert.True(t, history[1].Succeeded)
	assert.Equal(t, core.CampaignActive, history[1].To)
}
