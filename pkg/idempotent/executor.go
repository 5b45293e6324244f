// Package idempotent provides the at-most-once mutation executor.
//
// Execute guarantees that, for a fixed (tenant, scope, key), the wrapped
// operation runs at most once no matter how many callers race or retry.
// The serialization point is a unique-index insert in storage; everything
// else is replay or bounded waiting.
package idempotent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/campaignops/pipeline-engine/pkg/core"
	"github.com/campaignops/pipeline-engine/pkg/security"
	"github.com/campaignops/pipeline-engine/pkg/telemetry"
)

// Operation is the closure guarded by an idempotency claim. Its return
// value must be JSON-serializable; it is stored and replayed verbatim to
// later callers with the same key.
type Operation func(ctx context.Context) (any, error)

// Executor runs operations under idempotency claims.
//
// Policy for concurrent claims: an in-flight record is polled every
// PollInterval up to WaitTimeout, replaying the result if the first caller
// resolves in time; past the timeout the caller gets core.ErrConflict and
// must retry with backoff. Blocking forever would deadlock with client-side
// retry storms.
type Executor struct {
	storage core.Storage
	logger  *slog.Logger

	waitTimeout  time.Duration
	pollInterval time.Duration
	recordTTL    time.Duration
	claimLease   time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithWaitTimeout bounds the wait on an in-flight claim.
func WithWaitTimeout(d time.Duration) Option {
	return func(e *Executor) { e.waitTimeout = d }
}

// WithPollInterval sets how often an in-flight claim is re-checked.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.pollInterval = d }
}

// WithRecordTTL sets how long resolved records stay replayable before the
// retention sweeper may reclaim them.
func WithRecordTTL(d time.Duration) Option {
	return func(e *Executor) { e.recordTTL = d }
}

// WithClaimLease bounds how long a claim may sit in progress before a later
// caller treats its holder as dead and re-acquires the key. Must exceed the
// longest expected operation runtime.
func WithClaimLease(d time.Duration) Option {
	return func(e *Executor) { e.claimLease = d }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor on the given storage.
func NewExecutor(s core.Storage, opts ...Option) *Executor {
	e := &Executor{
		storage:      s,
		logger:       slog.Default(),
		waitTimeout:  2 * time.Second,
		pollInterval: 50 * time.Millisecond,
		recordTTL:    24 * time.Hour,
		claimLease:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs op at most once for the given key and returns its
// JSON-encoded result. fromCache is true when the result was replayed from
// a previously completed record instead of running op.
//
// A failed record is not a cache hit: a later call re-claims it and runs
// op again. An in-flight record is waited on up to the configured timeout,
// then refused with core.ErrConflict.
func (e *Executor) Execute(ctx context.Context, tenantID, scope, key string, op Operation) (json.RawMessage, bool, error) {
	if err := security.ValidateScope(scope); err != nil {
		return nil, false, err
	}
	if err := security.ValidateKey(key); err != nil {
		return nil, false, err
	}

	expires := time.Now().Add(e.recordTTL)
	rec, claimed, err := e.storage.ClaimIdempotency(ctx, &core.IdempotencyRecord{
		TenantID:  tenantID,
		Scope:     scope,
		Key:       key,
		ExpiresAt: &expires,
	})
	if err != nil {
		return nil, false, err
	}

	if !claimed {
		rec, claimed, err = e.resolveExisting(ctx, rec)
		if err != nil {
			return nil, false, err
		}
		if !claimed {
			// Resolved by the concurrent caller: replay.
			return rec.Result, true, nil
		}
	}

	telemetry.IdemClaims.Inc()
	return e.run(ctx, rec, op)
}

// resolveExisting handles the three states an already-present record can be
// in. It returns (record, true) when the claim was re-acquired for retry,
// and (record, false) when the record's stored result should be replayed.
func (e *Executor) resolveExisting(ctx context.Context, rec *core.IdempotencyRecord) (*core.IdempotencyRecord, bool, error) {
	for {
		switch rec.Status {
		case core.IdemCompleted:
			telemetry.IdemReplays.Inc()
			return rec, false, nil

		case core.IdemFailed:
			reclaimed, err := e.storage.ReclaimFailedIdempotency(ctx, rec.ID)
			if err != nil {
				return nil, false, err
			}
			if reclaimed {
				return rec, true, nil
			}
			// Lost the re-claim race; fall through to waiting on the winner.

		case core.IdemInProgress:
			// A lease that lapsed means the holder died before resolving.
			// Expire it to failed; the next loop pass re-claims it.
			if e.claimLease > 0 && time.Since(rec.ClaimedAt) > e.claimLease {
				expired, err := e.storage.ExpireIdempotencyClaim(ctx, rec.ID, time.Now().Add(-e.claimLease))
				if err != nil {
					return nil, false, err
				}
				if expired {
					e.logger.Warn("expired stale idempotency claim",
						"scope", rec.Scope, "key", rec.Key)
					rec.Status = core.IdemFailed
					continue
				}
			}
		}

		resolved, err := e.awaitResolution(ctx, rec)
		if err != nil {
			return nil, false, err
		}
		rec = resolved
		if rec.Status == core.IdemInProgress {
			telemetry.IdemConflicts.Inc()
			return nil, false, core.ErrConflict
		}
	}
}

// awaitResolution polls an in-flight record until it resolves or the wait
// budget runs out, in which case the record is returned still in progress.
func (e *Executor) awaitResolution(ctx context.Context, rec *core.IdempotencyRecord) (*core.IdempotencyRecord, error) {
	deadline := time.NewTimer(e.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return rec, nil
		case <-ticker.C:
			fresh, err := e.storage.GetIdempotency(ctx, rec.TenantID, rec.Scope, rec.Key)
			if err != nil {
				return nil, err
			}
			if fresh == nil {
				// Reclaimed by retention mid-wait; treat as conflict.
				return rec, nil
			}
			if fresh.Status != core.IdemInProgress {
				return fresh, nil
			}
		}
	}
}

// run executes op under a held claim and records the outcome. The result is
// written before the record flips to completed, so a replayer never sees a
// completed record without its payload.
//
// Outcome writes use a non-cancellable context: a caller that disconnects
// mid-operation must not strand the record in progress until its lease
// lapses.
func (e *Executor) run(ctx context.Context, rec *core.IdempotencyRecord, op Operation) (json.RawMessage, bool, error) {
	persistCtx := context.WithoutCancel(ctx)
	value, opErr := op(ctx)
	if opErr != nil {
		if rerr := e.storage.ResolveIdempotency(persistCtx, rec.ID, core.IdemFailed, nil, opErr.Error()); rerr != nil {
			e.logger.Error("failed to record operation failure",
				"scope", rec.Scope, "key", rec.Key, "error", rerr)
		}
		if errors.Is(opErr, core.ErrConflict) {
			telemetry.IdemConflicts.Inc()
			return nil, false, opErr
		}
		return nil, false, &core.ExecutionError{Err: opErr}
	}

	result, err := json.Marshal(value)
	if err != nil {
		if rerr := e.storage.ResolveIdempotency(persistCtx, rec.ID, core.IdemFailed, nil, err.Error()); rerr != nil {
			e.logger.Error("failed to record marshal failure",
				"scope", rec.Scope, "key", rec.Key, "error", rerr)
		}
		return nil, false, &core.ExecutionError{Err: err}
	}

	if err := e.storage.ResolveIdempotency(persistCtx, rec.ID, core.IdemCompleted, result, ""); err != nil {
		return nil, false, err
	}
	return result, false, nil
}
