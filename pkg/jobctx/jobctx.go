// Package jobctx provides public access to the job run context for handlers.
package jobctx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/campaignops/pipeline-engine/pkg/core"
	"github.com/campaignops/pipeline-engine/pkg/internal/jobrun"
)

// JobFromContext returns the current Job from context, or nil if not in a
// pipeline handler. Use this to get the job ID for logging.
func JobFromContext(ctx context.Context) *core.Job {
	rc := jobrun.GetRunContext(ctx)
	if rc == nil {
		return nil
	}
	return rc.Job
}

// JobIDFromContext returns the current job ID from context, or empty string
// if not in a pipeline handler.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// Progress records a progress event for the current job. The event is
// persisted before it is published to live watchers, and the call doubles
// as a cancellation checkpoint: once the job's context is cancelled, it
// returns the context error and the handler should unwind.
func Progress(ctx context.Context, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rc := jobrun.GetRunContext(ctx)
	if rc == nil {
		return fmt.Errorf("jobctx: Progress must be used within a pipeline handler")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jobctx: marshal progress payload: %w", err)
	}
	return rc.Append(ctx, core.EventProgress, data)
}

// Checkpoint reports whether the current job has been cancelled. Handlers
// that do long stretches of work without reporting progress should call
// this at step boundaries.
func Checkpoint(ctx context.Context) error {
	return ctx.Err()
}
