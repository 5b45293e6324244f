// Package jobrun provides context plumbing between the worker loop and
// pipeline handlers.
package jobrun

import (
	"context"

	"github.com/campaignops/pipeline-engine/pkg/core"
)

// RunContextKey is the key for storing the run context in context.Context.
type RunContextKey struct{}

// RunContext holds the executing job and the append hook wired in by the
// worker. Append persists a progress event before publishing it.
type RunContext struct {
	Job    *core.Job
	Append func(ctx context.Context, kind core.EventKind, payload []byte) error
}

// GetRunContext retrieves the run context from a context.Context.
func GetRunContext(ctx context.Context) *RunContext {
	if rc, ok := ctx.Value(RunContextKey{}).(*RunContext); ok {
		return rc
	}
	return nil
}

// WithRunContext adds the run context to a context.Context.
func WithRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, RunContextKey{}, rc)
}
