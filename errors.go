package engine

import "github.com/campaignops/pipeline-engine/pkg/core"

// Outcome errors surfaced at the engine boundary.
var (
	// ErrConflict means a lock or idempotency claim is already held.
	// Retryable by the caller after backoff.
	ErrConflict = core.ErrConflict

	// ErrNotFound covers absent records and records owned by someone else.
	ErrNotFound = core.ErrNotFound

	// ErrNotCancellable is returned when cancelling a terminal job.
	ErrNotCancellable = core.ErrNotCancellable

	// ErrUnknownState means a rollback failed and the resource needs
	// inspection.
	ErrUnknownState = core.ErrUnknownState

	// ErrUnknownPipeline is returned for unregistered pipeline types.
	ErrUnknownPipeline = core.ErrUnknownPipeline

	// ErrInputTooLarge is returned when job input exceeds the size limit.
	ErrInputTooLarge = core.ErrInputTooLarge
)

// Typed errors.
type (
	// NotRecoverableError is returned when a job cannot be restarted.
	NotRecoverableError = core.NotRecoverableError

	// ExecutionError wraps the error produced by a wrapped operation.
	ExecutionError = core.ExecutionError

	// PreconditionError reports a resource transition precondition failure.
	PreconditionError = core.PreconditionError
)

// Recovery refusal reasons.
const (
	RefusalNotInterrupted      = core.RefusalNotInterrupted
	RefusalMaxAttemptsExceeded = core.RefusalMaxAttemptsExceeded
)
