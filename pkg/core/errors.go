package core

import (
	"errors"
	"fmt"
)

// Validation errors
var (
	ErrInvalidPipelineName = errors.New("engine: invalid pipeline type name (must be alphanumeric, start with letter)")
	ErrPipelineNameTooLong = errors.New("engine: pipeline type name too long")
	ErrInvalidScope        = errors.New("engine: invalid idempotency scope")
	ErrInvalidKey          = errors.New("engine: idempotency key must not be empty")
	ErrKeyTooLong          = errors.New("engine: idempotency key exceeds maximum length")
	ErrInputTooLarge       = errors.New("engine: job input exceeds size limit")
	ErrUnknownPipeline     = errors.New("engine: no pipeline registered")
)

// Outcome errors surfaced at the engine boundary.
var (
	// ErrConflict means a lock or idempotency claim is already held by
	// another caller. Retryable after backoff; the engine never retries it
	// on the caller's behalf.
	ErrConflict = errors.New("engine: operation already in progress")

	// ErrNotFound covers both absent records and records owned by someone
	// else, so existence is never leaked to a non-owner.
	ErrNotFound = errors.New("engine: not found")

	// ErrNotCancellable is returned when cancelling a job that is already
	// in a terminal state.
	ErrNotCancellable = errors.New("engine: job not cancellable")

	// ErrJobNotOwned means a worker tried to write a job it does not hold.
	ErrJobNotOwned = errors.New("engine: job not owned by this worker")

	// ErrUnknownState means a rollback failed after a side effect failed;
	// the resource may be in the intermediate state and needs inspection.
	ErrUnknownState = errors.New("engine: resource left in unknown state")
)

// Recovery refusal reasons.
const (
	RefusalNotInterrupted      = "not_interrupted"
	RefusalMaxAttemptsExceeded = "max_attempts_exceeded"
)

// NotRecoverableError is returned when a job cannot be restarted.
type NotRecoverableError struct {
	JobID  string
	Reason string // RefusalNotInterrupted or RefusalMaxAttemptsExceeded
}

func (e *NotRecoverableError) Error() string {
	return fmt.Sprintf("engine: job %s not recoverable: %s", e.JobID, e.Reason)
}

// ExecutionError wraps the error produced by a wrapped operation or pipeline
// handler. The failure is recorded on the job or idempotency record; the
// wrapped cause is preserved for the immediate caller.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("engine: execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// PreconditionError is returned when a resource transition finds the
// resource in a state other than the expected one. It unwraps to
// ErrConflict: a racing request has already moved the resource.
type PreconditionError struct {
	CampaignID string
	Expected   CampaignStatus
	Actual     CampaignStatus
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("engine: campaign %s is %s, expected %s", e.CampaignID, e.Actual, e.Expected)
}

func (e *PreconditionError) Unwrap() error {
	return ErrConflict
}
