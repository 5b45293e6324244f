package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreconditionErrorUnwrapsToConflict(t *testing.T) {
	err := &PreconditionError{CampaignID: "c1", Expected: CampaignDraft, Actual: CampaignActive}
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "c1")
	assert.Contains(t, err.Error(), "expected draft")
}

func TestExecutionErrorPreservesCause(t *testing.T) {
	cause := errors.New("segment service unavailable")
	err := &ExecutionError{Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestNotRecoverableError(t *testing.T) {
	err := &NotRecoverableError{JobID: "j1", Reason: RefusalMaxAttemptsExceeded}

	var target *NotRecoverableError
	assert.ErrorAs(t, fmt.Errorf("restart: %w", err), &target)
	assert.Equal(t, "j1", target.JobID)
	assert.Equal(t, RefusalMaxAttemptsExceeded, target.Reason)
}
