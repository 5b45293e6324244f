// Package core provides the domain models and interfaces for the engine.
package core

import (
	"time"
)

// Job represents one asynchronous pipeline execution. A job row is written
// before any work starts and is never mutated by status readers; only the
// worker that owns it and the startup recovery sweep write to it.
type Job struct {
	ID       string `gorm:"primaryKey;size:36"`
	TenantID string `gorm:"index:idx_jobs_tenant;size:64;not null"`
	OwnerID  string `gorm:"index:idx_jobs_tenant;size:64;not null"`
	Type     string `gorm:"index;size:255;not null"`
	Input    []byte `gorm:"type:bytes"`

	Status    JobStatus `gorm:"index;size:20;default:'pending'"`
	Result    []byte    `gorm:"type:bytes"` // Set iff Status == completed
	LastError string    `gorm:"type:text"`

	// Recovery chain. A job created by recovery carries its predecessor's
	// id and an incremented attempt counter; the predecessor records its
	// successor so a repeated restart call replays the same new job.
	RecoveryAttempts    int     `gorm:"default:0"`
	MaxRecoveryAttempts int     `gorm:"default:3"`
	PredecessorID       *string `gorm:"index;size:36"`
	SuccessorID         *string `gorm:"size:36"`

	// IdempotencyKey binds this job to a create-request key. NULL keys do
	// not collide; non-NULL keys are unique per tenant, not per owner. A
	// second user in the same tenant reusing a key is handed the existing
	// job's id, and reads of it then fail the ownership check. Callers that
	// want per-user keys must namespace the key themselves.
	KeyTenantID    *string `gorm:"uniqueIndex:ux_jobs_tenant_key,priority:1;size:64"`
	IdempotencyKey *string `gorm:"uniqueIndex:ux_jobs_tenant_key,priority:2;size:255"`

	LockedBy    string `gorm:"size:255"` // Worker uuid while running
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// Campaign is the resource guarded by idempotent transitions. Launching is
// the only state a reader may observe while the launch side effect is in
// flight; it always resolves to active or rolls back to draft.
type Campaign struct {
	ID        string         `gorm:"primaryKey;size:36"`
	TenantID  string         `gorm:"index;size:64;not null"`
	Name      string         `gorm:"size:255;not null"`
	Status    CampaignStatus `gorm:"size:20;default:'draft'"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime"`
}

// TransitionRecord is the append-only history of campaign status
// transitions, including failed attempts and their rollbacks.
type TransitionRecord struct {
	ID         uint64         `gorm:"primaryKey;autoIncrement"`
	CampaignID string         `gorm:"index;size:36;not null"`
	From       CampaignStatus `gorm:"size:20;not null"`
	To         CampaignStatus `gorm:"size:20;not null"`
	Succeeded  bool           `gorm:"not null"`
	Detail     string         `gorm:"type:text"`
	CreatedAt  time.Time      `gorm:"autoCreateTime"`
}
