package core

import "time"

// IdempotencyStatus represents the state of an idempotency record.
type IdempotencyStatus string

const (
	IdemInProgress IdempotencyStatus = "in_progress"
	IdemCompleted  IdempotencyStatus = "completed"
	IdemFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord caches the outcome of a keyed mutation. The composite
// unique index on (tenant, scope, key) is the single serialization point:
// whoever inserts the row owns the claim and runs the operation; everyone
// else waits for resolution or replays the stored result.
//
// Completed records are permanent cache hits within their TTL. Failed
// records are not: a later caller may re-claim them and retry.
type IdempotencyRecord struct {
	ID       string `gorm:"primaryKey;size:36"`
	TenantID string `gorm:"uniqueIndex:ux_idem_tenant_scope_key,priority:1;size:64;not null"`
	Scope    string `gorm:"uniqueIndex:ux_idem_tenant_scope_key,priority:2;size:255;not null"`
	Key      string `gorm:"uniqueIndex:ux_idem_tenant_scope_key,priority:3;size:255;not null"`

	Status    IdempotencyStatus `gorm:"size:20;not null;default:'in_progress'"`
	Result    []byte            `gorm:"type:bytes"`
	LastError string            `gorm:"type:text"`

	// ClaimedAt is the lease marker for in_progress records. It is set on
	// every claim acquisition, including re-claims of failed records; a
	// record whose lease has lapsed belongs to a dead claimant and may be
	// expired to failed.
	ClaimedAt time.Time `gorm:"not null"`

	CreatedAt   time.Time `gorm:"autoCreateTime"`
	CompletedAt *time.Time
	ExpiresAt   *time.Time `gorm:"index"` // Reclaimed by the retention sweeper once past
}
