package core

import (
	"encoding/json"
	"time"
)

// EventKind classifies progress events.
type EventKind string

const (
	EventProgress    EventKind = "progress"
	EventComplete    EventKind = "complete"
	EventError       EventKind = "error"
	EventInterrupted EventKind = "interrupted"
)

// TerminatesStream reports whether a stream watching the job should close
// after delivering this kind of event.
func (k EventKind) TerminatesStream() bool {
	return k == EventComplete || k == EventError || k == EventInterrupted
}

// ProgressEvent is one entry in a job's append-only event log. Events are
// immutable once written; Seq is strictly increasing per job, so a replay
// from storage always reproduces the sequence a live subscriber saw.
type ProgressEvent struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement" json:"-"`
	JobID     string          `gorm:"uniqueIndex:ux_events_job_seq,priority:1;size:36;not null" json:"job_id"`
	Seq       int             `gorm:"uniqueIndex:ux_events_job_seq,priority:2;not null" json:"seq"`
	Kind      EventKind       `gorm:"size:20;not null" json:"kind"`
	Payload   json.RawMessage `gorm:"type:bytes" json:"payload,omitempty"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"at"`
}
