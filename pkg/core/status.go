package core

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusRunning     JobStatus = "running"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
	StatusInterrupted JobStatus = "interrupted" // Worker died without recording a terminal status
)

// jobTransitions is the closed transition table. A status not present as a
// key admits no further transitions on the same job row; recovery from
// interrupted always creates a new job.
var jobTransitions = map[JobStatus][]JobStatus{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted},
}

// CanTransition reports whether s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, t := range jobTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further work on this job row:
// completed, failed or cancelled. Interrupted is not terminal in this sense,
// being the entry point for recovery, but it also admits no transition on
// the row that carries it.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the job still has a worker ahead of it.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	}
	return false
}

// CampaignStatus represents the lifecycle state of a campaign resource.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignLaunching CampaignStatus = "launching" // Intermediate, visible while the launch side effect runs
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignArchived  CampaignStatus = "archived"
)

// Valid reports whether s is one of the known campaign statuses.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignLaunching, CampaignActive, CampaignPaused, CampaignArchived:
		return true
	}
	return false
}
