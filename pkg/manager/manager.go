// Package manager provides the job lifecycle manager: creation with
// idempotency-key deduplication, a worker pool executing pipelines,
// cooperative cancellation, and crash recovery.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campaignops/pipeline-engine/pkg/bus"
	"github.com/campaignops/pipeline-engine/pkg/core"
	"github.com/campaignops/pipeline-engine/pkg/internal/handler"
	"github.com/campaignops/pipeline-engine/pkg/security"
)

// errJobCancelled is the cancellation cause distinguishing an owner's
// cancel request from process shutdown. A shut-down worker leaves its job
// in running so the next startup sweeps it to interrupted; a cancelled job
// records the cancelled terminal state.
var errJobCancelled = errors.New("job cancelled by owner")

// Manager creates, runs, cancels and recovers jobs.
type Manager struct {
	storage  core.Storage
	bus      *bus.Bus
	logger   *slog.Logger
	cfg      Config
	workerID string

	mu        sync.RWMutex
	pipelines map[string]*handler.Handler

	// Running job cancellation registry. Cancellation is cooperative:
	// handlers observe it at progress checkpoints.
	runningMu sync.Mutex
	running   map[string]context.CancelCauseFunc

	// wake carries job ids from Create/Restart straight to the dispatcher
	// so fresh jobs don't wait out a poll interval.
	wake chan string

	wg sync.WaitGroup
}

// New creates a Manager on the given storage and bus.
func New(s core.Storage, b *bus.Bus, opts ...Option) *Manager {
	m := &Manager{
		storage:  s,
		bus:      b,
		logger:   slog.Default(),
		workerID: uuid.New().String(),
		cfg: Config{
			Concurrency:         10,
			PollInterval:        100 * time.Millisecond,
			MaxRecoveryAttempts: 3,
		},
		pipelines: make(map[string]*handler.Handler),
		running:   make(map[string]context.CancelCauseFunc),
		wake:      make(chan string, 256),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		m.cfg.StorageRetry = &defaultCfg
	}
	return m
}

// Register registers a pipeline handler. The function must have signature
// func(ctx context.Context, args T) error or
// func(ctx context.Context, args T) (R, error).
// Pipeline type names must be alphanumeric (starting with a letter).
func (m *Manager) Register(name string, fn any, opts ...RegisterOption) {
	if err := security.ValidatePipelineName(name); err != nil {
		panic(fmt.Sprintf("engine: invalid pipeline name %q: %v", name, err))
	}

	h, err := handler.NewHandler(fn)
	if err != nil {
		panic(fmt.Sprintf("engine: handler for %q: %v", name, err))
	}

	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}
	h.EstimatedDuration = reg.estimatedDuration

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[name] = h
}

func (m *Manager) getPipeline(name string) (*handler.Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.pipelines[name]
	return h, ok
}

func (m *Manager) estimate(pipelineType string) time.Duration {
	if h, ok := m.getPipeline(pipelineType); ok {
		return h.EstimatedDuration
	}
	return 0
}

// CreateParams collects the inputs for a new job.
type CreateParams struct {
	TenantID string
	OwnerID  string
	Type     string
	Input    any

	// IdempotencyKey, when non-empty, deduplicates this create request:
	// a job already bound to the key is replayed instead of creating a
	// second one.
	IdempotencyKey string

	// MaxRecoveryAttempts overrides the manager default when positive.
	MaxRecoveryAttempts int
}

// CreateResult reports the created (or replayed) job.
type CreateResult struct {
	JobID             string
	EstimatedDuration time.Duration
	FromCache         bool
}

// Create persists a pending job and hands it to the worker pool. The
// pending row is written synchronously, before this returns, so an
// interrupted process never loses an accepted job; execution itself is
// asynchronous.
//
// Idempotency keys deduplicate per tenant, not per owner: a key reused by a
// different user in the same tenant returns the original job's id, which
// that user cannot read. Keys should carry a caller-side namespace when
// users within a tenant may collide.
func (m *Manager) Create(ctx context.Context, p CreateParams) (CreateResult, error) {
	if _, ok := m.getPipeline(p.Type); !ok {
		return CreateResult{}, fmt.Errorf("%w: %q", core.ErrUnknownPipeline, p.Type)
	}

	input, err := json.Marshal(p.Input)
	if err != nil {
		return CreateResult{}, fmt.Errorf("engine: marshal job input: %w", err)
	}
	if len(input) > security.MaxInputSize {
		return CreateResult{}, core.ErrInputTooLarge
	}

	maxAttempts := m.cfg.MaxRecoveryAttempts
	if p.MaxRecoveryAttempts > 0 {
		maxAttempts = p.MaxRecoveryAttempts
	}

	job := &core.Job{
		ID:                  uuid.New().String(),
		TenantID:            p.TenantID,
		OwnerID:             p.OwnerID,
		Type:                p.Type,
		Input:               input,
		Status:              core.StatusPending,
		MaxRecoveryAttempts: security.ClampRecoveryAttempts(maxAttempts),
	}
	if p.IdempotencyKey != "" {
		if err := security.ValidateKey(p.IdempotencyKey); err != nil {
			return CreateResult{}, err
		}
		key := p.IdempotencyKey
		job.IdempotencyKey = &key
	}

	created, fromCache, err := m.storage.CreateJob(ctx, job)
	if err != nil {
		return CreateResult{}, err
	}
	if !fromCache {
		m.wakeDispatcher(created.ID)
	}

	return CreateResult{
		JobID:             created.ID,
		EstimatedDuration: m.estimate(created.Type),
		FromCache:         fromCache,
	}, nil
}

func (m *Manager) wakeDispatcher(jobID string) {
	select {
	case m.wake <- jobID:
	default:
		// Dispatcher backlog; the poll loop will pick the job up.
	}
}

// getJobOwned fetches a job and enforces ownership. A job owned by someone
// else reports core.ErrNotFound, never its existence.
func (m *Manager) getJobOwned(ctx context.Context, tenantID, ownerID, jobID string) (*core.Job, error) {
	job, err := m.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.TenantID != tenantID || job.OwnerID != ownerID {
		return nil, core.ErrNotFound
	}
	return job, nil
}

// Status is the caller-facing view of a job.
type Status struct {
	JobID    string               `json:"job_id"`
	Status   core.JobStatus       `json:"status"`
	Progress []core.ProgressEvent `json:"progress"`
	Result   json.RawMessage      `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
	Recovery *RecoveryInfo        `json:"recovery,omitempty"`
}

// Status returns a job's current state, its full progress log, and, for
// interrupted jobs, recovery eligibility. Reading status never mutates
// the job.
func (m *Manager) Status(ctx context.Context, tenantID, ownerID, jobID string) (*Status, error) {
	job, err := m.getJobOwned(ctx, tenantID, ownerID, jobID)
	if err != nil {
		return nil, err
	}

	events, err := m.storage.ListEvents(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: events,
	}
	switch job.Status {
	case core.StatusCompleted:
		st.Result = job.Result
	case core.StatusFailed:
		st.Error = job.LastError
	case core.StatusInterrupted:
		info := recoveryInfoFor(job)
		st.Recovery = &info
	}
	return st, nil
}

// Events returns a job's persisted progress log, oldest first.
func (m *Manager) Events(ctx context.Context, tenantID, ownerID, jobID string) ([]core.ProgressEvent, error) {
	if _, err := m.getJobOwned(ctx, tenantID, ownerID, jobID); err != nil {
		return nil, err
	}
	return m.storage.ListEvents(ctx, jobID)
}

// Subscribe attaches a live event channel for the job. Callers must
// Unsubscribe when done.
func (m *Manager) Subscribe(jobID string) <-chan *core.ProgressEvent {
	return m.bus.Subscribe(jobID)
}

// Unsubscribe detaches a channel created by Subscribe.
func (m *Manager) Unsubscribe(jobID string, ch <-chan *core.ProgressEvent) {
	m.bus.Unsubscribe(jobID, ch)
}

// SubscriberCount reports the number of live subscribers for a job.
func (m *Manager) SubscriberCount(jobID string) int {
	return m.bus.Subscribers(jobID)
}

// Cancel requests cancellation of a pending or running job. Cancellation of
// a running job is cooperative: the worker stops at its next progress
// checkpoint and records the cancelled state. Cancelling a job in any other
// state returns core.ErrNotCancellable.
func (m *Manager) Cancel(ctx context.Context, tenantID, ownerID, jobID string) error {
	job, err := m.getJobOwned(ctx, tenantID, ownerID, jobID)
	if err != nil {
		return err
	}

	if job.Status == core.StatusPending {
		cancelled, err := m.storage.CancelPendingJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if cancelled {
			m.appendAndPublish(ctx, job.ID, core.EventError, errorPayload("job cancelled"))
			return nil
		}
		// Claimed between the read and the cancel; re-read and fall through.
		job, err = m.getJobOwned(ctx, tenantID, ownerID, jobID)
		if err != nil {
			return err
		}
	}

	if job.Status == core.StatusRunning {
		m.runningMu.Lock()
		cancel, ok := m.running[job.ID]
		m.runningMu.Unlock()
		if !ok {
			// Running but not owned by this process (stale row awaiting the
			// startup sweep); there is no worker to signal.
			return core.ErrNotCancellable
		}
		cancel(errJobCancelled)
		return nil
	}

	return core.ErrNotCancellable
}

func errorPayload(msg string) []byte {
	data, _ := json.Marshal(map[string]string{"message": msg})
	return data
}

// appendAndPublish persists a progress event, then broadcasts it. The
// persist always happens first: a crash in between loses only a live
// notification, never the durable record.
func (m *Manager) appendAndPublish(ctx context.Context, jobID string, kind core.EventKind, payload []byte) {
	ev := &core.ProgressEvent{JobID: jobID, Kind: kind, Payload: payload}
	err := retryWithBackoff(ctx, *m.cfg.StorageRetry, func() error {
		return m.storage.AppendEvent(ctx, ev)
	})
	if err != nil {
		m.logger.Error("failed to append progress event", "job_id", jobID, "kind", kind, "error", err)
		return
	}
	m.bus.Publish(ev)
}
