package manager

import (
	"context"
	"errors"
	"time"

	"github.com/campaignops/pipeline-engine/pkg/core"
	"github.com/campaignops/pipeline-engine/pkg/internal/jobrun"
	"github.com/campaignops/pipeline-engine/pkg/telemetry"
)

// Start sweeps interrupted jobs, then runs the dispatcher and worker pool.
// Blocks until the context is cancelled. Jobs still running at shutdown
// stay in running state; the next Start sweeps them to interrupted and
// recovery takes over from there.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.sweepInterrupted(ctx); err != nil {
		return err
	}

	jobsChan := make(chan *core.Job, m.cfg.Concurrency)

	for i := 0; i < m.cfg.Concurrency; i++ {
		m.wg.Add(1)
		go m.processLoop(ctx, jobsChan)
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			m.wg.Wait()
			return ctx.Err()
		case jobID := <-m.wake:
			m.claimAndDispatch(ctx, jobID, jobsChan)
		case <-ticker.C:
			pending, err := m.storage.ListPending(ctx, m.cfg.Concurrency)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					m.logger.Error("failed to list pending jobs", "error", err)
				}
				continue
			}
			for _, job := range pending {
				m.claimAndDispatch(ctx, job.ID, jobsChan)
			}
		}
	}
}

// claimAndDispatch claims a pending job and hands it to the pool. The
// status-guarded claim makes a doubly-dispatched id harmless: the second
// claim affects no rows and is dropped.
func (m *Manager) claimAndDispatch(ctx context.Context, jobID string, jobsChan chan<- *core.Job) {
	job, err := m.storage.ClaimJob(ctx, jobID, m.workerID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error("failed to claim job", "job_id", jobID, "error", err)
		}
		return
	}
	if job == nil {
		return
	}
	select {
	case jobsChan <- job:
	case <-ctx.Done():
	}
}

func (m *Manager) processLoop(ctx context.Context, jobs <-chan *core.Job) {
	defer m.wg.Done()

	for job := range jobs {
		m.processJob(ctx, job)
	}
}

func (m *Manager) processJob(ctx context.Context, job *core.Job) {
	start := time.Now()
	telemetry.JobsStarted.Inc()
	m.logger.Info("job started", "job_id", job.ID, "type", job.Type)

	h, ok := m.getPipeline(job.Type)
	if !ok {
		m.failJob(ctx, job, "no pipeline registered for "+job.Type)
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	m.runningMu.Lock()
	m.running[job.ID] = cancel
	m.runningMu.Unlock()
	defer func() {
		m.runningMu.Lock()
		delete(m.running, job.ID)
		m.runningMu.Unlock()
		cancel(nil)
	}()

	rc := &jobrun.RunContext{
		Job: job,
		Append: func(ctx context.Context, kind core.EventKind, payload []byte) error {
			ev := &core.ProgressEvent{JobID: job.ID, Kind: kind, Payload: payload}
			if err := m.storage.AppendEvent(ctx, ev); err != nil {
				return err
			}
			m.bus.Publish(ev)
			return nil
		},
	}

	result, err := h.Execute(jobrun.WithRunContext(runCtx, rc), job.Input)

	if err != nil {
		if cause := context.Cause(runCtx); errors.Is(cause, errJobCancelled) {
			m.cancelJob(ctx, job)
			return
		}
		if runCtx.Err() != nil {
			// Shutdown mid-job: leave the row in running so the next
			// startup classifies it as interrupted.
			m.logger.Warn("job abandoned by shutdown", "job_id", job.ID)
			return
		}
		m.failJob(ctx, job, err.Error())
		return
	}

	completeErr := retryWithBackoff(ctx, *m.cfg.StorageRetry, func() error {
		return m.storage.CompleteJob(ctx, job.ID, m.workerID, result)
	})
	if completeErr != nil {
		m.logger.Error("failed to complete job after retries", "job_id", job.ID, "error", completeErr)
		return
	}
	telemetry.JobsCompleted.Inc()
	m.appendAndPublish(ctx, job.ID, core.EventComplete, result)
	m.logger.Info("job completed", "job_id", job.ID, "duration", time.Since(start))
}

func (m *Manager) failJob(ctx context.Context, job *core.Job, msg string) {
	err := retryWithBackoff(ctx, *m.cfg.StorageRetry, func() error {
		return m.storage.FailJob(ctx, job.ID, m.workerID, msg)
	})
	if err != nil {
		m.logger.Error("failed to mark job as failed after retries", "job_id", job.ID, "error", err)
		return
	}
	telemetry.JobsFailed.Inc()
	m.appendAndPublish(ctx, job.ID, core.EventError, errorPayload(msg))
	m.logger.Warn("job failed", "job_id", job.ID, "error", msg)
}

func (m *Manager) cancelJob(ctx context.Context, job *core.Job) {
	err := retryWithBackoff(ctx, *m.cfg.StorageRetry, func() error {
		return m.storage.CancelRunningJob(ctx, job.ID, m.workerID)
	})
	if err != nil {
		m.logger.Error("failed to mark job as cancelled after retries", "job_id", job.ID, "error", err)
		return
	}
	telemetry.JobsCancelled.Inc()
	m.appendAndPublish(ctx, job.ID, core.EventError, errorPayload("job cancelled"))
	m.logger.Info("job cancelled", "job_id", job.ID)
}
