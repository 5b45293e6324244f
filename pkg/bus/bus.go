// Package bus provides in-process fan-out of job progress events.
//
// The bus is a liveness optimization only: the persisted event log is the
// source of truth, and a dropped or missed publication loses nothing but a
// live notification. Subscribers that need history replay it from storage.
package bus

import (
	"sync"

	"github.com/campaignops/pipeline-engine/pkg/core"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts losing live events and must rely on
// the persisted log.
const subscriberBuffer = 64

// Bus fans out progress events to per-job subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan *core.ProgressEvent
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]chan *core.ProgressEvent),
	}
}

// Subscribe returns a channel receiving live events for the given job.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (b *Bus) Subscribe(jobID string) <-chan *core.ProgressEvent {
	ch := make(chan *core.ProgressEvent, subscriberBuffer)
	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Subscribe. The
// channel is not closed; callers must stop reading before calling
// Unsubscribe. After Unsubscribe returns, no further events will be sent
// to the channel.
func (b *Bus) Unsubscribe(jobID string, ch <-chan *core.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[jobID]
	for i, sub := range subs {
		if sub == ch {
			b.subs[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
}

// Publish delivers an event to every subscriber of its job. Delivery is
// non-blocking: a full subscriber buffer drops the event rather than
// stalling the worker that produced it.
func (b *Bus) Publish(ev *core.ProgressEvent) {
	b.mu.RLock()
	subs := make([]chan *core.ProgressEvent, len(b.subs[ev.JobID]))
	copy(subs, b.subs[ev.JobID])
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Drop if full - slow consumers catch up from the event log
		}
	}
}

// Subscribers reports the number of live subscribers for a job.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
