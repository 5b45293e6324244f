package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/campaignops/pipeline-engine/pkg/core"
	"github.com/campaignops/pipeline-engine/pkg/telemetry"
)

// streamEvent is the SSE data payload.
type streamEvent struct {
	JobID   string          `json:"job_id"`
	Seq     int             `json:"seq"`
	Kind    core.EventKind  `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// handleStream pushes a job's progress as server-sent events. The
// subscriber first receives a replay of all persisted events, then live
// events in order; the stream closes after any terminating event. The
// bus subscription is attached before the replay is read so nothing falls
// in the gap; duplicates are dropped by sequence number.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	jobID := chi.URLParam(r, "id")
	tenant, owner := identityFromRequest(r)
	ctx := r.Context()

	ch := s.manager.Subscribe(jobID)
	defer s.manager.Unsubscribe(jobID, ch)

	replay, err := s.manager.Events(ctx, tenant, owner, jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	telemetry.StreamSubscribers.Inc()
	defer telemetry.StreamSubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastSeq := 0
	for i := range replay {
		ev := &replay[i]
		writeSSE(w, ev)
		lastSeq = ev.Seq
		if ev.Kind.TerminatesStream() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected; the deferred Unsubscribe removes the
			// bus registration.
			return

		case ev := <-ch:
			if ev.Seq <= lastSeq {
				continue // already replayed
			}
			writeSSE(w, ev)
			lastSeq = ev.Seq
			flusher.Flush()
			if ev.Kind.TerminatesStream() {
				return
			}

		case <-keepAlive.C:
			// The log is the source of truth: besides keeping intermediary
			// infrastructure from timing the connection out, each tick
			// catches up any event the bounded bus buffer dropped.
			events, err := s.manager.Events(ctx, tenant, owner, jobID)
			if err != nil {
				return
			}
			caught := false
			for i := range events {
				ev := &events[i]
				if ev.Seq <= lastSeq {
					continue
				}
				writeSSE(w, ev)
				lastSeq = ev.Seq
				caught = true
				if ev.Kind.TerminatesStream() {
					flusher.Flush()
					return
				}
			}
			if !caught {
				fmt.Fprint(w, ": keep-alive\n\n")
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev *core.ProgressEvent) {
	data, err := json.Marshal(streamEvent{
		JobID:   ev.JobID,
		Seq:     ev.Seq,
		Kind:    ev.Kind,
		Payload: ev.Payload,
		At:      ev.CreatedAt,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
}
