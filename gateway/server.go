// Package gateway exposes the engine over HTTP: job CRUD-ish operations
// plus a server-sent-events stream of per-job progress.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/campaignops/pipeline-engine/pkg/core"
	"github.com/campaignops/pipeline-engine/pkg/manager"
	"github.com/campaignops/pipeline-engine/pkg/telemetry"
)

// Server wires HTTP handlers for the engine API.
type Server struct {
	manager   *manager.Manager
	logger    *slog.Logger
	keepAlive time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithKeepAlive sets the idle-stream keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New constructs the gateway server.
func New(m *manager.Manager, opts ...Option) *Server {
	s := &Server{
		manager:   m,
		logger:    slog.Default(),
		keepAlive: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs/{id}", s.handleStatus)
	r.Get("/jobs/{id}/events", s.handleStream)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/recover", s.handleRecover)
	return r
}

type createRequest struct {
	Type                string `json:"type"`
	Input               any    `json:"input"`
	IdempotencyKey      string `json:"idempotency_key"`
	MaxRecoveryAttempts int    `json:"max_recovery_attempts"`
}

type createResponse struct {
	JobID               string `json:"job_id"`
	EstimatedDurationMs int64  `json:"estimated_duration_ms"`
	FromCache           bool   `json:"from_cache"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	tenant, owner := identityFromRequest(r)

	result, err := s.manager.Create(r.Context(), manager.CreateParams{
		TenantID:            tenant,
		OwnerID:             owner,
		Type:                req.Type,
		Input:               req.Input,
		IdempotencyKey:      req.IdempotencyKey,
		MaxRecoveryAttempts: req.MaxRecoveryAttempts,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:               result.JobID,
		EstimatedDurationMs: result.EstimatedDuration.Milliseconds(),
		FromCache:           result.FromCache,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant, owner := identityFromRequest(r)
	st, err := s.manager.Status(r.Context(), tenant, owner, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tenant, owner := identityFromRequest(r)
	if err := s.manager.Cancel(r.Context(), tenant, owner, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type recoverResponse struct {
	NewJobID            string `json:"new_job_id"`
	EstimatedDurationMs int64  `json:"estimated_duration_ms"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	tenant, owner := identityFromRequest(r)
	result, err := s.manager.Restart(r.Context(), tenant, owner, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recoverResponse{
		NewJobID:            result.NewJobID,
		EstimatedDurationMs: result.EstimatedDuration.Milliseconds(),
	})
}

// identityFromRequest resolves the caller. The gateway trusts upstream
// authentication middleware to have populated these headers.
func identityFromRequest(r *http.Request) (tenant, owner string) {
	tenant = r.Header.Get("X-Tenant-ID")
	if tenant == "" {
		tenant = "default"
	}
	owner = r.Header.Get("X-User-ID")
	if owner == "" {
		owner = "default"
	}
	return tenant, owner
}

// writeError maps engine outcomes to HTTP statuses. Conflicts are 409 and
// retryable; ownership failures are indistinguishable from absence.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var notRecoverable *core.NotRecoverableError
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, core.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "conflict", "retryable": true})
	case errors.As(err, &notRecoverable):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "not_recoverable",
			"reason": notRecoverable.Reason,
		})
	case errors.Is(err, core.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "not_cancellable"})
	case errors.Is(err, core.ErrUnknownPipeline),
		errors.Is(err, core.ErrInputTooLarge),
		errors.Is(err, core.ErrInvalidKey),
		errors.Is(err, core.ErrKeyTooLong),
		errors.Is(err, core.ErrInvalidPipelineName):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
