package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/governance"
	"github.com/controlhub/controlhub/pkg/httputil"
	"github.com/controlhub/controlhub/pkg/middleware"
	"github.com/controlhub/controlhub/pkg/store"
)

// JobStore is the slice of the store the job handlers need.
type JobStore interface {
	CreateJob(ctx context.Context, job *store.Job) error
	GetJob(ctx context.Context, id int64) (*store.Job, error)
	ListJobs(ctx context.Context, status string, limit, offset int) ([]*store.Job, error)
}

// JobHandlers serves background job tracking.
type JobHandlers struct {
	store    JobStore
	gate     PolicyGate
	executor ActionExecutor
	sink     audit.Logger
	logger   *slog.Logger
}

// NewJobHandlers creates the job handler group.
func NewJobHandlers(st JobStore, gate PolicyGate, executor ActionExecutor,
	sink audit.Logger, logger *slog.Logger) *JobHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandlers{store: st, gate: gate, executor: executor, sink: sink, logger: logger}
}

// RegisterRoutes mounts the endpoints available to any authenticated
// caller; RegisterAdminRoutes mounts cancellation.
func (h *JobHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/jobs", h.createJob).Methods(http.MethodPost)
	router.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
}

func (h *JobHandlers) RegisterAdminRoutes(router *mux.Router) {
	router.HandleFunc("/jobs/{id}/cancel", h.cancelJob).Methods(http.MethodPost)
}

func (h *JobHandlers) createJob(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	var req struct {
		Name    string          `json:"name"`
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") ||
		!httputil.RequireNonEmpty(w, req.Kind, "kind") {
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	job := &store.Job{
		Name:      req.Name,
		Kind:      req.Kind,
		Payload:   req.Payload,
		CreatedBy: actor.UserID(),
	}
	ctx := r.Context()
	if err := h.store.CreateJob(ctx, job); err != nil {
		httputil.WriteInternalError(w, errors.New("failed to create job"))
		return
	}

	uid := actorID(actor)
	h.sink.LogAdmin(ctx, audit.ActionJobCreate, uid, actor.Email(),
		audit.TargetJob, strconv.FormatInt(job.ID, 10), job.Name,
		map[string]any{"kind": job.Kind})
	httputil.WriteCreated(w, job)
}

func (h *JobHandlers) listJobs(w http.ResponseWriter, r *http.Request) {
	status := httputil.ParseQueryString(r, "status", "")
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}
	jobs, err := h.store.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to list jobs"))
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *JobHandlers) loadJob(w http.ResponseWriter, r *http.Request) *store.Job {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return nil
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "job not found")
			return nil
		}
		httputil.WriteInternalError(w, errors.New("failed to load job"))
		return nil
	}
	return job
}

func (h *JobHandlers) getJob(w http.ResponseWriter, r *http.Request) {
	job := h.loadJob(w, r)
	if job == nil {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (h *JobHandlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	job := h.loadJob(w, r)
	if job == nil {
		return
	}
	if !job.Cancellable() {
		httputil.WriteConflict(w, "job is not in a cancellable state")
		return
	}

	payload := struct {
		JobID int64 `json:"job_id"`
	}{JobID: job.ID}

	ctx := r.Context()
	gateTarget := governance.Target{
		Type:  string(audit.TargetJob),
		ID:    strconv.FormatInt(job.ID, 10),
		Label: job.Name,
	}
	request, gated, err := h.gate.Gate(ctx, actor, governance.ActionJobCancel, gateTarget, payload)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to cancel job"))
		return
	}
	if gated {
		writeGated(w, request)
		return
	}

	raw, _ := json.Marshal(payload)
	if err := h.executor.Execute(ctx, governance.ActionJobCancel, raw); err != nil {
		httputil.WriteInternalError(w, errors.New("failed to cancel job"))
		return
	}
	h.sink.LogAdmin(ctx, audit.ActionJobCancel, &actor.ID, actor.Email,
		audit.TargetJob, strconv.FormatInt(job.ID, 10), job.Name, nil)

	refreshed, err := h.store.GetJob(ctx, job.ID)
	if err != nil {
		httputil.WriteNoContent(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, refreshed)
}
