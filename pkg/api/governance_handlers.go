package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/governance"
	"github.com/controlhub/controlhub/pkg/httputil"
	"github.com/controlhub/controlhub/pkg/store"
)

// PolicyStore is the slice of the store the policy handlers need.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, policy *store.Policy) error
	GetPolicy(ctx context.Context, id int64) (*store.Policy, error)
	ListPolicies(ctx context.Context) ([]*store.Policy, error)
	UpdatePolicy(ctx context.Context, policy *store.Policy) error
	DeactivatePolicy(ctx context.Context, id int64) error
}

// PolicyInvalidator drops a cached policy after a change.
type PolicyInvalidator interface {
	InvalidatePolicy(actionType string)
}

// PolicyHandlers serves governance policy administration.
type PolicyHandlers struct {
	store  PolicyStore
	cache  PolicyInvalidator
	sink   audit.Logger
	logger *slog.Logger
}

// NewPolicyHandlers creates the policy handler group.
func NewPolicyHandlers(st PolicyStore, cache PolicyInvalidator, sink audit.Logger, logger *slog.Logger) *PolicyHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyHandlers{store: st, cache: cache, sink: sink, logger: logger}
}

func (h *PolicyHandlers) RegisterReadRoutes(router *mux.Router) {
	router.HandleFunc("/admin/policies", h.listPolicies).Methods(http.MethodGet)
	router.HandleFunc("/admin/policies/actions", h.listActions).Methods(http.MethodGet)
	router.HandleFunc("/admin/policies/{id}", h.getPolicy).Methods(http.MethodGet)
}

func (h *PolicyHandlers) RegisterAdminRoutes(router *mux.Router) {
	router.HandleFunc("/admin/policies", h.createPolicy).Methods(http.MethodPost)
	router.HandleFunc("/admin/policies/{id}", h.updatePolicy).Methods(http.MethodPatch)
	router.HandleFunc("/admin/policies/{id}", h.deletePolicy).Methods(http.MethodDelete)
}

func (h *PolicyHandlers) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.store.ListPolicies(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to list policies"))
		return
	}
	if policies == nil {
		policies = []*store.Policy{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (h *PolicyHandlers) listActions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"actions": governance.GatedActions})
}

func (h *PolicyHandlers) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	policy, err := h.store.GetPolicy(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "policy not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to load policy"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, policy)
}

func validatePolicy(w http.ResponseWriter, actionType string, minApprovals int, approverRole auth.Role) bool {
	if !governance.ValidActionType(actionType) {
		httputil.WriteValidationError(w, "unknown action type")
		return false
	}
	if minApprovals < 1 {
		httputil.WriteValidationError(w, "min_approvals must be at least 1")
		return false
	}
	if !approverRole.Valid() {
		httputil.WriteValidationError(w, "unknown approver role")
		return false
	}
	return true
}

func (h *PolicyHandlers) createPolicy(w http.ResponseWriter, r *http.Request) {
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	var req struct {
		ActionType       string `json:"action_type"`
		RequiresApproval *bool  `json:"requires_approval"`
		MinApprovals     int    `json:"min_approvals"`
		ApproverRole     string `json:"approver_role"`
		IsActive         *bool  `json:"is_active"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role := auth.Role(req.ApproverRole)
	if !validatePolicy(w, req.ActionType, req.MinApprovals, role) {
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	requires := true
	if req.RequiresApproval != nil {
		requires = *req.RequiresApproval
	}
	policy := &store.Policy{
		ActionType:       req.ActionType,
		RequiresApproval: requires,
		MinApprovals:     req.MinApprovals,
		ApproverRole:     role,
		IsActive:         active,
		CreatedBy:        &actor.ID,
	}

	ctx := r.Context()
	if err := h.store.CreatePolicy(ctx, policy); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			httputil.WriteConflict(w, "an active policy for this action type already exists")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to create policy"))
		return
	}

	h.cache.InvalidatePolicy(policy.ActionType)
	h.sink.LogAdmin(ctx, audit.ActionPolicyCreate, &actor.ID, actor.Email,
		audit.TargetPolicy, strconv.FormatInt(policy.ID, 10), policy.ActionType,
		map[string]any{"requires_approval": policy.RequiresApproval, "min_approvals": policy.MinApprovals, "approver_role": string(policy.ApproverRole)})
	httputil.WriteCreated(w, policy)
}

func (h *PolicyHandlers) updatePolicy(w http.ResponseWriter, r *http.Request) {
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		RequiresApproval *bool   `json:"requires_approval"`
		MinApprovals     *int    `json:"min_approvals"`
		ApproverRole     *string `json:"approver_role"`
		IsActive         *bool   `json:"is_active"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ctx := r.Context()
	policy, err := h.store.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "policy not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to load policy"))
		return
	}

	if req.RequiresApproval != nil {
		policy.RequiresApproval = *req.RequiresApproval
	}
	if req.MinApprovals != nil {
		policy.MinApprovals = *req.MinApprovals
	}
	if req.ApproverRole != nil {
		policy.ApproverRole = auth.Role(*req.ApproverRole)
	}
	if req.IsActive != nil {
		policy.IsActive = *req.IsActive
	}
	if !validatePolicy(w, policy.ActionType, policy.MinApprovals, policy.ApproverRole) {
		return
	}

	if err := h.store.UpdatePolicy(ctx, policy); err != nil {
		httputil.WriteInternalError(w, errors.New("failed to update policy"))
		return
	}

	h.cache.InvalidatePolicy(policy.ActionType)
	h.sink.LogAdmin(ctx, audit.ActionPolicyUpdate, &actor.ID, actor.Email,
		audit.TargetPolicy, strconv.FormatInt(policy.ID, 10), policy.ActionType,
		map[string]any{"requires_approval": policy.RequiresApproval, "min_approvals": policy.MinApprovals, "approver_role": string(policy.ApproverRole), "is_active": policy.IsActive})
	httputil.WriteJSON(w, http.StatusOK, policy)
}

// deletePolicy deactivates rather than removes, so approval history keeps
// pointing at a real policy row.
func (h *PolicyHandlers) deletePolicy(w http.ResponseWriter, r *http.Request) {
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	ctx := r.Context()
	policy, err := h.store.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "policy not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to load policy"))
		return
	}

	if err := h.store.DeactivatePolicy(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "policy not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to delete policy"))
		return
	}

	h.cache.InvalidatePolicy(policy.ActionType)
	h.sink.LogAdmin(ctx, audit.ActionPolicyDelete, &actor.ID, actor.Email,
		audit.TargetPolicy, strconv.FormatInt(policy.ID, 10), policy.ActionType, nil)
	httputil.WriteNoContent(w)
}

// ApprovalService is the governance workflow surface the handlers need.
type ApprovalService interface {
	Get(ctx context.Context, requestID int64) (*store.ApprovalRequest, []*store.Decision, error)
	List(ctx context.Context, filter store.ApprovalFilter) ([]*store.ApprovalRequest, error)
	Approve(ctx context.Context, requestID int64, approver *auth.User, comment string) (*store.ApprovalRequest, error)
	Reject(ctx context.Context, requestID int64, approver *auth.User, comment string) (*store.ApprovalRequest, error)
}

// ApprovalHandlers serves the approval queue and decisions.
type ApprovalHandlers struct {
	workflow ApprovalService
	logger   *slog.Logger
}

// NewApprovalHandlers creates the approval handler group.
func NewApprovalHandlers(workflow ApprovalService, logger *slog.Logger) *ApprovalHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalHandlers{workflow: workflow, logger: logger}
}

func (h *ApprovalHandlers) RegisterReadRoutes(router *mux.Router) {
	router.HandleFunc("/admin/approvals", h.listApprovals).Methods(http.MethodGet)
	router.HandleFunc("/admin/approvals/{id}", h.getApproval).Methods(http.MethodGet)
}

func (h *ApprovalHandlers) RegisterAdminRoutes(router *mux.Router) {
	router.HandleFunc("/admin/approvals/{id}/approve", h.approve).Methods(http.MethodPost)
	router.HandleFunc("/admin/approvals/{id}/reject", h.reject).Methods(http.MethodPost)
}

func (h *ApprovalHandlers) listApprovals(w http.ResponseWriter, r *http.Request) {
	filter := store.ApprovalFilter{
		Status:     httputil.ParseQueryString(r, "status", ""),
		ActionType: httputil.ParseQueryString(r, "action_type", ""),
	}
	if raw := httputil.ParseQueryString(r, "requested_by", ""); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httputil.WriteValidationError(w, "requested_by must be an integer")
			return
		}
		filter.RequestedBy = &id
	}
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}
	filter.Limit = limit
	filter.Offset = offset

	requests, err := h.workflow.List(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to list approval requests"))
		return
	}
	if requests == nil {
		requests = []*store.ApprovalRequest{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

func (h *ApprovalHandlers) getApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	request, decisions, err := h.workflow.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "approval request not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to load approval request"))
		return
	}
	if decisions == nil {
		decisions = []*store.Decision{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"request":   request,
		"decisions": decisions,
	})
}

func (h *ApprovalHandlers) approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.workflow.Approve)
}

func (h *ApprovalHandlers) reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.workflow.Reject)
}

func (h *ApprovalHandlers) decide(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, requestID int64, approver *auth.User, comment string) (*store.ApprovalRequest, error)) {
	approver := humanActor(w, r)
	if approver == nil {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Comment string `json:"comment"`
	}
	if r.ContentLength > 0 && !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	request, err := fn(r.Context(), id, approver, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			httputil.WriteNotFoundError(w, "approval request not found")
		case errors.Is(err, governance.ErrInsufficientRole):
			httputil.WriteForbidden(w, err.Error())
		case governance.DecisionError(err):
			httputil.WriteConflict(w, err.Error())
		default:
			httputil.WriteInternalError(w, errors.New("failed to record decision"))
		}
		return
	}
	httputil.WriteJSON(w, http.StatusOK, request)
}
