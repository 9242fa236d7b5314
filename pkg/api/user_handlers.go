package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/governance"
	"github.com/controlhub/controlhub/pkg/httputil"
	"github.com/controlhub/controlhub/pkg/middleware"
	"github.com/controlhub/controlhub/pkg/store"
)

// UserStore is the slice of the store the user admin handlers need.
type UserStore interface {
	CreateUser(ctx context.Context, user *auth.User) error
	GetUserByID(ctx context.Context, id int64) (*auth.User, error)
	ListUsers(ctx context.Context, filter store.UserFilter) ([]*auth.User, error)
	SetUserActive(ctx context.Context, userID int64, active bool) error
	CountActiveSuperadmins(ctx context.Context) (int, error)
}

// PolicyGate decides whether an action needs approval before it runs.
type PolicyGate interface {
	Gate(ctx context.Context, requester *auth.User, actionType string, target governance.Target, payload any) (*store.ApprovalRequest, bool, error)
}

// ActionExecutor runs a governed action immediately.
type ActionExecutor interface {
	Execute(ctx context.Context, actionType string, payload json.RawMessage) error
}

// UserHandlers serves user administration.
type UserHandlers struct {
	store    UserStore
	gate     PolicyGate
	executor ActionExecutor
	sink     audit.Logger
	logger   *slog.Logger
}

// NewUserHandlers creates the user admin handler group.
func NewUserHandlers(st UserStore, gate PolicyGate, executor ActionExecutor,
	sink audit.Logger, logger *slog.Logger) *UserHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandlers{store: st, gate: gate, executor: executor, sink: sink, logger: logger}
}

// RegisterReadRoutes mounts the read endpoints; RegisterAdminRoutes the
// mutating ones. The server places them on different role tiers.
func (h *UserHandlers) RegisterReadRoutes(router *mux.Router) {
	router.HandleFunc("/admin/users", h.listUsers).Methods(http.MethodGet)
	router.HandleFunc("/admin/users/{id}", h.getUser).Methods(http.MethodGet)
}

func (h *UserHandlers) RegisterAdminRoutes(router *mux.Router) {
	router.HandleFunc("/admin/users", h.createUser).Methods(http.MethodPost)
	router.HandleFunc("/admin/users/{id}", h.updateUser).Methods(http.MethodPatch)
}

// humanActor rejects machine callers: user administration always needs a
// person behind the request.
func humanActor(w http.ResponseWriter, r *http.Request) *auth.User {
	actor := middleware.ActorFromContext(r.Context())
	if actor == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil
	}
	if actor.IsService() {
		httputil.WriteForbidden(w, "this operation requires a human account")
		return nil
	}
	return actor.User
}

func (h *UserHandlers) listUsers(w http.ResponseWriter, r *http.Request) {
	filter := store.UserFilter{
		Role:     auth.Role(httputil.ParseQueryString(r, "role", "")),
		Provider: auth.Provider(httputil.ParseQueryString(r, "provider", "")),
		Search:   httputil.ParseQueryString(r, "search", ""),
	}
	if raw := httputil.ParseQueryString(r, "active", ""); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			httputil.WriteValidationError(w, "active must be a boolean")
			return
		}
		filter.IsActive = &active
	}
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}
	filter.Limit = limit
	filter.Offset = offset

	users, err := h.store.ListUsers(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to list users"))
		return
	}
	if users == nil {
		users = []*auth.User{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"users":  users,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *UserHandlers) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to load user"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

func (h *UserHandlers) createUser(w http.ResponseWriter, r *http.Request) {
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}

	role := auth.RoleUser
	if req.Role != "" {
		role = auth.Role(req.Role)
	}
	if !role.Valid() {
		httputil.WriteValidationError(w, "unknown role")
		return
	}
	if ok, reason := actor.CanAssignRole(role); !ok {
		httputil.WriteForbidden(w, reason)
		return
	}
	if ok, reason := auth.ValidatePasswordStrength(req.Password); !ok {
		httputil.WriteCodedError(w, http.StatusBadRequest, CodeWeakPassword, reason)
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to create user"))
		return
	}

	user := &auth.User{
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		AuthProvider: auth.ProviderLocal,
	}
	ctx := r.Context()
	if err := h.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			httputil.WriteConflict(w, "a user with this email already exists")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to create user"))
		return
	}

	h.sink.LogAdmin(ctx, audit.ActionUserCreate, &actor.ID, actor.Email,
		audit.TargetUser, strconv.FormatInt(user.ID, 10), user.Email,
		map[string]any{"role": string(role)})
	httputil.WriteCreated(w, user)
}

func (h *UserHandlers) updateUser(w http.ResponseWriter, r *http.Request) {
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Role     *string `json:"role"`
		IsActive *bool   `json:"is_active"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if (req.Role == nil) == (req.IsActive == nil) {
		httputil.WriteValidationError(w, "specify exactly one of role, is_active")
		return
	}

	ctx := r.Context()
	target, err := h.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "user not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to load user"))
		return
	}
	if ok, reason := actor.CanManage(target); !ok {
		httputil.WriteForbidden(w, reason)
		return
	}

	if req.Role != nil {
		h.changeRole(w, r, actor, target, auth.Role(*req.Role))
		return
	}
	h.setActive(w, r, actor, target, *req.IsActive)
}

func (h *UserHandlers) changeRole(w http.ResponseWriter, r *http.Request, actor, target *auth.User, newRole auth.Role) {
	if !newRole.Valid() {
		httputil.WriteValidationError(w, "unknown role")
		return
	}
	if ok, reason := actor.CanAssignRole(newRole); !ok {
		httputil.WriteForbidden(w, reason)
		return
	}
	ctx := r.Context()
	if target.Role == auth.RoleSuperadmin && newRole != auth.RoleSuperadmin {
		count, err := h.store.CountActiveSuperadmins(ctx)
		if err != nil {
			httputil.WriteInternalError(w, errors.New("failed to update user"))
			return
		}
		if count <= 1 {
			httputil.WriteBadRequest(w, governance.ErrLastSuperadmin.Error())
			return
		}
	}

	payload := struct {
		UserID  int64     `json:"user_id"`
		NewRole auth.Role `json:"new_role"`
	}{UserID: target.ID, NewRole: newRole}

	gateTarget := governance.Target{
		Type:  string(audit.TargetUser),
		ID:    strconv.FormatInt(target.ID, 10),
		Label: target.Email,
	}
	request, gated, err := h.gate.Gate(ctx, actor, governance.ActionUserRoleChange, gateTarget, payload)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to update user"))
		return
	}
	if gated {
		writeGated(w, request)
		return
	}

	raw, _ := json.Marshal(payload)
	if err := h.executor.Execute(ctx, governance.ActionUserRoleChange, raw); err != nil {
		h.executionError(w, err)
		return
	}
	h.sink.LogAdmin(ctx, audit.ActionUserRoleChange, &actor.ID, actor.Email,
		audit.TargetUser, strconv.FormatInt(target.ID, 10), target.Email,
		map[string]any{"old_role": string(target.Role), "new_role": string(newRole)})
	h.respondWithUser(w, r, target.ID)
}

func (h *UserHandlers) setActive(w http.ResponseWriter, r *http.Request, actor, target *auth.User, active bool) {
	ctx := r.Context()
	if active {
		// Re-enabling is never gated.
		if err := h.store.SetUserActive(ctx, target.ID, true); err != nil {
			httputil.WriteInternalError(w, errors.New("failed to update user"))
			return
		}
		h.sink.LogAdmin(ctx, audit.ActionUserEnable, &actor.ID, actor.Email,
			audit.TargetUser, strconv.FormatInt(target.ID, 10), target.Email, nil)
		h.respondWithUser(w, r, target.ID)
		return
	}

	if target.Role == auth.RoleSuperadmin {
		count, err := h.store.CountActiveSuperadmins(ctx)
		if err != nil {
			httputil.WriteInternalError(w, errors.New("failed to update user"))
			return
		}
		if count <= 1 {
			httputil.WriteBadRequest(w, governance.ErrLastSuperadmin.Error())
			return
		}
	}

	payload := struct {
		UserID int64 `json:"user_id"`
	}{UserID: target.ID}

	gateTarget := governance.Target{
		Type:  string(audit.TargetUser),
		ID:    strconv.FormatInt(target.ID, 10),
		Label: target.Email,
	}
	request, gated, err := h.gate.Gate(ctx, actor, governance.ActionUserDisable, gateTarget, payload)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to update user"))
		return
	}
	if gated {
		writeGated(w, request)
		return
	}

	raw, _ := json.Marshal(payload)
	if err := h.executor.Execute(ctx, governance.ActionUserDisable, raw); err != nil {
		h.executionError(w, err)
		return
	}
	h.sink.LogAdmin(ctx, audit.ActionUserDisable, &actor.ID, actor.Email,
		audit.TargetUser, strconv.FormatInt(target.ID, 10), target.Email, nil)
	h.respondWithUser(w, r, target.ID)
}

func (h *UserHandlers) executionError(w http.ResponseWriter, err error) {
	if errors.Is(err, governance.ErrLastSuperadmin) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteNotFoundError(w, "user not found")
		return
	}
	httputil.WriteInternalError(w, errors.New("failed to update user"))
}

func (h *UserHandlers) respondWithUser(w http.ResponseWriter, r *http.Request, id int64) {
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to load user"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

// writeGated answers 202 with the recorded approval request.
func writeGated(w http.ResponseWriter, request *store.ApprovalRequest) {
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"message":          "this action requires approval",
		"approval_request": request,
	})
}

func parsePage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil || limit < 1 {
		httputil.WriteValidationError(w, "limit must be a positive integer")
		return 0, 0, false
	}
	if limit > 200 {
		limit = 200
	}
	offset, err = httputil.ParseQueryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		httputil.WriteValidationError(w, "offset must be a non-negative integer")
		return 0, 0, false
	}
	return limit, offset, true
}
