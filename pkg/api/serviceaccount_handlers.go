package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/flags"
	"github.com/controlhub/controlhub/pkg/httputil"
	"github.com/controlhub/controlhub/pkg/serviceaccounts"
	"github.com/controlhub/controlhub/pkg/store"
)

// CodeFeatureDisabled is returned when a feature-flagged endpoint is off.
const CodeFeatureDisabled = "FEATURE_DISABLED"

// AccountService is the service-account surface the handlers need.
type AccountService interface {
	Create(ctx context.Context, creator *auth.User, name, description string) (*auth.ServiceAccount, error)
	Get(ctx context.Context, id int64) (*auth.ServiceAccount, error)
	List(ctx context.Context) ([]*auth.ServiceAccount, error)
	SetActive(ctx context.Context, actor *auth.User, id int64, active bool) error
	IssueKey(ctx context.Context, creator *auth.User, serviceAccountID int64, name string, scopes []string, expiresAt *time.Time) (*auth.APIKey, string, error)
	ListKeys(ctx context.Context, serviceAccountID int64) ([]*auth.APIKey, error)
	RevokeKey(ctx context.Context, actor *auth.User, keyID int64) error
	Authenticate(ctx context.Context, presented string) (*auth.Actor, error)
}

// ServiceAccountHandlers serves machine identity administration. The whole
// group sits behind the service_accounts feature flag.
type ServiceAccountHandlers struct {
	accounts AccountService
	flags    FlagChecker
	logger   *slog.Logger
}

// NewServiceAccountHandlers creates the service account handler group.
func NewServiceAccountHandlers(accounts AccountService, flagStore FlagChecker, logger *slog.Logger) *ServiceAccountHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceAccountHandlers{accounts: accounts, flags: flagStore, logger: logger}
}

func (h *ServiceAccountHandlers) RegisterReadRoutes(router *mux.Router) {
	router.HandleFunc("/admin/service-accounts", h.list).Methods(http.MethodGet)
	router.HandleFunc("/admin/service-accounts/{id}", h.get).Methods(http.MethodGet)
	router.HandleFunc("/admin/service-accounts/{id}/keys", h.listKeys).Methods(http.MethodGet)
}

func (h *ServiceAccountHandlers) RegisterAdminRoutes(router *mux.Router) {
	router.HandleFunc("/admin/service-accounts", h.create).Methods(http.MethodPost)
	router.HandleFunc("/admin/service-accounts/{id}", h.setActive).Methods(http.MethodPatch)
	router.HandleFunc("/admin/service-accounts/{id}/keys", h.issueKey).Methods(http.MethodPost)
	router.HandleFunc("/admin/service-accounts/{id}/keys/{keyID}", h.revokeKey).Methods(http.MethodDelete)
}

func (h *ServiceAccountHandlers) enabled(w http.ResponseWriter) bool {
	if h.flags != nil && !h.flags.Enabled(flags.ServiceAccounts) {
		httputil.WriteCodedError(w, http.StatusForbidden, CodeFeatureDisabled, "service accounts are disabled")
		return false
	}
	return true
}

func (h *ServiceAccountHandlers) list(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to list service accounts"))
		return
	}
	if accounts == nil {
		accounts = []*auth.ServiceAccount{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"service_accounts": accounts})
}

func (h *ServiceAccountHandlers) get(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	account, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "service account not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to load service account"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, account)
}

func (h *ServiceAccountHandlers) create(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}

	account, err := h.accounts.Create(r.Context(), actor, req.Name, req.Description)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			httputil.WriteConflict(w, "a service account with this name already exists")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to create service account"))
		return
	}
	httputil.WriteCreated(w, account)
}

func (h *ServiceAccountHandlers) setActive(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		httputil.WriteValidationError(w, "is_active is required")
		return
	}

	if err := h.accounts.SetActive(r.Context(), actor, id, *req.IsActive); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "service account not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to update service account"))
		return
	}

	account, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		httputil.WriteNoContent(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, account)
}

func (h *ServiceAccountHandlers) issueKey(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Name      string     `json:"name"`
		Scopes    []string   `json:"scopes"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		httputil.WriteValidationError(w, "expires_at must be in the future")
		return
	}

	key, plaintext, err := h.accounts.IssueKey(r.Context(), actor, id, req.Name, req.Scopes, req.ExpiresAt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "service account not found")
			return
		}
		if errors.Is(err, serviceaccounts.ErrAccountDisabled) {
			httputil.WriteConflict(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to issue key"))
		return
	}

	// The plaintext key is shown exactly once.
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"key":        key,
		"api_key":    plaintext,
		"shown_once": true,
	})
}

func (h *ServiceAccountHandlers) listKeys(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	keys, err := h.accounts.ListKeys(r.Context(), id)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to list keys"))
		return
	}
	if keys == nil {
		keys = []*auth.APIKey{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *ServiceAccountHandlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	actor := humanActor(w, r)
	if actor == nil {
		return
	}
	keyID, ok := httputil.ParsePathInt64OrError(w, r, "keyID")
	if !ok {
		return
	}
	if err := h.accounts.RevokeKey(r.Context(), actor, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteNotFoundError(w, "key not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("failed to revoke key"))
		return
	}
	httputil.WriteNoContent(w)
}
