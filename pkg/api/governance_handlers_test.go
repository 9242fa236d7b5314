package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/governance"
	"github.com/controlhub/controlhub/pkg/store"
)

type fakePolicyStore struct {
	policies  map[int64]*store.Policy
	nextID    int64
	createErr error
	updateErr error
}

func newFakePolicyStore() *fakePolicyStore {
	return &fakePolicyStore{policies: map[int64]*store.Policy{}, nextID: 1}
}

func (f *fakePolicyStore) CreatePolicy(_ context.Context, policy *store.Policy) error {
	if f.createErr != nil {
		return f.createErr
	}
	for _, existing := range f.policies {
		if existing.IsActive && existing.ActionType == policy.ActionType {
			return fmt.Errorf("an active policy for %s %w", policy.ActionType, store.ErrDuplicate)
		}
	}
	policy.ID = f.nextID
	f.nextID++
	policy.CreatedAt = time.Now()
	f.policies[policy.ID] = policy
	return nil
}

func (f *fakePolicyStore) GetPolicy(_ context.Context, id int64) (*store.Policy, error) {
	policy, ok := f.policies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *policy
	return &copied, nil
}

func (f *fakePolicyStore) ListPolicies(_ context.Context) ([]*store.Policy, error) {
	var out []*store.Policy
	for _, p := range f.policies {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakePolicyStore) UpdatePolicy(_ context.Context, policy *store.Policy) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.policies[policy.ID]; !ok {
		return store.ErrNotFound
	}
	f.policies[policy.ID] = policy
	return nil
}

func (f *fakePolicyStore) DeactivatePolicy(_ context.Context, id int64) error {
	policy, ok := f.policies[id]
	if !ok {
		return store.ErrNotFound
	}
	policy.IsActive = false
	return nil
}

type fakeInvalidator struct {
	invalidated []string
}

func (f *fakeInvalidator) InvalidatePolicy(actionType string) {
	f.invalidated = append(f.invalidated, actionType)
}

type policyFixture struct {
	store  *fakePolicyStore
	cache  *fakeInvalidator
	sink   *captureSink
	router *mux.Router
}

func newPolicyFixture(t *testing.T) *policyFixture {
	t.Helper()
	f := &policyFixture{
		store: newFakePolicyStore(),
		cache: &fakeInvalidator{},
		sink:  newCaptureSink(),
	}
	handlers := NewPolicyHandlers(f.store, f.cache, f.sink, nil)
	f.router = mux.NewRouter()
	handlers.RegisterReadRoutes(f.router)
	handlers.RegisterAdminRoutes(f.router)
	return f
}

func (f *policyFixture) do(method, path, body string, user *auth.User) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if user != nil {
		r = withUser(r, user)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func TestCreatePolicyHandler(t *testing.T) {
	f := newPolicyFixture(t)
	body := `{"action_type": "user.disable", "min_approvals": 2, "approver_role": "admin"}`
	w := f.do(http.MethodPost, "/admin/policies", body, testAdmin())

	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "user.disable", resp["action_type"])
	assert.Equal(t, float64(2), resp["min_approvals"])
	assert.Equal(t, true, resp["requires_approval"], "requires_approval defaults on")
	assert.Equal(t, true, resp["is_active"])
	assert.Equal(t, []string{"user.disable"}, f.cache.invalidated)
	assert.Equal(t, []audit.Action{audit.ActionPolicyCreate}, f.sink.adminActions)
}

func TestCreateAdvisoryPolicy(t *testing.T) {
	f := newPolicyFixture(t)
	body := `{"action_type": "user.disable", "requires_approval": false, "min_approvals": 1, "approver_role": "admin"}`
	w := f.do(http.MethodPost, "/admin/policies", body, testAdmin())

	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, false, resp["requires_approval"])
}

func TestCreatePolicyUnknownAction(t *testing.T) {
	f := newPolicyFixture(t)
	body := `{"action_type": "server.reboot", "min_approvals": 1, "approver_role": "admin"}`
	w := f.do(http.MethodPost, "/admin/policies", body, testAdmin())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.cache.invalidated)
}

func TestCreatePolicyValidation(t *testing.T) {
	f := newPolicyFixture(t)

	w := f.do(http.MethodPost, "/admin/policies",
		`{"action_type": "job.cancel", "min_approvals": 0, "approver_role": "admin"}`, testAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/admin/policies",
		`{"action_type": "job.cancel", "min_approvals": 1, "approver_role": "wizard"}`, testAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreatePolicyDuplicate(t *testing.T) {
	f := newPolicyFixture(t)
	body := `{"action_type": "upload.delete", "min_approvals": 1, "approver_role": "admin"}`
	w := f.do(http.MethodPost, "/admin/policies", body, testAdmin())
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodPost, "/admin/policies", body, testAdmin())
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreatePolicyServiceActorRefused(t *testing.T) {
	f := newPolicyFixture(t)
	r := httptest.NewRequest(http.MethodPost, "/admin/policies",
		strings.NewReader(`{"action_type": "job.cancel", "min_approvals": 1, "approver_role": "admin"}`))
	r.Header.Set("Content-Type", "application/json")
	r = withServiceActor(r)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListGatedActions(t *testing.T) {
	f := newPolicyFixture(t)
	w := f.do(http.MethodGet, "/admin/policies/actions", "", testAdmin())

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	actions, ok := resp["actions"].([]any)
	require.True(t, ok)
	assert.Len(t, actions, len(governance.GatedActions))
}

func TestUpdatePolicyHandler(t *testing.T) {
	f := newPolicyFixture(t)
	w := f.do(http.MethodPost, "/admin/policies",
		`{"action_type": "user.role_change", "min_approvals": 1, "approver_role": "admin"}`, testAdmin())
	require.Equal(t, http.StatusCreated, w.Code)
	f.cache.invalidated = nil

	w = f.do(http.MethodPatch, "/admin/policies/1",
		`{"min_approvals": 3, "approver_role": "superadmin"}`, testAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(3), resp["min_approvals"])
	assert.Equal(t, "superadmin", resp["approver_role"])
	assert.Equal(t, []string{"user.role_change"}, f.cache.invalidated)

	stored, err := f.store.GetPolicy(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.MinApprovals)
	assert.Equal(t, auth.RoleSuperadmin, stored.ApproverRole)
}

func TestUpdatePolicyNotFound(t *testing.T) {
	f := newPolicyFixture(t)
	w := f.do(http.MethodPatch, "/admin/policies/99", `{"min_approvals": 2}`, testAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeletePolicyDeactivates(t *testing.T) {
	f := newPolicyFixture(t)
	w := f.do(http.MethodPost, "/admin/policies",
		`{"action_type": "upload.delete", "min_approvals": 1, "approver_role": "admin"}`, testAdmin())
	require.Equal(t, http.StatusCreated, w.Code)
	f.cache.invalidated = nil

	w = f.do(http.MethodDelete, "/admin/policies/1", "", testAdmin())
	require.Equal(t, http.StatusNoContent, w.Code)

	stored, err := f.store.GetPolicy(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, stored.IsActive, "delete should deactivate, not remove")
	assert.Equal(t, []string{"upload.delete"}, f.cache.invalidated)
	assert.Equal(t, []audit.Action{audit.ActionPolicyDelete}, f.sink.adminActions[len(f.sink.adminActions)-1:])
}

func TestDeletePolicyNotFound(t *testing.T) {
	f := newPolicyFixture(t)
	w := f.do(http.MethodDelete, "/admin/policies/7", "", testAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeWorkflow struct {
	request   *store.ApprovalRequest
	decisions []*store.Decision
	decideErr error
	decided   []string
	comments  []string
	approvers []int64
}

func (f *fakeWorkflow) Get(_ context.Context, requestID int64) (*store.ApprovalRequest, []*store.Decision, error) {
	if f.request == nil || f.request.ID != requestID {
		return nil, nil, store.ErrNotFound
	}
	return f.request, f.decisions, nil
}

func (f *fakeWorkflow) List(_ context.Context, _ store.ApprovalFilter) ([]*store.ApprovalRequest, error) {
	if f.request == nil {
		return nil, nil
	}
	return []*store.ApprovalRequest{f.request}, nil
}

func (f *fakeWorkflow) Approve(_ context.Context, requestID int64, approver *auth.User, comment string) (*store.ApprovalRequest, error) {
	return f.decide(requestID, approver, "approve", comment)
}

func (f *fakeWorkflow) Reject(_ context.Context, requestID int64, approver *auth.User, comment string) (*store.ApprovalRequest, error) {
	return f.decide(requestID, approver, "reject", comment)
}

func (f *fakeWorkflow) decide(requestID int64, approver *auth.User, verdict, comment string) (*store.ApprovalRequest, error) {
	if f.request == nil || f.request.ID != requestID {
		return nil, store.ErrNotFound
	}
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	f.decided = append(f.decided, verdict)
	f.comments = append(f.comments, comment)
	f.approvers = append(f.approvers, approver.ID)
	return f.request, nil
}

type approvalFixture struct {
	workflow *fakeWorkflow
	router   *mux.Router
}

func newApprovalFixture(t *testing.T) *approvalFixture {
	t.Helper()
	f := &approvalFixture{workflow: &fakeWorkflow{}}
	handlers := NewApprovalHandlers(f.workflow, nil)
	f.router = mux.NewRouter()
	handlers.RegisterReadRoutes(f.router)
	handlers.RegisterAdminRoutes(f.router)
	return f
}

func (f *approvalFixture) do(method, path, body string, user *auth.User) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if user != nil {
		r = withUser(r, user)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func pendingRequest() *store.ApprovalRequest {
	return &store.ApprovalRequest{
		ID:                10,
		ActionType:        governance.ActionUserDisable,
		Payload:           []byte(`{"user_id": 4}`),
		Status:            store.ApprovalPending,
		RequiredApprovals: 2,
		ApproverRole:      auth.RoleAdmin,
		RequestedBy:       3,
		CreatedAt:         time.Now(),
	}
}

func TestListApprovals(t *testing.T) {
	f := newApprovalFixture(t)
	f.workflow.request = pendingRequest()

	w := f.do(http.MethodGet, "/admin/approvals?status=pending", "", testAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	requests, ok := resp["requests"].([]any)
	require.True(t, ok)
	assert.Len(t, requests, 1)
}

func TestListApprovalsRejectsBadRequestedBy(t *testing.T) {
	f := newApprovalFixture(t)
	w := f.do(http.MethodGet, "/admin/approvals?requested_by=bob", "", testAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetApproval(t *testing.T) {
	f := newApprovalFixture(t)
	f.workflow.request = pendingRequest()
	f.workflow.decisions = []*store.Decision{
		{ID: 1, RequestID: 10, ApproverID: 5, Decision: store.DecisionApprove},
	}

	w := f.do(http.MethodGet, "/admin/approvals/10", "", testAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	require.Contains(t, resp, "request")
	decisions, ok := resp["decisions"].([]any)
	require.True(t, ok)
	assert.Len(t, decisions, 1)
}

func TestGetApprovalNotFound(t *testing.T) {
	f := newApprovalFixture(t)
	w := f.do(http.MethodGet, "/admin/approvals/10", "", testAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApproveRequest(t *testing.T) {
	f := newApprovalFixture(t)
	f.workflow.request = pendingRequest()

	w := f.do(http.MethodPost, "/admin/approvals/10/approve", `{"comment": "looks fine"}`, testAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"approve"}, f.workflow.decided)
	assert.Equal(t, []string{"looks fine"}, f.workflow.comments)
	assert.Equal(t, []int64{1}, f.workflow.approvers)
}

func TestRejectRequestWithoutBody(t *testing.T) {
	f := newApprovalFixture(t)
	f.workflow.request = pendingRequest()

	w := f.do(http.MethodPost, "/admin/approvals/10/reject", "", testAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"reject"}, f.workflow.decided)
	assert.Equal(t, []string{""}, f.workflow.comments)
}

func TestDecideErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"self approval", governance.ErrSelfApproval, http.StatusConflict},
		{"already decided", governance.ErrAlreadyDecided, http.StatusConflict},
		{"not pending", governance.ErrNotPending, http.StatusConflict},
		{"insufficient role", governance.ErrInsufficientRole, http.StatusForbidden},
		{"storage failure", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newApprovalFixture(t)
			f.workflow.request = pendingRequest()
			f.workflow.decideErr = tc.err

			w := f.do(http.MethodPost, "/admin/approvals/10/approve", "", testAdmin())
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestDecideNotFound(t *testing.T) {
	f := newApprovalFixture(t)
	w := f.do(http.MethodPost, "/admin/approvals/10/approve", "", testAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDecideServiceActorRefused(t *testing.T) {
	f := newApprovalFixture(t)
	f.workflow.request = pendingRequest()

	r := httptest.NewRequest(http.MethodPost, "/admin/approvals/10/approve", nil)
	r = withServiceActor(r)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.workflow.decided)
}
