package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/contextkeys"
	"github.com/controlhub/controlhub/pkg/governance"
	"github.com/controlhub/controlhub/pkg/store"
)

// captureSink records audit calls for assertions.
type captureSink struct {
	audit.Logger
	authActions  []audit.Action
	adminActions []audit.Action
}

func newCaptureSink() *captureSink {
	return &captureSink{Logger: audit.NoOp()}
}

func (c *captureSink) LogAuth(_ context.Context, action audit.Action, _ *int64, _ string, _ audit.Status, _ string) error {
	c.authActions = append(c.authActions, action)
	return nil
}

func (c *captureSink) LogAdmin(_ context.Context, action audit.Action, _ *int64, _ string, _ audit.TargetType, _, _ string, _ map[string]any) error {
	c.adminActions = append(c.adminActions, action)
	return nil
}

type fakeFlags struct {
	enabled map[string]bool
}

func (f *fakeFlags) Enabled(name string) bool { return f.enabled[name] }

type fakeRevoker struct {
	revoked map[string]bool
	failMsg error
}

func newFakeRevoker() *fakeRevoker {
	return &fakeRevoker{revoked: map[string]bool{}}
}

func (f *fakeRevoker) Revoke(_ context.Context, jti string, _ time.Time) error {
	if f.failMsg != nil {
		return f.failMsg
	}
	f.revoked[jti] = true
	return nil
}

func (f *fakeRevoker) IsRevoked(_ context.Context, jti string) bool {
	return f.revoked[jti]
}

// fakeGate simulates the governance engine: set request to gate an action.
type fakeGate struct {
	request *store.ApprovalRequest
	err     error
	calls   []string
	targets []governance.Target
}

func (f *fakeGate) Gate(_ context.Context, _ *auth.User, actionType string, target governance.Target, _ any) (*store.ApprovalRequest, bool, error) {
	f.calls = append(f.calls, actionType)
	f.targets = append(f.targets, target)
	if f.err != nil {
		return nil, false, f.err
	}
	if f.request != nil {
		return f.request, true, nil
	}
	return nil, false, nil
}

type fakeExecutor struct {
	actions  []string
	payloads []json.RawMessage
	err      error
}

func (f *fakeExecutor) Execute(_ context.Context, actionType string, payload json.RawMessage) error {
	if f.err != nil {
		return f.err
	}
	f.actions = append(f.actions, actionType)
	f.payloads = append(f.payloads, payload)
	return nil
}

func testAdmin() *auth.User {
	return &auth.User{ID: 1, Email: "admin@example.com", Role: auth.RoleAdmin, IsActive: true}
}

func testSuperadmin() *auth.User {
	return &auth.User{ID: 2, Email: "root@example.com", Role: auth.RoleSuperadmin, IsActive: true}
}

func withUser(r *http.Request, user *auth.User) *http.Request {
	actor := &auth.Actor{User: user, Provider: auth.ProviderLocal}
	return r.WithContext(contextkeys.WithActor(r.Context(), actor))
}

func withServiceActor(r *http.Request) *http.Request {
	actor := &auth.Actor{
		ServiceAccount: &auth.ServiceAccount{ID: 1, Name: "deployer", IsActive: true},
		APIKey:         &auth.APIKey{ID: 1, KeyPrefix: "chk_abcd"},
		Provider:       auth.ProviderAPIKey,
	}
	return r.WithContext(contextkeys.WithActor(r.Context(), actor))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}
