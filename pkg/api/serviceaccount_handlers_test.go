package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/flags"
	"github.com/controlhub/controlhub/pkg/serviceaccounts"
	"github.com/controlhub/controlhub/pkg/store"
)

type fakeAccountService struct {
	accounts map[int64]*auth.ServiceAccount
	keys     map[int64]*auth.APIKey
	nextID   int64
	issueErr error
	revoked  []int64
}

func newFakeAccountService() *fakeAccountService {
	return &fakeAccountService{
		accounts: map[int64]*auth.ServiceAccount{},
		keys:     map[int64]*auth.APIKey{},
		nextID:   1,
	}
}

func (f *fakeAccountService) Create(_ context.Context, creator *auth.User, name, description string) (*auth.ServiceAccount, error) {
	for _, existing := range f.accounts {
		if existing.Name == name {
			return nil, fmt.Errorf("service account %s %w", name, store.ErrDuplicate)
		}
	}
	account := &auth.ServiceAccount{
		ID:          f.nextID,
		Name:        name,
		Description: description,
		IsActive:    true,
		CreatedByID: creator.ID,
		CreatedAt:   time.Now(),
	}
	f.nextID++
	f.accounts[account.ID] = account
	return account, nil
}

func (f *fakeAccountService) Get(_ context.Context, id int64) (*auth.ServiceAccount, error) {
	account, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return account, nil
}

func (f *fakeAccountService) List(_ context.Context) ([]*auth.ServiceAccount, error) {
	var out []*auth.ServiceAccount
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAccountService) SetActive(_ context.Context, _ *auth.User, id int64, active bool) error {
	account, ok := f.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	account.IsActive = active
	return nil
}

func (f *fakeAccountService) IssueKey(_ context.Context, creator *auth.User, serviceAccountID int64, name string, scopes []string, expiresAt *time.Time) (*auth.APIKey, string, error) {
	if f.issueErr != nil {
		return nil, "", f.issueErr
	}
	account, ok := f.accounts[serviceAccountID]
	if !ok {
		return nil, "", store.ErrNotFound
	}
	if !account.IsActive {
		return nil, "", fmt.Errorf("service account %q: %w", account.Name, serviceaccounts.ErrAccountDisabled)
	}
	key := &auth.APIKey{
		ID:               f.nextID,
		ServiceAccountID: serviceAccountID,
		Name:             name,
		KeyPrefix:        "chk_test",
		Scopes:           scopes,
		ExpiresAt:        expiresAt,
		CreatedByID:      creator.ID,
		CreatedAt:        time.Now(),
	}
	f.nextID++
	f.keys[key.ID] = key
	return key, "chk_test_plaintext_secret", nil
}

func (f *fakeAccountService) ListKeys(_ context.Context, serviceAccountID int64) ([]*auth.APIKey, error) {
	var out []*auth.APIKey
	for _, k := range f.keys {
		if k.ServiceAccountID == serviceAccountID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeAccountService) RevokeKey(_ context.Context, _ *auth.User, keyID int64) error {
	if _, ok := f.keys[keyID]; !ok {
		return store.ErrNotFound
	}
	f.revoked = append(f.revoked, keyID)
	return nil
}

func (f *fakeAccountService) Authenticate(_ context.Context, presented string) (*auth.Actor, error) {
	if presented != "chk_test_plaintext_secret" {
		return nil, serviceaccounts.ErrInvalidKey
	}
	return &auth.Actor{
		ServiceAccount: f.accounts[1],
		Provider:       auth.ProviderAPIKey,
	}, nil
}

type accountFixture struct {
	service *fakeAccountService
	flags   *fakeFlags
	router  *mux.Router
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	f := &accountFixture{
		service: newFakeAccountService(),
		flags:   &fakeFlags{enabled: map[string]bool{flags.ServiceAccounts: true}},
	}
	handlers := NewServiceAccountHandlers(f.service, f.flags, nil)
	f.router = mux.NewRouter()
	handlers.RegisterReadRoutes(f.router)
	handlers.RegisterAdminRoutes(f.router)
	return f
}

func (f *accountFixture) do(method, path, body string, user *auth.User) *httptest.ResponseRecorder {
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

func (f *accountFixture) seedAccount(t *testing.T) *auth.ServiceAccount {
	t.Helper()
	account, err := f.service.Create(context.Background(), testAdmin(), "deployer", "ci pipeline")
	require.NoError(t, err)
	return account
}

func TestServiceAccountsFeatureFlagOff(t *testing.T) {
	f := newAccountFixture(t)
	f.flags.enabled[flags.ServiceAccounts] = false

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/admin/service-accounts"},
		{http.MethodPost, "/admin/service-accounts"},
		{http.MethodGet, "/admin/service-accounts/1"},
		{http.MethodGet, "/admin/service-accounts/1/keys"},
	} {
		w := f.do(route.method, route.path, "", testAdmin())
		assert.Equal(t, http.StatusForbidden, w.Code, "%s %s", route.method, route.path)
		resp := decodeBody(t, w)
		assert.Equal(t, CodeFeatureDisabled, resp["code"])
	}
}

func TestCreateServiceAccount(t *testing.T) {
	f := newAccountFixture(t)
	w := f.do(http.MethodPost, "/admin/service-accounts",
		`{"name": "deployer", "description": "ci pipeline"}`, testAdmin())

	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "deployer", resp["name"])
	assert.Equal(t, true, resp["is_active"])
}

func TestCreateServiceAccountDuplicate(t *testing.T) {
	f := newAccountFixture(t)
	f.seedAccount(t)

	w := f.do(http.MethodPost, "/admin/service-accounts", `{"name": "deployer"}`, testAdmin())
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateServiceAccountRequiresName(t *testing.T) {
	f := newAccountFixture(t)
	w := f.do(http.MethodPost, "/admin/service-accounts", `{"description": "no name"}`, testAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceAccountSetActive(t *testing.T) {
	f := newAccountFixture(t)
	account := f.seedAccount(t)

	w := f.do(http.MethodPatch, "/admin/service-accounts/1", `{"is_active": false}`, testAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, account.IsActive)

	w = f.do(http.MethodPatch, "/admin/service-accounts/1", `{}`, testAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIssueKeyShownOnce(t *testing.T) {
	f := newAccountFixture(t)
	f.seedAccount(t)

	w := f.do(http.MethodPost, "/admin/service-accounts/1/keys",
		`{"name": "ci", "scopes": ["uploads:write"]}`, testAdmin())

	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "chk_test_plaintext_secret", resp["api_key"])
	assert.Equal(t, true, resp["shown_once"])
	key, ok := resp["key"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "chk_test", key["key_prefix"])
	assert.NotContains(t, key, "key_hash")
}

func TestIssueKeyExpiryMustBeFuture(t *testing.T) {
	f := newAccountFixture(t)
	f.seedAccount(t)

	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	w := f.do(http.MethodPost, "/admin/service-accounts/1/keys",
		fmt.Sprintf(`{"name": "ci", "expires_at": %q}`, past), testAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIssueKeyDisabledAccount(t *testing.T) {
	f := newAccountFixture(t)
	account := f.seedAccount(t)
	account.IsActive = false

	w := f.do(http.MethodPost, "/admin/service-accounts/1/keys", `{"name": "ci"}`, testAdmin())
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestIssueKeyAccountNotFound(t *testing.T) {
	f := newAccountFixture(t)
	w := f.do(http.MethodPost, "/admin/service-accounts/9/keys", `{"name": "ci"}`, testAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRevokeKey(t *testing.T) {
	f := newAccountFixture(t)
	f.seedAccount(t)
	w := f.do(http.MethodPost, "/admin/service-accounts/1/keys", `{"name": "ci"}`, testAdmin())
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodDelete, "/admin/service-accounts/1/keys/2", "", testAdmin())
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []int64{2}, f.service.revoked)

	w = f.do(http.MethodDelete, "/admin/service-accounts/1/keys/9", "", testAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServiceAccountMutationsNeedHumanActor(t *testing.T) {
	f := newAccountFixture(t)
	f.seedAccount(t)

	r := httptest.NewRequest(http.MethodPost, "/admin/service-accounts/1/keys",
		strings.NewReader(`{"name": "self-issued"}`))
	r.Header.Set("Content-Type", "application/json")
	r = withServiceActor(r)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.service.keys)
}

func TestFlagGatedKeys(t *testing.T) {
	service := newFakeAccountService()
	_, err := service.Create(context.Background(), testAdmin(), "deployer", "")
	require.NoError(t, err)
	flagStore := &fakeFlags{enabled: map[string]bool{flags.ServiceAccounts: true}}
	keys := &flagGatedKeys{accounts: service, flags: flagStore}

	actor, err := keys.Authenticate(context.Background(), "chk_test_plaintext_secret")
	require.NoError(t, err)
	require.NotNil(t, actor.ServiceAccount)
	assert.Equal(t, "deployer", actor.ServiceAccount.Name)

	flagStore.enabled[flags.ServiceAccounts] = false
	_, err = keys.Authenticate(context.Background(), "chk_test_plaintext_secret")
	assert.ErrorIs(t, err, serviceaccounts.ErrInvalidKey)

	nilBacked := &flagGatedKeys{flags: flagStore}
	_, err = nilBacked.Authenticate(context.Background(), "anything")
	assert.ErrorIs(t, err, serviceaccounts.ErrInvalidKey)
}
