package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/flags"
	"github.com/controlhub/controlhub/pkg/store"
)

type fakeAuthStore struct {
	byEmail map[string]*auth.User
	byID    map[int64]*auth.User

	failures map[int64]int

	resetTokens  map[string]int64
	verifyTokens map[string]int64
	passwords    map[int64]string
	verified     map[int64]bool
}

func newFakeAuthStore(users ...*auth.User) *fakeAuthStore {
	f := &fakeAuthStore{
		byEmail:      map[string]*auth.User{},
		byID:         map[int64]*auth.User{},
		failures:     map[int64]int{},
		resetTokens:  map[string]int64{},
		verifyTokens: map[string]int64{},
		passwords:    map[int64]string{},
		verified:     map[int64]bool{},
	}
	for _, u := range users {
		f.byEmail[u.Email] = u
		f.byID[u.ID] = u
	}
	return f
}

func (f *fakeAuthStore) GetUserByEmail(_ context.Context, email string) (*auth.User, error) {
	if u, ok := f.byEmail[email]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeAuthStore) GetUserByID(_ context.Context, id int64) (*auth.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeAuthStore) RecordLoginSuccess(_ context.Context, userID int64, _, _ string) error {
	f.failures[userID] = 0
	return nil
}

func (f *fakeAuthStore) RecordLoginFailure(_ context.Context, userID int64, maxFailures int, lockout time.Duration) (int, bool, error) {
	f.failures[userID]++
	if f.failures[userID] >= maxFailures {
		until := time.Now().Add(lockout)
		f.byID[userID].LockedUntil = &until
		return f.failures[userID], true, nil
	}
	return f.failures[userID], false, nil
}

func (f *fakeAuthStore) SetPasswordHash(_ context.Context, userID int64, hash string) error {
	f.passwords[userID] = hash
	return nil
}

func (f *fakeAuthStore) SetEmailVerified(_ context.Context, userID int64) error {
	f.verified[userID] = true
	return nil
}

func (f *fakeAuthStore) CreateResetToken(_ context.Context, userID int64, tokenHash string, _ time.Time) error {
	f.resetTokens[tokenHash] = userID
	return nil
}

func (f *fakeAuthStore) CreateVerificationToken(_ context.Context, userID int64, tokenHash string, _ time.Time) error {
	f.verifyTokens[tokenHash] = userID
	return nil
}

func (f *fakeAuthStore) ConsumeResetToken(_ context.Context, tokenHash string) (int64, error) {
	id, ok := f.resetTokens[tokenHash]
	if !ok {
		return 0, store.ErrNotFound
	}
	delete(f.resetTokens, tokenHash)
	return id, nil
}

func (f *fakeAuthStore) ConsumeVerificationToken(_ context.Context, tokenHash string) (int64, error) {
	id, ok := f.verifyTokens[tokenHash]
	if !ok {
		return 0, store.ErrNotFound
	}
	delete(f.verifyTokens, tokenHash)
	return id, nil
}

type captureNotifier struct {
	resetTokens  []string
	verifyTokens []string
}

func (c *captureNotifier) SendPasswordReset(_ context.Context, _, token string) error {
	c.resetTokens = append(c.resetTokens, token)
	return nil
}

func (c *captureNotifier) SendEmailVerification(_ context.Context, _, token string) error {
	c.verifyTokens = append(c.verifyTokens, token)
	return nil
}

type authFixture struct {
	store    *fakeAuthStore
	issuer   *auth.Issuer
	revoker  *fakeRevoker
	sink     *captureSink
	notifier *captureNotifier
	flags    *fakeFlags
	router   *mux.Router
}

func newAuthFixture(t *testing.T, users ...*auth.User) *authFixture {
	t.Helper()
	issuer, err := auth.NewIssuer(auth.DefaultIssuerConfig([]byte("test-secret")))
	require.NoError(t, err)

	f := &authFixture{
		store:    newFakeAuthStore(users...),
		issuer:   issuer,
		revoker:  newFakeRevoker(),
		sink:     newCaptureSink(),
		notifier: &captureNotifier{},
		flags:    &fakeFlags{enabled: map[string]bool{}},
	}
	h := NewAuthHandlers(f.store, f.issuer, f.revoker, nil, nil,
		f.flags, f.notifier, f.sink, nil, nil)
	f.router = mux.NewRouter()
	h.RegisterPublicRoutes(f.router)
	h.RegisterProtectedRoutes(f.router)
	return f
}

func localUser(t *testing.T, id int64, email, password string) *auth.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	return &auth.User{
		ID:           id,
		Email:        email,
		PasswordHash: hash,
		Role:         auth.RoleUser,
		IsActive:     true,
		AuthProvider: auth.ProviderLocal,
	}
}

func postJSON(router *mux.Router, path string, payload any) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLoginSuccess(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	w := postJSON(f.router, "/auth/login", map[string]string{
		"email":    "ops@example.com",
		"password": "correct horse battery",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, "bearer", body["token_type"])
	assert.Contains(t, f.sink.authActions, audit.ActionAuthLogin)

	// The issued access token round-trips through the issuer.
	claims, err := f.issuer.Parse(body["access_token"].(string), auth.TokenUseAccess)
	require.NoError(t, err)
	id, err := claims.SubjectID()
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	f := newAuthFixture(t)

	w := postJSON(f.router, "/auth/login", map[string]string{
		"email":    "ghost@example.com",
		"password": "whatever password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid email or password")
	assert.Contains(t, f.sink.authActions, audit.ActionAuthLoginFailed)
}

func TestLoginWrongPassword(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	w := postJSON(f.router, "/auth/login", map[string]string{
		"email":    "ops@example.com",
		"password": "not the password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 1, f.store.failures[7])
}

func TestLoginLockoutThreshold(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	var w *httptest.ResponseRecorder
	for i := 0; i < maxLoginFailures; i++ {
		w = postJSON(f.router, "/auth/login", map[string]string{
			"email":    "ops@example.com",
			"password": "not the password",
		})
	}
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Contains(t, f.sink.authActions, audit.ActionAuthLockedOut)

	// Even the correct password is refused while locked.
	w = postJSON(f.router, "/auth/login", map[string]string{
		"email":    "ops@example.com",
		"password": "correct horse battery",
	})
	assert.Equal(t, http.StatusLocked, w.Code)
}

func TestLoginDisabledAccount(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	user.IsActive = false
	f := newAuthFixture(t, user)

	w := postJSON(f.router, "/auth/login", map[string]string{
		"email":    "ops@example.com",
		"password": "correct horse battery",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, f.sink.authActions, audit.ActionAuthDisabledUserDenied)
}

func TestLoginRequiresVerifiedEmail(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)
	f.flags.enabled[flags.RequireVerifiedEmail] = true

	w := postJSON(f.router, "/auth/login", map[string]string{
		"email":    "ops@example.com",
		"password": "correct horse battery",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), CodeEmailNotVerified)

	user.EmailVerified = true
	w = postJSON(f.router, "/auth/login", map[string]string{
		"email":    "ops@example.com",
		"password": "correct horse battery",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRefreshRotates(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	refresh, err := f.issuer.IssueRefresh(7, auth.ProviderLocal)
	require.NoError(t, err)
	claims, err := f.issuer.Parse(refresh, auth.TokenUseRefresh)
	require.NoError(t, err)

	w := postJSON(f.router, "/auth/refresh", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.revoker.revoked[claims.ID], "presented refresh token must be revoked")

	// The same token is now refused.
	w = postJSON(f.router, "/auth/refresh", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	access, err := f.issuer.IssueAccess(7, auth.ProviderLocal)
	require.NoError(t, err)

	w := postJSON(f.router, "/auth/refresh", map[string]string{"refresh_token": access})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshDisabledUser(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	user.IsActive = false
	f := newAuthFixture(t, user)

	refresh, err := f.issuer.IssueRefresh(7, auth.ProviderLocal)
	require.NoError(t, err)

	w := postJSON(f.router, "/auth/refresh", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	access, err := f.issuer.IssueAccess(7, auth.ProviderLocal)
	require.NoError(t, err)
	claims, err := f.issuer.Parse(access, auth.TokenUseAccess)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	req = withUser(req, user)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.revoker.revoked[claims.ID])
	assert.Contains(t, f.sink.authActions, audit.ActionAuthLogout)
}

func TestMe(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = withUser(req, user)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ops@example.com", body["email"])
	assert.NotContains(t, w.Body.String(), "password")
}

func TestMeServiceActor(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = withServiceActor(req)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "chk_abcd", body["key_prefix"])
}

func TestForgotPasswordIsAntiEnumeration(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	known := postJSON(f.router, "/auth/forgot-password", map[string]string{"email": "ops@example.com"})
	unknown := postJSON(f.router, "/auth/forgot-password", map[string]string{"email": "ghost@example.com"})

	assert.Equal(t, http.StatusOK, known.Code)
	assert.Equal(t, http.StatusOK, unknown.Code)
	assert.Equal(t, known.Body.String(), unknown.Body.String())

	// Only the real account got a token.
	assert.Len(t, f.notifier.resetTokens, 1)
	assert.Len(t, f.store.resetTokens, 1)
}

func TestForgotPasswordSkipsCognitoAccounts(t *testing.T) {
	user := localUser(t, 7, "sso@example.com", "correct horse battery")
	user.AuthProvider = auth.ProviderCognito
	f := newAuthFixture(t, user)

	w := postJSON(f.router, "/auth/forgot-password", map[string]string{"email": "sso@example.com"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.notifier.resetTokens)
}

func TestResetPasswordFlow(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	postJSON(f.router, "/auth/forgot-password", map[string]string{"email": "ops@example.com"})
	require.Len(t, f.notifier.resetTokens, 1)
	token := f.notifier.resetTokens[0]

	w := postJSON(f.router, "/auth/reset-password", map[string]string{
		"token":        token,
		"new_password": "an entirely new passphrase",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, auth.CheckPassword(f.store.passwords[7], "an entirely new passphrase"))
	assert.Contains(t, f.sink.authActions, audit.ActionAuthPasswordReset)

	// Single use.
	w = postJSON(f.router, "/auth/reset-password", map[string]string{
		"token":        token,
		"new_password": "yet another passphrase",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResetPasswordRejectsWeak(t *testing.T) {
	f := newAuthFixture(t)

	w := postJSON(f.router, "/auth/reset-password", map[string]string{
		"token":        "whatever",
		"new_password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), CodeWeakPassword)
}

func TestChangePassword(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	body, _ := json.Marshal(map[string]string{
		"current_password": "correct horse battery",
		"new_password":     "an entirely new passphrase",
	})
	req := httptest.NewRequest(http.MethodPost, "/auth/change-password", bytes.NewReader(body))
	req = withUser(req, user)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, auth.CheckPassword(f.store.passwords[7], "an entirely new passphrase"))
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	body, _ := json.Marshal(map[string]string{
		"current_password": "not it",
		"new_password":     "an entirely new passphrase",
	})
	req := httptest.NewRequest(http.MethodPost, "/auth/change-password", bytes.NewReader(body))
	req = withUser(req, user)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.store.passwords)
}

func TestVerifyEmailFlow(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	f := newAuthFixture(t, user)

	req := httptest.NewRequest(http.MethodPost, "/auth/resend-verification", nil)
	req = withUser(req, user)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.notifier.verifyTokens, 1)

	verify := postJSON(f.router, "/auth/verify-email", map[string]string{
		"token": f.notifier.verifyTokens[0],
	})
	require.Equal(t, http.StatusOK, verify.Code)
	assert.True(t, f.store.verified[7])
	assert.Contains(t, f.sink.authActions, audit.ActionAuthEmailVerified)
}

func TestResendVerificationAlreadyVerified(t *testing.T) {
	user := localUser(t, 7, "ops@example.com", "correct horse battery")
	user.EmailVerified = true
	f := newAuthFixture(t, user)

	req := httptest.NewRequest(http.MethodPost, "/auth/resend-verification", nil)
	req = withUser(req, user)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
