package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/flags"
	"github.com/controlhub/controlhub/pkg/httputil"
	"github.com/controlhub/controlhub/pkg/middleware"
	"github.com/controlhub/controlhub/pkg/observability"
	"github.com/controlhub/controlhub/pkg/oidc"
	"github.com/controlhub/controlhub/pkg/store"
)

// Lockout and token-lifetime policy for local credentials.
const (
	maxLoginFailures     = 5
	lockoutDuration      = 15 * time.Minute
	resetTokenTTL        = time.Hour
	verificationTokenTTL = 24 * time.Hour
)

// Error codes specific to the auth endpoints; the middleware package owns
// the shared ones.
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	CodeWeakPassword       = "WEAK_PASSWORD"
)

// AuthStore is the slice of the store the auth handlers need.
type AuthStore interface {
	GetUserByEmail(ctx context.Context, email string) (*auth.User, error)
	GetUserByID(ctx context.Context, id int64) (*auth.User, error)
	RecordLoginSuccess(ctx context.Context, userID int64, ip, userAgent string) error
	RecordLoginFailure(ctx context.Context, userID int64, maxFailures int, lockout time.Duration) (int, bool, error)
	SetPasswordHash(ctx context.Context, userID int64, hash string) error
	SetEmailVerified(ctx context.Context, userID int64) error
	CreateResetToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	CreateVerificationToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	ConsumeResetToken(ctx context.Context, tokenHash string) (int64, error)
	ConsumeVerificationToken(ctx context.Context, tokenHash string) (int64, error)
}

// TokenIssuer mints and validates local session tokens.
type TokenIssuer interface {
	AccessTTL() time.Duration
	IssueAccess(userID int64, provider auth.Provider) (string, error)
	IssueRefresh(userID int64, provider auth.Provider) (string, error)
	Parse(tokenString, expectedUse string) (*auth.Claims, error)
}

// TokenRevoker blocklists token ids until their natural expiry.
type TokenRevoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) bool
}

// FlagChecker answers runtime feature-flag queries.
type FlagChecker interface {
	Enabled(name string) bool
}

// Notifier delivers account emails. The server logs deliveries when no
// real mail transport is configured.
type Notifier interface {
	SendPasswordReset(ctx context.Context, email, token string) error
	SendEmailVerification(ctx context.Context, email, token string) error
}

// LoggingNotifier records deliveries on the application log instead of
// sending mail. Token values are never logged.
type LoggingNotifier struct {
	Logger *slog.Logger
}

func (n *LoggingNotifier) SendPasswordReset(_ context.Context, email, _ string) error {
	n.Logger.Info("password reset token issued", slog.String("email", email))
	return nil
}

func (n *LoggingNotifier) SendEmailVerification(_ context.Context, email, _ string) error {
	n.Logger.Info("verification token issued", slog.String("email", email))
	return nil
}

// AuthHandlers serves login, token lifecycle, and credential recovery.
type AuthHandlers struct {
	store    AuthStore
	issuer   TokenIssuer
	revoker  TokenRevoker
	remote   middleware.RemoteVerifier
	resolver middleware.IdentityResolver
	flags    FlagChecker
	notifier Notifier
	sink     audit.Logger
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewAuthHandlers creates the auth handler group. Remote and resolver may
// be nil when Cognito login is not configured; metrics may be nil.
func NewAuthHandlers(st AuthStore, issuer TokenIssuer, revoker TokenRevoker,
	remote middleware.RemoteVerifier, resolver middleware.IdentityResolver,
	flags FlagChecker, notifier Notifier, sink audit.Logger,
	metrics *observability.Metrics, logger *slog.Logger) *AuthHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = &LoggingNotifier{Logger: logger}
	}
	return &AuthHandlers{
		store:    st,
		issuer:   issuer,
		revoker:  revoker,
		remote:   remote,
		resolver: resolver,
		flags:    flags,
		notifier: notifier,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
	}
}

// RegisterPublicRoutes mounts the endpoints that accept unauthenticated
// callers.
func (h *AuthHandlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)
	router.HandleFunc("/auth/cognito/login", h.cognitoLogin).Methods(http.MethodPost)
	router.HandleFunc("/auth/refresh", h.refresh).Methods(http.MethodPost)
	router.HandleFunc("/auth/forgot-password", h.forgotPassword).Methods(http.MethodPost)
	router.HandleFunc("/auth/reset-password", h.resetPassword).Methods(http.MethodPost)
	router.HandleFunc("/auth/verify-email", h.verifyEmail).Methods(http.MethodPost)
}

// RegisterProtectedRoutes mounts the endpoints that require a resolved
// actor.
func (h *AuthHandlers) RegisterProtectedRoutes(router *mux.Router) {
	router.HandleFunc("/auth/me", h.me).Methods(http.MethodGet)
	router.HandleFunc("/auth/logout", h.logout).Methods(http.MethodPost)
	router.HandleFunc("/auth/change-password", h.changePassword).Methods(http.MethodPost)
	router.HandleFunc("/auth/resend-verification", h.resendVerification).Methods(http.MethodPost)
}

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int        `json:"expires_in"`
	User         *auth.User `json:"user"`
}

func (h *AuthHandlers) issueSession(w http.ResponseWriter, user *auth.User, provider auth.Provider) {
	access, err := h.issuer.IssueAccess(user.ID, provider)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to issue token"))
		return
	}
	refresh, err := h.issuer.IssueRefresh(user.ID, provider)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to issue token"))
		return
	}
	if h.metrics != nil {
		h.metrics.TokensIssuedTotal.WithLabelValues(auth.TokenUseAccess).Inc()
		h.metrics.TokensIssuedTotal.WithLabelValues(auth.TokenUseRefresh).Inc()
	}
	httputil.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(h.issuer.AccessTTL().Seconds()),
		User:         user,
	})
}

func (h *AuthHandlers) countLogin(provider, status string) {
	if h.metrics != nil {
		h.metrics.LoginAttemptsTotal.WithLabelValues(provider, status).Inc()
	}
}

func (h *AuthHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if !httputil.RequireNonEmpty(w, req.Email, "email") ||
		!httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	ctx := r.Context()
	user, err := h.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.countLogin("local", "failure")
			h.sink.LogAuth(ctx, audit.ActionAuthLoginFailed, nil, req.Email, audit.StatusFailure, "unknown email")
			httputil.WriteCodedError(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid email or password")
			return
		}
		httputil.WriteInternalError(w, errors.New("login failed"))
		return
	}

	// Lockout wins over everything, including a correct password.
	if user.Locked(time.Now()) {
		h.countLogin("local", "locked")
		h.sink.LogAuth(ctx, audit.ActionAuthLockedOut, &user.ID, user.Email, audit.StatusDenied, "account locked")
		httputil.WriteLocked(w, middleware.CodeAccountLocked, "account temporarily locked, try again later")
		return
	}

	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		failures, locked, ferr := h.store.RecordLoginFailure(ctx, user.ID, maxLoginFailures, lockoutDuration)
		if ferr != nil {
			h.logger.Error("failed to record login failure", slog.String("error", ferr.Error()))
		}
		h.countLogin("local", "failure")
		h.sink.LogAuth(ctx, audit.ActionAuthLoginFailed, &user.ID, user.Email, audit.StatusFailure, "wrong password")
		if locked {
			if h.metrics != nil {
				h.metrics.AccountLockoutTotal.Inc()
			}
			h.sink.LogAuth(ctx, audit.ActionAuthLockedOut, &user.ID, user.Email, audit.StatusDenied, "lockout threshold reached")
			httputil.WriteLocked(w, middleware.CodeAccountLocked, "account temporarily locked, try again later")
			return
		}
		h.logger.Info("login failed",
			slog.String("email", user.Email),
			slog.Int("failed_attempts", failures))
		httputil.WriteCodedError(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid email or password")
		return
	}

	if !user.IsActive {
		h.countLogin("local", "denied")
		h.sink.LogAuth(ctx, audit.ActionAuthDisabledUserDenied, &user.ID, user.Email, audit.StatusDenied, "account disabled")
		httputil.WriteCodedError(w, http.StatusForbidden, middleware.CodeAccountDisabled, "account is disabled")
		return
	}

	if h.flags != nil && h.flags.Enabled(flags.RequireVerifiedEmail) && !user.EmailVerified {
		h.countLogin("local", "denied")
		httputil.WriteCodedError(w, http.StatusForbidden, CodeEmailNotVerified, "email address is not verified")
		return
	}

	if err := h.store.RecordLoginSuccess(ctx, user.ID, clientIP(r), r.UserAgent()); err != nil {
		h.logger.Error("failed to record login", slog.String("error", err.Error()))
	}
	h.countLogin("local", "success")
	h.sink.LogAuth(ctx, audit.ActionAuthLogin, &user.ID, user.Email, audit.StatusSuccess, "")
	h.issueSession(w, user, auth.ProviderLocal)
}

func (h *AuthHandlers) cognitoLogin(w http.ResponseWriter, r *http.Request) {
	if h.remote == nil || h.resolver == nil {
		httputil.WriteCodedError(w, http.StatusNotImplemented, "SSO_DISABLED", "external login is not configured")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Token, "token") {
		return
	}

	ctx := r.Context()
	identity, err := h.remote.Verify(ctx, req.Token)
	if err != nil {
		h.countLogin("cognito", "failure")
		h.sink.LogAuth(ctx, audit.ActionAuthLoginFailed, nil, "", audit.StatusFailure, "cognito token rejected")
		httputil.WriteCodedError(w, http.StatusUnauthorized, middleware.CodeInvalidToken, "token verification failed")
		return
	}

	user, err := h.resolver.Resolve(ctx, identity)
	if err != nil {
		h.countLogin("cognito", "denied")
		switch {
		case errors.Is(err, oidc.ErrUserDisabled):
			httputil.WriteCodedError(w, http.StatusForbidden, middleware.CodeAccountDisabled, "account is disabled")
		case errors.Is(err, oidc.ErrIdentityMismatch):
			httputil.WriteCodedError(w, http.StatusForbidden, "IDENTITY_MISMATCH", "identity does not match the linked account")
		case errors.Is(err, oidc.ErrMissingEmail):
			httputil.WriteBadRequest(w, "token carries no email address")
		default:
			httputil.WriteInternalError(w, errors.New("login failed"))
		}
		return
	}

	if err := h.store.RecordLoginSuccess(ctx, user.ID, clientIP(r), r.UserAgent()); err != nil {
		h.logger.Error("failed to record login", slog.String("error", err.Error()))
	}
	h.countLogin("cognito", "success")
	h.sink.LogAuth(ctx, audit.ActionAuthCognitoLogin, &user.ID, user.Email, audit.StatusSuccess, "")
	h.issueSession(w, user, auth.ProviderCognito)
}

func (h *AuthHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.RefreshToken, "refresh_token") {
		return
	}

	ctx := r.Context()
	claims, err := h.issuer.Parse(req.RefreshToken, auth.TokenUseRefresh)
	if err != nil {
		httputil.WriteCodedError(w, http.StatusUnauthorized, middleware.CodeInvalidToken, "invalid refresh token")
		return
	}
	if h.revoker.IsRevoked(ctx, claims.ID) {
		httputil.WriteCodedError(w, http.StatusUnauthorized, middleware.CodeInvalidToken, "invalid refresh token")
		return
	}
	userID, err := claims.SubjectID()
	if err != nil {
		httputil.WriteCodedError(w, http.StatusUnauthorized, middleware.CodeInvalidToken, "invalid refresh token")
		return
	}

	user, err := h.store.GetUserByID(ctx, userID)
	if err != nil {
		httputil.WriteCodedError(w, http.StatusUnauthorized, middleware.CodeInvalidToken, "invalid refresh token")
		return
	}
	if !user.IsActive {
		httputil.WriteCodedError(w, http.StatusForbidden, middleware.CodeAccountDisabled, "account is disabled")
		return
	}
	if user.Locked(time.Now()) {
		httputil.WriteLocked(w, middleware.CodeAccountLocked, "account temporarily locked, try again later")
		return
	}

	// Rotate: the presented refresh token is dead after one use.
	if err := h.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		h.logger.Error("failed to revoke refresh token", slog.String("error", err.Error()))
	}
	h.sink.LogAuth(ctx, audit.ActionAuthTokenRefresh, &user.ID, user.Email, audit.StatusSuccess, "")
	h.issueSession(w, user, auth.Provider(claims.Provider))
}

func (h *AuthHandlers) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.ActorFromContext(ctx)
	if actor == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	// Blocklist the presented access token for its remaining lifetime.
	if raw := bearerFromRequest(r); raw != "" {
		if claims, err := h.issuer.Parse(raw, auth.TokenUseAccess); err == nil {
			if err := h.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
				h.logger.Error("failed to revoke access token", slog.String("error", err.Error()))
			} else if h.metrics != nil {
				h.metrics.TokensRevokedTotal.Inc()
			}
		}
	}

	// Callers may hand over their refresh token to kill the whole session.
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := httputil.ParseJSON(r, &req); err == nil && req.RefreshToken != "" {
		if claims, err := h.issuer.Parse(req.RefreshToken, auth.TokenUseRefresh); err == nil {
			if err := h.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
				h.logger.Error("failed to revoke refresh token", slog.String("error", err.Error()))
			}
		}
	}

	uid := actorID(actor)
	h.sink.LogAuth(ctx, audit.ActionAuthLogout, uid, actor.Email(), audit.StatusSuccess, "")
	httputil.WriteSuccessMessage(w, "logged out", nil)
}

func (h *AuthHandlers) me(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if actor.IsService() {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"service_account": actor.ServiceAccount,
			"key_prefix":      actor.APIKey.KeyPrefix,
			"scopes":          actor.APIKey.Scopes,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, actor.User)
}

func (h *AuthHandlers) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}

	ctx := r.Context()
	user, err := h.store.GetUserByEmail(ctx, req.Email)
	if err == nil && user.IsActive && user.AuthProvider == auth.ProviderLocal {
		raw, hash, gerr := auth.GenerateResetToken()
		if gerr == nil {
			if cerr := h.store.CreateResetToken(ctx, user.ID, hash, time.Now().Add(resetTokenTTL)); cerr == nil {
				h.sink.LogAuth(ctx, audit.ActionAuthPasswordResetRequest, &user.ID, user.Email, audit.StatusSuccess, "")
				if nerr := h.notifier.SendPasswordReset(ctx, user.Email, raw); nerr != nil {
					h.logger.Error("failed to deliver reset token", slog.String("error", nerr.Error()))
				}
			}
		}
	}

	// Same answer whether or not the account exists.
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "if the account exists, a reset link has been sent",
	})
}

func (h *AuthHandlers) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Token, "token") {
		return
	}
	if ok, reason := auth.ValidatePasswordStrength(req.NewPassword); !ok {
		httputil.WriteCodedError(w, http.StatusBadRequest, CodeWeakPassword, reason)
		return
	}

	ctx := r.Context()
	userID, err := h.store.ConsumeResetToken(ctx, auth.HashResetToken(req.Token))
	if err != nil {
		httputil.WriteBadRequest(w, "invalid or expired token")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to update password"))
		return
	}
	if err := h.store.SetPasswordHash(ctx, userID, hash); err != nil {
		httputil.WriteInternalError(w, errors.New("failed to update password"))
		return
	}

	h.sink.LogAuth(ctx, audit.ActionAuthPasswordReset, &userID, "", audit.StatusSuccess, "")
	httputil.WriteSuccessMessage(w, "password updated", nil)
}

func (h *AuthHandlers) changePassword(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == nil || actor.IsService() {
		httputil.WriteForbidden(w, "service accounts have no password")
		return
	}
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ctx := r.Context()
	user := actor.User
	if !auth.CheckPassword(user.PasswordHash, req.CurrentPassword) {
		h.sink.LogAuth(ctx, audit.ActionAuthPasswordChange, &user.ID, user.Email, audit.StatusFailure, "wrong current password")
		httputil.WriteCodedError(w, http.StatusUnauthorized, CodeInvalidCredentials, "current password is incorrect")
		return
	}
	if ok, reason := auth.ValidatePasswordStrength(req.NewPassword); !ok {
		httputil.WriteCodedError(w, http.StatusBadRequest, CodeWeakPassword, reason)
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to update password"))
		return
	}
	if err := h.store.SetPasswordHash(ctx, user.ID, hash); err != nil {
		httputil.WriteInternalError(w, errors.New("failed to update password"))
		return
	}

	h.sink.LogAuth(ctx, audit.ActionAuthPasswordChange, &user.ID, user.Email, audit.StatusSuccess, "")
	httputil.WriteSuccessMessage(w, "password updated", nil)
}

func (h *AuthHandlers) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Token, "token") {
		return
	}

	ctx := r.Context()
	userID, err := h.store.ConsumeVerificationToken(ctx, auth.HashResetToken(req.Token))
	if err != nil {
		httputil.WriteBadRequest(w, "invalid or expired token")
		return
	}
	if err := h.store.SetEmailVerified(ctx, userID); err != nil {
		httputil.WriteInternalError(w, errors.New("failed to verify email"))
		return
	}

	h.sink.LogAuth(ctx, audit.ActionAuthEmailVerified, &userID, "", audit.StatusSuccess, "")
	httputil.WriteSuccessMessage(w, "email verified", nil)
}

func (h *AuthHandlers) resendVerification(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == nil || actor.IsService() {
		httputil.WriteForbidden(w, "service accounts have no email address")
		return
	}
	user := actor.User
	if user.EmailVerified {
		httputil.WriteBadRequest(w, "email address is already verified")
		return
	}

	ctx := r.Context()
	raw, hash, err := auth.GenerateResetToken()
	if err != nil {
		httputil.WriteInternalError(w, errors.New("failed to issue token"))
		return
	}
	if err := h.store.CreateVerificationToken(ctx, user.ID, hash, time.Now().Add(verificationTokenTTL)); err != nil {
		httputil.WriteInternalError(w, errors.New("failed to issue token"))
		return
	}
	h.sink.LogAuth(ctx, audit.ActionAuthVerifyRequest, &user.ID, user.Email, audit.StatusSuccess, "")
	if err := h.notifier.SendEmailVerification(ctx, user.Email, raw); err != nil {
		h.logger.Error("failed to deliver verification token", slog.String("error", err.Error()))
	}
	httputil.WriteSuccessMessage(w, "verification email sent", nil)
}

func bearerFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			return strings.TrimSpace(forwarded[:i])
		}
		return strings.TrimSpace(forwarded)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

func actorID(actor *auth.Actor) *int64 {
	if actor.User != nil {
		return &actor.User.ID
	}
	return nil
}
