package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/contextkeys"
	"github.com/controlhub/controlhub/pkg/httputil"
	"github.com/controlhub/controlhub/pkg/oidc"
	"github.com/controlhub/controlhub/pkg/store"
)

var nowFunc = time.Now

// Stable error codes clients can branch on.
const (
	CodeMissingCredentials = "MISSING_CREDENTIALS"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeInvalidAPIKey      = "INVALID_API_KEY"
	CodeAccountDisabled    = "ACCOUNT_DISABLED"
	CodeSSONotAllowed      = "SSO_NOT_ALLOWED"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeInsufficientRole   = "INSUFFICIENT_PERMISSIONS"
)

// TokenParser validates locally issued JWTs.
type TokenParser interface {
	Parse(tokenString, expectedUse string) (*auth.Claims, error)
}

// Revocations answers whether a token id has been blocklisted.
type Revocations interface {
	IsRevoked(ctx context.Context, jti string) bool
}

// UserGetter loads users for token subjects.
type UserGetter interface {
	GetUserByID(ctx context.Context, id int64) (*auth.User, error)
}

// KeyAuthenticator resolves API keys to machine actors.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, presented string) (*auth.Actor, error)
}

// RemoteVerifier validates Cognito-issued tokens.
type RemoteVerifier interface {
	Verify(ctx context.Context, rawToken string) (*oidc.Identity, error)
}

// IdentityResolver maps a verified remote identity to a local user.
type IdentityResolver interface {
	Resolve(ctx context.Context, identity *oidc.Identity) (*auth.User, error)
}

// Guard resolves the actor behind each request. Credentials are tried in
// a fixed order: X-API-Key first, then a bearer token against the local
// issuer, then the remote verifier. The resolved actor lands on the
// request context under contextkeys.ActorKey.
type Guard struct {
	parser      TokenParser
	revocations Revocations
	users       UserGetter
	keys        KeyAuthenticator
	remote      RemoteVerifier
	resolver    IdentityResolver
	sink        audit.Logger
	logger      *slog.Logger
}

// GuardConfig collects the Guard's collaborators. Remote and Resolver may
// be nil when Cognito is not configured.
type GuardConfig struct {
	Parser      TokenParser
	Revocations Revocations
	Users       UserGetter
	Keys        KeyAuthenticator
	Remote      RemoteVerifier
	Resolver    IdentityResolver
	Sink        audit.Logger
	Logger      *slog.Logger
}

// NewGuard creates an authentication guard.
func NewGuard(cfg GuardConfig) *Guard {
	sink := cfg.Sink
	if sink == nil {
		sink = audit.NoOp()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		parser:      cfg.Parser,
		revocations: cfg.Revocations,
		users:       cfg.Users,
		keys:        cfg.Keys,
		remote:      cfg.Remote,
		resolver:    cfg.Resolver,
		sink:        sink,
		logger:      logger,
	}
}

// Handler wraps next with actor resolution. Requests without valid
// credentials never reach next.
func (g *Guard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			g.handleAPIKey(w, r, next, apiKey)
			return
		}

		bearer, ok := bearerToken(r)
		if !ok {
			httputil.WriteCodedError(w, http.StatusUnauthorized, CodeMissingCredentials, "authentication required")
			return
		}
		g.handleBearer(w, r, next, bearer)
	})
}

func (g *Guard) handleAPIKey(w http.ResponseWriter, r *http.Request, next http.Handler, apiKey string) {
	actor, err := g.keys.Authenticate(r.Context(), apiKey)
	if err != nil {
		g.sink.LogAuth(r.Context(), audit.ActionAPIKeyDenied, nil, "", audit.StatusDenied,
			"invalid API key presented to "+r.URL.Path)
		httputil.WriteCodedError(w, http.StatusUnauthorized, CodeInvalidAPIKey, "invalid API key")
		return
	}
	g.serve(w, r, next, actor)
}

func (g *Guard) handleBearer(w http.ResponseWriter, r *http.Request, next http.Handler, bearer string) {
	claims, err := g.parser.Parse(bearer, auth.TokenUseAccess)
	if err == nil {
		g.handleLocalToken(w, r, next, claims)
		return
	}
	if g.remote != nil && errors.Is(err, auth.ErrInvalidToken) {
		g.handleRemoteToken(w, r, next, bearer)
		return
	}
	httputil.WriteCodedError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid token")
}

func (g *Guard) handleLocalToken(w http.ResponseWriter, r *http.Request, next http.Handler, claims *auth.Claims) {
	ctx := r.Context()
	if g.revocations != nil && g.revocations.IsRevoked(ctx, claims.ID) {
		httputil.WriteCodedError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid token")
		return
	}

	userID, err := claims.SubjectID()
	if err != nil {
		httputil.WriteCodedError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid token")
		return
	}

	user, err := g.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.WriteCodedError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid token")
			return
		}
		g.logger.Error("failed to load token subject", slog.String("error", err.Error()))
		httputil.WriteInternalError(w, errors.New("authentication unavailable"))
		return
	}

	if !g.checkUser(w, r, user) {
		return
	}

	g.serve(w, r, next, &auth.Actor{User: user, Provider: auth.Provider(claims.Provider), TokenID: claims.ID})
}

func (g *Guard) handleRemoteToken(w http.ResponseWriter, r *http.Request, next http.Handler, bearer string) {
	ctx := r.Context()
	identity, err := g.remote.Verify(ctx, bearer)
	if err != nil {
		httputil.WriteCodedError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid token")
		return
	}

	user, err := g.resolver.Resolve(ctx, identity)
	if err != nil {
		switch {
		case errors.Is(err, oidc.ErrUserDisabled):
			httputil.WriteCodedError(w, http.StatusForbidden, CodeAccountDisabled, "account is disabled")
		case errors.Is(err, oidc.ErrLinkingDisabled), errors.Is(err, oidc.ErrEmailUnverified),
			errors.Is(err, oidc.ErrProvisioningDisabled):
			httputil.WriteCodedError(w, http.StatusForbidden, CodeSSONotAllowed, "account cannot be used for single sign-on")
		case errors.Is(err, oidc.ErrIdentityMismatch), errors.Is(err, oidc.ErrMissingEmail):
			httputil.WriteCodedError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid token")
		default:
			g.logger.Error("failed to resolve remote identity", slog.String("error", err.Error()))
			httputil.WriteInternalError(w, errors.New("authentication unavailable"))
		}
		return
	}

	if !g.checkUser(w, r, user) {
		return
	}

	g.serve(w, r, next, &auth.Actor{User: user, Provider: auth.ProviderCognito})
}

// checkUser enforces the account state gates shared by every human
// credential path.
func (g *Guard) checkUser(w http.ResponseWriter, r *http.Request, user *auth.User) bool {
	if !user.IsActive {
		g.auditDenied(r, user, "account disabled")
		httputil.WriteCodedError(w, http.StatusForbidden, CodeAccountDisabled, "account is disabled")
		return false
	}
	if user.Locked(nowFunc()) {
		g.auditDenied(r, user, "account locked")
		httputil.WriteLocked(w, CodeAccountLocked, "account is temporarily locked")
		return false
	}
	return true
}

func (g *Guard) auditDenied(r *http.Request, user *auth.User, reason string) {
	g.sink.LogAuth(r.Context(), audit.ActionAccessDenied, &user.ID, user.Email, audit.StatusDenied, reason)
}

func (g *Guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler, actor *auth.Actor) {
	ctx := contextkeys.WithActor(r.Context(), actor)
	if id := actor.UserID(); id != 0 {
		ctx = contextkeys.WithUserID(ctx, strconv.FormatInt(id, 10))
	}
	next.ServeHTTP(w, r.WithContext(ctx))
}

// RequireRole rejects actors below the minimum role. It assumes the
// Guard already ran.
func RequireRole(minRole auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFromContext(r.Context())
			if actor == nil {
				httputil.WriteCodedError(w, http.StatusUnauthorized, CodeMissingCredentials, "authentication required")
				return
			}
			if actor.RoleLevel() < minRole.Level() {
				audit.FromContext(r.Context()).LogAuth(r.Context(), audit.ActionAccessDenied,
					actorID(actor), actor.Email(), audit.StatusDenied, "requires role "+string(minRole))
				httputil.WriteCodedError(w, http.StatusForbidden, CodeInsufficientRole, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromContext returns the resolved actor, or nil outside the Guard.
func ActorFromContext(ctx context.Context) *auth.Actor {
	actor, _ := ctx.Value(contextkeys.ActorKey).(*auth.Actor)
	return actor
}

func actorID(actor *auth.Actor) *int64 {
	if id := actor.UserID(); id != 0 {
		return &id
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
