package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/flags"
	"github.com/controlhub/controlhub/pkg/store"
)

var (
	// ErrIdentityMismatch means the token's email already belongs to a
	// local account linked to a different Cognito subject.
	ErrIdentityMismatch = errors.New("identity does not match linked account")

	// ErrMissingEmail means the token carried no email claim and no
	// account is linked to its subject yet.
	ErrMissingEmail = errors.New("token carries no email claim")

	// ErrUserDisabled means the resolved account is deactivated.
	ErrUserDisabled = errors.New("account is disabled")

	// ErrLinkingDisabled means an unlinked local account matched the
	// token's email but automatic linking is switched off.
	ErrLinkingDisabled = errors.New("automatic identity linking is disabled")

	// ErrEmailUnverified means the provider has not verified the email
	// address the token wants to link on.
	ErrEmailUnverified = errors.New("email address is not verified by the identity provider")

	// ErrProvisioningDisabled means no local account matched and
	// automatic provisioning is switched off.
	ErrProvisioningDisabled = errors.New("automatic user provisioning is disabled")
)

// UserStore is the slice of the user store the linker needs.
type UserStore interface {
	GetUserByCognitoSub(ctx context.Context, sub string) (*auth.User, error)
	GetUserByEmail(ctx context.Context, email string) (*auth.User, error)
	SyncCognitoProfile(ctx context.Context, userID int64, profile store.CognitoProfile) error
	CreateUser(ctx context.Context, user *auth.User) error
}

// FlagSource reports runtime feature flags.
type FlagSource interface {
	Enabled(name string) bool
}

type noFlags struct{}

func (noFlags) Enabled(string) bool { return false }

// Linker resolves verified Cognito identities to local user accounts.
// Linking onto an existing account and provisioning a new one are each
// gated behind a feature flag and default to off.
type Linker struct {
	users  UserStore
	flags  FlagSource
	sink   audit.Logger
	logger *slog.Logger
}

// NewLinker creates an identity linker. A nil flag source leaves both
// auto-link and auto-provision off.
func NewLinker(users UserStore, flagSource FlagSource, sink audit.Logger, logger *slog.Logger) *Linker {
	if flagSource == nil {
		flagSource = noFlags{}
	}
	if sink == nil {
		sink = audit.NoOp()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{users: users, flags: flagSource, sink: sink, logger: logger}
}

// Resolve maps the identity to a local user. Resolution order: by subject,
// then by email, then auto-provisioning a least privilege account. An
// email already bound to a different subject is refused outright. Every
// successful resolution refreshes the account from the provider's view
// of the identity.
func (l *Linker) Resolve(ctx context.Context, identity *Identity) (*auth.User, error) {
	user, err := l.users.GetUserByCognitoSub(ctx, identity.Sub)
	switch {
	case err == nil:
		if err := l.syncProfile(ctx, user, identity); err != nil {
			return nil, err
		}
		return l.checkActive(ctx, user)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup by subject: %w", err)
	}

	email := strings.ToLower(strings.TrimSpace(identity.Email))
	if email == "" {
		return nil, ErrMissingEmail
	}

	user, err = l.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return l.linkExisting(ctx, user, identity)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup by email: %w", err)
	}

	return l.provision(ctx, email, identity)
}

func (l *Linker) linkExisting(ctx context.Context, user *auth.User, identity *Identity) (*auth.User, error) {
	if user.CognitoSub != "" && user.CognitoSub != identity.Sub {
		l.sink.LogAuth(ctx, audit.ActionAuthSubMismatchDenied, &user.ID, user.Email,
			audit.StatusDenied, "token subject does not match linked identity")
		l.logger.Warn("cognito subject mismatch",
			slog.Int64("user_id", user.ID),
			slog.String("email", user.Email))
		return nil, ErrIdentityMismatch
	}

	if !l.flags.Enabled(flags.CognitoAutoLink) {
		l.sink.LogAuth(ctx, audit.ActionAuthLinkDenied, &user.ID, user.Email,
			audit.StatusDenied, "automatic identity linking is disabled")
		return nil, ErrLinkingDisabled
	}
	if !identity.EmailVerified {
		l.sink.LogAuth(ctx, audit.ActionAuthLinkDenied, &user.ID, user.Email,
			audit.StatusDenied, "email not verified by identity provider")
		return nil, ErrEmailUnverified
	}

	if err := l.syncProfile(ctx, user, identity); err != nil {
		return nil, err
	}

	l.sink.LogAdmin(ctx, audit.ActionAuthCognitoLinked, &user.ID, user.Email,
		audit.TargetUser, strconv.FormatInt(user.ID, 10), user.Email, nil)
	return l.checkActive(ctx, user)
}

func (l *Linker) provision(ctx context.Context, email string, identity *Identity) (*auth.User, error) {
	if !l.flags.Enabled(flags.CognitoAutoProvision) {
		l.sink.LogAuth(ctx, audit.ActionAuthProvisionDenied, nil, email,
			audit.StatusDenied, "automatic user provisioning is disabled")
		return nil, ErrProvisioningDisabled
	}

	user := &auth.User{
		Email:         email,
		PasswordHash:  auth.NoPasswordSentinel,
		Role:          auth.RoleUser,
		IsActive:      true,
		AuthProvider:  auth.ProviderCognito,
		CognitoSub:    identity.Sub,
		EmailVerified: identity.EmailVerified,
		PhoneNumber:   identity.PhoneNumber,
		PhoneVerified: identity.PhoneVerified,
	}
	if err := l.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("provision user: %w", err)
	}

	l.sink.LogAdmin(ctx, audit.ActionAuthUserProvisioned, &user.ID, user.Email,
		audit.TargetUser, strconv.FormatInt(user.ID, 10), user.Email,
		map[string]any{"role": string(user.Role)})
	l.logger.Info("provisioned user from cognito identity",
		slog.Int64("user_id", user.ID),
		slog.String("email", user.Email))
	return user, nil
}

// syncProfile mirrors the provider's view of the identity onto the local
// account, including clearing any login lockout.
func (l *Linker) syncProfile(ctx context.Context, user *auth.User, identity *Identity) error {
	err := l.users.SyncCognitoProfile(ctx, user.ID, store.CognitoProfile{
		Sub:           identity.Sub,
		EmailVerified: identity.EmailVerified,
		PhoneNumber:   identity.PhoneNumber,
		PhoneVerified: identity.PhoneVerified,
	})
	if err != nil {
		return fmt.Errorf("sync profile: %w", err)
	}
	user.CognitoSub = identity.Sub
	user.AuthProvider = auth.ProviderCognito
	user.EmailVerified = identity.EmailVerified
	user.PhoneNumber = identity.PhoneNumber
	user.PhoneVerified = identity.PhoneVerified
	user.FailedLoginCount = 0
	user.LockedUntil = nil
	return nil
}

func (l *Linker) checkActive(ctx context.Context, user *auth.User) (*auth.User, error) {
	if !user.IsActive {
		l.sink.LogAuth(ctx, audit.ActionAuthDisabledUserDenied, &user.ID, user.Email,
			audit.StatusDenied, "disabled account presented a valid token")
		return nil, ErrUserDisabled
	}
	return user, nil
}
