package serviceaccounts

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
)

// ErrInvalidKey is returned for any authentication failure: unknown key,
// expired key, revoked key, or a disabled owning account. Callers never
// learn which.
var ErrInvalidKey = errors.New("invalid API key")

// ErrAccountDisabled is returned when a key is requested for a disabled
// service account.
var ErrAccountDisabled = errors.New("service account is disabled")

// Store is the slice of persistence the service needs.
type Store interface {
	CreateServiceAccount(ctx context.Context, account *auth.ServiceAccount) error
	GetServiceAccount(ctx context.Context, id int64) (*auth.ServiceAccount, error)
	ListServiceAccounts(ctx context.Context) ([]*auth.ServiceAccount, error)
	SetServiceAccountActive(ctx context.Context, id int64, active bool) error
	CreateAPIKey(ctx context.Context, key *auth.APIKey) error
	ListAPIKeys(ctx context.Context, serviceAccountID int64) ([]*auth.APIKey, error)
	ListActiveAPIKeys(ctx context.Context) ([]*auth.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID int64) error
	TouchAPIKey(ctx context.Context, keyID int64, when time.Time) error
}

// Service manages service accounts and authenticates their API keys.
type Service struct {
	store  Store
	sink   audit.Logger
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a service account manager.
func NewService(st Store, sink audit.Logger, logger *slog.Logger) *Service {
	if sink == nil {
		sink = audit.NoOp()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, sink: sink, logger: logger, now: time.Now}
}

// Create registers a new service account.
func (s *Service) Create(ctx context.Context, creator *auth.User, name, description string) (*auth.ServiceAccount, error) {
	account := &auth.ServiceAccount{
		Name:        name,
		Description: description,
		IsActive:    true,
		CreatedByID: creator.ID,
	}
	if err := s.store.CreateServiceAccount(ctx, account); err != nil {
		return nil, err
	}

	s.sink.LogAdmin(ctx, audit.ActionServiceAccountCreate, &creator.ID, creator.Email,
		audit.TargetServiceAccount, strconv.FormatInt(account.ID, 10), account.Name, nil)
	return account, nil
}

// Get fetches an account by id.
func (s *Service) Get(ctx context.Context, id int64) (*auth.ServiceAccount, error) {
	return s.store.GetServiceAccount(ctx, id)
}

// List returns all service accounts.
func (s *Service) List(ctx context.Context) ([]*auth.ServiceAccount, error) {
	return s.store.ListServiceAccounts(ctx)
}

// SetActive enables or disables an account. Disabling takes every key the
// account owns out of rotation at once.
func (s *Service) SetActive(ctx context.Context, actor *auth.User, id int64, active bool) error {
	if err := s.store.SetServiceAccountActive(ctx, id, active); err != nil {
		return err
	}

	action := audit.ActionServiceAccountDisable
	if active {
		action = audit.ActionServiceAccountEnable
	}
	s.sink.LogAdmin(ctx, action, &actor.ID, actor.Email,
		audit.TargetServiceAccount, strconv.FormatInt(id, 10), "", nil)
	return nil
}

// IssueKey mints a new API key for an account. The plaintext key is
// returned once and never persisted.
func (s *Service) IssueKey(ctx context.Context, creator *auth.User, serviceAccountID int64, name string, scopes []string, expiresAt *time.Time) (*auth.APIKey, string, error) {
	account, err := s.store.GetServiceAccount(ctx, serviceAccountID)
	if err != nil {
		return nil, "", err
	}
	if !account.IsActive {
		return nil, "", fmt.Errorf("service account %q: %w", account.Name, ErrAccountDisabled)
	}

	plaintext, hash, prefix, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}

	key := &auth.APIKey{
		ServiceAccountID: serviceAccountID,
		Name:             name,
		KeyHash:          hash,
		KeyPrefix:        prefix,
		Scopes:           scopes,
		ExpiresAt:        expiresAt,
		CreatedByID:      creator.ID,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}

	s.sink.LogAdmin(ctx, audit.ActionAPIKeyCreate, &creator.ID, creator.Email,
		audit.TargetAPIKey, strconv.FormatInt(key.ID, 10), key.KeyPrefix,
		map[string]any{"service_account_id": serviceAccountID, "scopes": scopes})
	return key, plaintext, nil
}

// ListKeys returns the keys owned by an account, revoked ones included.
func (s *Service) ListKeys(ctx context.Context, serviceAccountID int64) ([]*auth.APIKey, error) {
	return s.store.ListAPIKeys(ctx, serviceAccountID)
}

// RevokeKey permanently takes a key out of rotation.
func (s *Service) RevokeKey(ctx context.Context, actor *auth.User, keyID int64) error {
	if err := s.store.RevokeAPIKey(ctx, keyID); err != nil {
		return err
	}

	s.sink.LogAdmin(ctx, audit.ActionAPIKeyRevoke, &actor.ID, actor.Email,
		audit.TargetAPIKey, strconv.FormatInt(keyID, 10), "", nil)
	return nil
}

// Authenticate resolves a presented key to a machine actor. The hash of
// the presented key is compared against every active key in constant
// time; the scan always covers the full set so that timing reveals
// nothing about which key, if any, matched.
func (s *Service) Authenticate(ctx context.Context, presented string) (*auth.Actor, error) {
	if !ValidKeyFormat(presented) {
		return nil, ErrInvalidKey
	}

	keys, err := s.store.ListActiveAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active keys: %w", err)
	}

	presentedHash := []byte(HashKey(presented))
	var matched *auth.APIKey
	for _, key := range keys {
		if subtle.ConstantTimeCompare(presentedHash, []byte(key.KeyHash)) == 1 {
			matched = key
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	if matched.Expired(s.now()) {
		return nil, ErrInvalidKey
	}

	account, err := s.store.GetServiceAccount(ctx, matched.ServiceAccountID)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if !account.IsActive {
		return nil, ErrInvalidKey
	}

	if err := s.store.TouchAPIKey(ctx, matched.ID, s.now()); err != nil {
		s.logger.Warn("failed to record API key use",
			slog.Int64("key_id", matched.ID),
			slog.String("error", err.Error()))
	}

	return &auth.Actor{
		ServiceAccount: account,
		APIKey:         matched,
		Provider:       auth.ProviderAPIKey,
	}, nil
}

// HasScope reports whether the actor's key grants a scope. A "*" scope
// grants everything and a "jobs.*" style scope grants the whole family.
func HasScope(key *auth.APIKey, scope string) bool {
	for _, s := range key.Scopes {
		if s == "*" || s == scope {
			return true
		}
		if family, ok := strings.CutSuffix(s, ".*"); ok && strings.HasPrefix(scope, family+".") {
			return true
		}
	}
	return false
}
