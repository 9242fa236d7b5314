package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/controlhub/controlhub/pkg/auth"
)

// CreateServiceAccount inserts a service account and fills in its id.
func (s *Store) CreateServiceAccount(ctx context.Context, account *auth.ServiceAccount) error {
	query := `
		INSERT INTO service_accounts (name, description, is_active, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		account.Name, account.Description, account.IsActive, account.CreatedByID,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("service account %s %w", account.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to create service account: %w", err)
	}
	return nil
}

const serviceAccountColumns = `id, name, description, is_active, created_by, created_at, updated_at`

// GetServiceAccount fetches a service account by id.
func (s *Store) GetServiceAccount(ctx context.Context, id int64) (*auth.ServiceAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serviceAccountColumns+` FROM service_accounts WHERE id = $1`, id)
	return scanServiceAccount(row)
}

func scanServiceAccount(row rowScanner) (*auth.ServiceAccount, error) {
	var account auth.ServiceAccount
	var description sql.NullString
	err := row.Scan(&account.ID, &account.Name, &description,
		&account.IsActive, &account.CreatedByID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan service account: %w", err)
	}
	account.Description = description.String
	return &account, nil
}

// ListServiceAccounts returns every service account, newest first.
func (s *Store) ListServiceAccounts(ctx context.Context) ([]*auth.ServiceAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceAccountColumns+` FROM service_accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list service accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*auth.ServiceAccount
	for rows.Next() {
		account, err := scanServiceAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// SetServiceAccountActive enables or disables a service account.
func (s *Store) SetServiceAccountActive(ctx context.Context, id int64, active bool) error {
	return s.execOne(ctx,
		`UPDATE service_accounts SET is_active = $1, updated_at = NOW() WHERE id = $2`,
		active, id)
}

const apiKeyColumns = `id, service_account_id, name, key_hash, key_prefix, scopes,
	expires_at, last_used_at, revoked_at, created_by, created_at`

// CreateAPIKey stores the hash of a newly minted API key.
func (s *Store) CreateAPIKey(ctx context.Context, key *auth.APIKey) error {
	query := `
		INSERT INTO api_keys (service_account_id, name, key_hash, key_prefix, scopes, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		key.ServiceAccountID, key.Name, key.KeyHash, key.KeyPrefix,
		strings.Join(key.Scopes, ","), key.ExpiresAt, key.CreatedByID,
	).Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// ListActiveAPIKeys returns every non-revoked key belonging to an active
// service account. The authenticator scans them all so key comparison
// stays constant time.
func (s *Store) ListActiveAPIKeys(ctx context.Context) ([]*auth.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.id, k.service_account_id, k.name, k.key_hash, k.key_prefix, k.scopes,
			k.expires_at, k.last_used_at, k.revoked_at, k.created_by, k.created_at
		FROM api_keys k
		JOIN service_accounts a ON a.id = k.service_account_id
		WHERE k.revoked_at IS NULL AND a.is_active`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()
	return collectAPIKeys(rows)
}

// ListAPIKeys returns the keys of one service account, newest first,
// revoked included.
func (s *Store) ListAPIKeys(ctx context.Context, serviceAccountID int64) ([]*auth.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+apiKeyColumns+`
		FROM api_keys
		WHERE service_account_id = $1
		ORDER BY created_at DESC`, serviceAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()
	return collectAPIKeys(rows)
}

func collectAPIKeys(rows *sql.Rows) ([]*auth.APIKey, error) {
	var keys []*auth.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanAPIKey(row rowScanner) (*auth.APIKey, error) {
	var key auth.APIKey
	var scopes string
	var expiresAt, lastUsedAt, revokedAt sql.NullTime
	err := row.Scan(&key.ID, &key.ServiceAccountID, &key.Name, &key.KeyHash, &key.KeyPrefix,
		&scopes, &expiresAt, &lastUsedAt, &revokedAt, &key.CreatedByID, &key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}
	if scopes != "" {
		key.Scopes = strings.Split(scopes, ",")
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
	}
	return &key, nil
}

// RevokeAPIKey stamps a key revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID int64) error {
	return s.execOne(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`, keyID)
}

// RevokeExpiredAPIKeys stamps revoked_at on keys past their expiry so
// they stop listing as active. Called by the janitor.
func (s *Store) RevokeExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = $1
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND revoked_at IS NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke expired api keys: %w", err)
	}
	return res.RowsAffected()
}

// TouchAPIKey stamps last use. Best effort, fired after auth succeeds.
func (s *Store) TouchAPIKey(ctx context.Context, keyID int64, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, when, keyID)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}
