package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Token purposes stored in password_reset_tokens. Email verification
// reuses the same single-use hashed-token structure.
const (
	TokenPurposeReset  = "password_reset"
	TokenPurposeVerify = "email_verify"
)

// CreateResetToken stores the hash of a password reset token.
func (s *Store) CreateResetToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	return s.createToken(ctx, userID, tokenHash, TokenPurposeReset, expiresAt)
}

// CreateVerificationToken stores the hash of an email verification token.
func (s *Store) CreateVerificationToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	return s.createToken(ctx, userID, tokenHash, TokenPurposeVerify, expiresAt)
}

func (s *Store) createToken(ctx context.Context, userID int64, tokenHash, purpose string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_reset_tokens (user_id, token_hash, purpose, expires_at)
		VALUES ($1, $2, $3, $4)`,
		userID, tokenHash, purpose, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to create %s token: %w", purpose, err)
	}
	return nil
}

// ConsumeResetToken marks a password reset token used and returns the
// owning user id. A token that is unknown, expired, already used, or of
// the wrong purpose yields ErrNotFound; the caller cannot tell which.
func (s *Store) ConsumeResetToken(ctx context.Context, tokenHash string) (int64, error) {
	return s.consumeToken(ctx, tokenHash, TokenPurposeReset)
}

// ConsumeVerificationToken marks an email verification token used and
// returns the owning user id.
func (s *Store) ConsumeVerificationToken(ctx context.Context, tokenHash string) (int64, error) {
	return s.consumeToken(ctx, tokenHash, TokenPurposeVerify)
}

func (s *Store) consumeToken(ctx context.Context, tokenHash, purpose string) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE password_reset_tokens
		SET used_at = NOW()
		WHERE token_hash = $1 AND purpose = $2 AND used_at IS NULL AND expires_at > NOW()
		RETURNING user_id`, tokenHash, purpose).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to consume %s token: %w", purpose, err)
	}
	return userID, nil
}

// PurgeResetTokens deletes expired and used rows. Called by the janitor.
func (s *Store) PurgeResetTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM password_reset_tokens
		WHERE expires_at < $1 OR used_at IS NOT NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge reset tokens: %w", err)
	}
	return res.RowsAffected()
}
