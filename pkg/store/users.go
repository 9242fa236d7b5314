package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/controlhub/controlhub/pkg/auth"
)

const userColumns = `id, email, password_hash, role, is_active,
	auth_provider, cognito_sub, email_verified,
	phone_number, phone_verified, mfa_enabled,
	failed_login_count, locked_until,
	last_login_at, last_login_ip, last_login_user_agent,
	created_at, updated_at`

// CreateUser inserts a user and fills in its assigned id.
func (s *Store) CreateUser(ctx context.Context, user *auth.User) error {
	query := `
		INSERT INTO users (
			email, password_hash, role, is_active,
			auth_provider, cognito_sub, email_verified,
			phone_number, phone_verified
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	var cognitoSub any
	if user.CognitoSub != "" {
		cognitoSub = user.CognitoSub
	}
	err := s.db.QueryRowContext(ctx, query,
		strings.ToLower(user.Email), user.PasswordHash, user.Role, user.IsActive,
		user.AuthProvider, cognitoSub, user.EmailVerified,
		user.PhoneNumber, user.PhoneVerified,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user with email %s %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID fetches a user by id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*auth.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetUserByEmail fetches a user by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email))
}

// GetUserByCognitoSub fetches the user linked to a Cognito subject.
func (s *Store) GetUserByCognitoSub(ctx context.Context, sub string) (*auth.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE cognito_sub = $1`, sub)
}

func (s *Store) getUser(ctx context.Context, query string, args ...any) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var user auth.User
	var cognitoSub, phoneNumber, lastIP, lastUA sql.NullString
	var lockedUntil, lastLoginAt sql.NullTime
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.IsActive,
		&user.AuthProvider, &cognitoSub, &user.EmailVerified,
		&phoneNumber, &user.PhoneVerified, &user.MFAEnabled,
		&user.FailedLoginCount, &lockedUntil,
		&lastLoginAt, &lastIP, &lastUA,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.CognitoSub = cognitoSub.String
	user.PhoneNumber = phoneNumber.String
	user.LastLoginIP = lastIP.String
	user.LastLoginUserAgent = lastUA.String
	if lockedUntil.Valid {
		user.LockedUntil = &lockedUntil.Time
	}
	if lastLoginAt.Valid {
		user.LastLoginAt = &lastLoginAt.Time
	}
	return &user, nil
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	Role     auth.Role
	IsActive *bool
	Provider auth.Provider
	Search   string
	Limit    int
	Offset   int
}

// ListUsers returns users matching the filter, newest first.
func (s *Store) ListUsers(ctx context.Context, filter UserFilter) ([]*auth.User, error) {
	var conditions []string
	var args []any
	argNum := 1

	if filter.Role != "" {
		conditions = append(conditions, fmt.Sprintf("role = $%d", argNum))
		args = append(args, filter.Role)
		argNum++
	}
	if filter.IsActive != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", argNum))
		args = append(args, *filter.IsActive)
		argNum++
	}
	if filter.Provider != "" {
		conditions = append(conditions, fmt.Sprintf("auth_provider = $%d", argNum))
		args = append(args, filter.Provider)
		argNum++
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("email ILIKE $%d", argNum))
		args = append(args, "%"+filter.Search+"%")
		argNum++
	}

	query := `SELECT ` + userColumns + ` FROM users`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argNum)
	args = append(args, limit)
	argNum++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpdateUserRole changes a user's role.
func (s *Store) UpdateUserRole(ctx context.Context, userID int64, role auth.Role) error {
	return s.execOne(ctx,
		`UPDATE users SET role = $1, updated_at = NOW() WHERE id = $2`,
		role, userID)
}

// SetUserActive enables or disables an account.
func (s *Store) SetUserActive(ctx context.Context, userID int64, active bool) error {
	return s.execOne(ctx,
		`UPDATE users SET is_active = $1, updated_at = NOW() WHERE id = $2`,
		active, userID)
}

// SetPasswordHash replaces the stored password hash and clears any lockout.
func (s *Store) SetPasswordHash(ctx context.Context, userID int64, hash string) error {
	return s.execOne(ctx,
		`UPDATE users SET password_hash = $1, failed_login_count = 0, locked_until = NULL, updated_at = NOW() WHERE id = $2`,
		hash, userID)
}

// SetEmailVerified marks an account's email address verified.
func (s *Store) SetEmailVerified(ctx context.Context, userID int64) error {
	return s.execOne(ctx,
		`UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`,
		userID)
}

// CognitoProfile carries the identity attributes mirrored onto the local
// account on every successful token resolution.
type CognitoProfile struct {
	Sub           string
	EmailVerified bool
	PhoneNumber   string
	PhoneVerified bool
}

// SyncCognitoProfile binds the Cognito subject to the account and
// refreshes it from the identity provider's view: verification state and
// phone number are mirrored, the auth provider is stamped, and any login
// lockout is cleared since the provider vouched for the credential.
func (s *Store) SyncCognitoProfile(ctx context.Context, userID int64, profile CognitoProfile) error {
	return s.execOne(ctx, `
		UPDATE users SET
			cognito_sub = $1,
			auth_provider = $2,
			email_verified = $3,
			phone_number = $4,
			phone_verified = $5,
			failed_login_count = 0,
			locked_until = NULL,
			updated_at = NOW()
		WHERE id = $6`,
		profile.Sub, auth.ProviderCognito, profile.EmailVerified,
		profile.PhoneNumber, profile.PhoneVerified, userID)
}

// RecordLoginSuccess clears failure tracking and stamps the login metadata.
func (s *Store) RecordLoginSuccess(ctx context.Context, userID int64, ip, userAgent string) error {
	return s.execOne(ctx, `
		UPDATE users SET
			failed_login_count = 0,
			locked_until = NULL,
			last_login_at = NOW(),
			last_login_ip = $1,
			last_login_user_agent = $2,
			updated_at = NOW()
		WHERE id = $3`,
		ip, userAgent, userID)
}

// RecordLoginFailure bumps the failure counter and locks the account once
// it reaches maxFailures. Returns the new count and whether the account is
// now locked.
func (s *Store) RecordLoginFailure(ctx context.Context, userID int64, maxFailures int, lockout time.Duration) (int, bool, error) {
	query := `
		UPDATE users SET
			failed_login_count = failed_login_count + 1,
			locked_until = CASE
				WHEN failed_login_count + 1 >= $1 THEN NOW() + $2 * INTERVAL '1 second'
				ELSE locked_until
			END,
			updated_at = NOW()
		WHERE id = $3
		RETURNING failed_login_count, (locked_until IS NOT NULL AND locked_until > NOW())
	`
	var count int
	var locked bool
	err := s.db.QueryRowContext(ctx, query, maxFailures, int64(lockout.Seconds()), userID).
		Scan(&count, &locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, fmt.Errorf("failed to record login failure: %w", err)
	}
	return count, locked, nil
}

// CountActiveSuperadmins counts active superadmin accounts. Used to refuse
// demoting or disabling the last one.
func (s *Store) CountActiveSuperadmins(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role = $1 AND is_active`,
		auth.RoleSuperadmin).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count superadmins: %w", err)
	}
	return count, nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
