package store

import (
	"context"
	"fmt"
)

// EnsureSchema creates all tables and indexes when missing. Safe to run
// on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			role VARCHAR(20) NOT NULL DEFAULT 'user',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			auth_provider VARCHAR(20) NOT NULL DEFAULT 'local',
			cognito_sub VARCHAR(255),
			email_verified BOOLEAN NOT NULL DEFAULT FALSE,
			phone_number VARCHAR(32),
			phone_verified BOOLEAN NOT NULL DEFAULT FALSE,
			mfa_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			failed_login_count INTEGER NOT NULL DEFAULT 0,
			locked_until TIMESTAMP WITH TIME ZONE,
			last_login_at TIMESTAMP WITH TIME ZONE,
			last_login_ip VARCHAR(45),
			last_login_user_agent TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_cognito_sub ON users(cognito_sub) WHERE cognito_sub IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_users_role ON users(role)`,

		`CREATE TABLE IF NOT EXISTS policies (
			id BIGSERIAL PRIMARY KEY,
			action_type VARCHAR(100) NOT NULL,
			requires_approval BOOLEAN NOT NULL DEFAULT TRUE,
			min_approvals INTEGER NOT NULL,
			approver_role VARCHAR(20) NOT NULL DEFAULT 'admin',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_by BIGINT REFERENCES users(id),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_active_action ON policies(action_type) WHERE is_active`,

		`CREATE TABLE IF NOT EXISTS approval_requests (
			id BIGSERIAL PRIMARY KEY,
			policy_id BIGINT REFERENCES policies(id),
			action_type VARCHAR(100) NOT NULL,
			target_type VARCHAR(50) NOT NULL DEFAULT '',
			target_id VARCHAR(100) NOT NULL DEFAULT '',
			target_label VARCHAR(255) NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			required_approvals INTEGER NOT NULL,
			approver_role VARCHAR(20) NOT NULL,
			approvals_count INTEGER NOT NULL DEFAULT 0,
			requested_by BIGINT NOT NULL REFERENCES users(id),
			execution_error TEXT,
			executed_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_requested_by ON approval_requests(requested_by)`,

		`CREATE TABLE IF NOT EXISTS approval_decisions (
			id BIGSERIAL PRIMARY KEY,
			request_id BIGINT NOT NULL REFERENCES approval_requests(id) ON DELETE CASCADE,
			approver_id BIGINT NOT NULL REFERENCES users(id),
			decision VARCHAR(10) NOT NULL,
			comment TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE (request_id, approver_id)
		)`,

		`CREATE TABLE IF NOT EXISTS password_reset_tokens (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash VARCHAR(64) NOT NULL UNIQUE,
			purpose VARCHAR(32) NOT NULL DEFAULT 'password_reset',
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			used_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_password_reset_tokens_user ON password_reset_tokens(user_id)`,

		`CREATE TABLE IF NOT EXISTS service_accounts (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			description TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_by BIGINT NOT NULL REFERENCES users(id),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id BIGSERIAL PRIMARY KEY,
			service_account_id BIGINT NOT NULL REFERENCES service_accounts(id) ON DELETE CASCADE,
			name VARCHAR(100) NOT NULL,
			key_hash VARCHAR(64) NOT NULL,
			key_prefix VARCHAR(16) NOT NULL,
			scopes TEXT NOT NULL DEFAULT '',
			created_by BIGINT NOT NULL REFERENCES users(id),
			expires_at TIMESTAMP WITH TIME ZONE,
			last_used_at TIMESTAMP WITH TIME ZONE,
			revoked_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_service_account ON api_keys(service_account_id)`,

		`CREATE TABLE IF NOT EXISTS uploads (
			id BIGSERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL,
			content_type VARCHAR(100),
			size_bytes BIGINT NOT NULL DEFAULT 0,
			storage_key VARCHAR(512) NOT NULL,
			uploaded_by BIGINT NOT NULL REFERENCES users(id),
			deleted_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_uploaded_by ON uploads(uploaded_by)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			kind VARCHAR(100) NOT NULL,
			payload JSONB,
			status VARCHAR(20) NOT NULL DEFAULT 'queued',
			created_by BIGINT NOT NULL REFERENCES users(id),
			cancelled_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
