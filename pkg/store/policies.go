package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/controlhub/controlhub/pkg/auth"
)

// Policy is a governance rule: actions of ActionType need MinApprovals
// decisions from users at or above ApproverRole before they execute.
// A policy with RequiresApproval off records intent without gating; the
// action runs immediately.
type Policy struct {
	ID               int64     `json:"id"`
	ActionType       string    `json:"action_type"`
	RequiresApproval bool      `json:"requires_approval"`
	MinApprovals     int       `json:"min_approvals"`
	ApproverRole     auth.Role `json:"approver_role"`
	IsActive         bool      `json:"is_active"`
	CreatedBy        *int64    `json:"created_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const policyColumns = `id, action_type, requires_approval, min_approvals, approver_role, is_active, created_by, created_at, updated_at`

// CreatePolicy inserts a policy and fills in its assigned id.
func (s *Store) CreatePolicy(ctx context.Context, policy *Policy) error {
	query := `
		INSERT INTO policies (action_type, requires_approval, min_approvals, approver_role, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		policy.ActionType, policy.RequiresApproval, policy.MinApprovals,
		policy.ApproverRole, policy.IsActive, policy.CreatedBy,
	).Scan(&policy.ID, &policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("an active policy for %s %w", policy.ActionType, ErrDuplicate)
		}
		return fmt.Errorf("failed to create policy: %w", err)
	}
	return nil
}

// GetPolicy fetches a policy by id.
func (s *Store) GetPolicy(ctx context.Context, id int64) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	return scanPolicy(row)
}

// GetActivePolicy fetches the active policy for an action type, if any.
func (s *Store) GetActivePolicy(ctx context.Context, actionType string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE action_type = $1 AND is_active`, actionType)
	return scanPolicy(row)
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var policy Policy
	var createdBy sql.NullInt64
	err := row.Scan(
		&policy.ID, &policy.ActionType, &policy.RequiresApproval,
		&policy.MinApprovals, &policy.ApproverRole,
		&policy.IsActive, &createdBy, &policy.CreatedAt, &policy.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}
	if createdBy.Valid {
		policy.CreatedBy = &createdBy.Int64
	}
	return &policy, nil
}

// ListPolicies returns every policy, active first, newest first.
func (s *Store) ListPolicies(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM policies ORDER BY is_active DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

// UpdatePolicy changes the gating flag, quorum, approver floor, and
// active flag.
func (s *Store) UpdatePolicy(ctx context.Context, policy *Policy) error {
	return s.execOne(ctx, `
		UPDATE policies SET
			requires_approval = $1,
			min_approvals = $2,
			approver_role = $3,
			is_active = $4,
			updated_at = NOW()
		WHERE id = $5`,
		policy.RequiresApproval, policy.MinApprovals, policy.ApproverRole,
		policy.IsActive, policy.ID)
}

// DeactivatePolicy turns a policy off without removing its history.
func (s *Store) DeactivatePolicy(ctx context.Context, id int64) error {
	return s.execOne(ctx, `UPDATE policies SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
}

// DeletePolicy removes a policy outright.
func (s *Store) DeletePolicy(ctx context.Context, id int64) error {
	return s.execOne(ctx, `DELETE FROM policies WHERE id = $1`, id)
}
