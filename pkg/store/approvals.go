package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/controlhub/controlhub/pkg/auth"
)

// Approval request lifecycle states.
const (
	ApprovalPending   = "pending"
	ApprovalApproved  = "approved"
	ApprovalRejected  = "rejected"
	ApprovalExecuted  = "executed"
	ApprovalFailed    = "failed"
	ApprovalCancelled = "cancelled"
)

// Decision verdicts.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ApprovalRequest is a deferred action awaiting quorum. The target
// fields describe the entity the action operates on so reviewers can
// judge a request without decoding its payload.
type ApprovalRequest struct {
	ID                int64           `json:"id"`
	PolicyID          *int64          `json:"policy_id,omitempty"`
	ActionType        string          `json:"action_type"`
	TargetType        string          `json:"target_type"`
	TargetID          string          `json:"target_id"`
	TargetLabel       string          `json:"target_label"`
	Payload           json.RawMessage `json:"payload"`
	Status            string          `json:"status"`
	RequiredApprovals int             `json:"required_approvals"`
	ApproverRole      auth.Role       `json:"approver_role"`
	ApprovalsCount    int             `json:"approvals_count"`
	RequestedBy       int64           `json:"requested_by"`
	ExecutionError    string          `json:"execution_error,omitempty"`
	ExecutedAt        *time.Time      `json:"executed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Decision records one approver's verdict on a request.
type Decision struct {
	ID         int64     `json:"id"`
	RequestID  int64     `json:"request_id"`
	ApproverID int64     `json:"approver_id"`
	Decision   string    `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const approvalColumns = `id, policy_id, action_type,
	target_type, target_id, target_label, payload, status,
	required_approvals, approver_role, approvals_count,
	requested_by, execution_error, executed_at, created_at, updated_at`

// CreateApprovalRequest inserts a pending request and fills in its id.
func (s *Store) CreateApprovalRequest(ctx context.Context, req *ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests (
			policy_id, action_type, target_type, target_id, target_label,
			payload, status, required_approvals, approver_role, requested_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	if req.Status == "" {
		req.Status = ApprovalPending
	}
	err := s.db.QueryRowContext(ctx, query,
		req.PolicyID, req.ActionType, req.TargetType, req.TargetID, req.TargetLabel,
		[]byte(req.Payload), req.Status,
		req.RequiredApprovals, req.ApproverRole, req.RequestedBy,
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	return nil
}

// GetApprovalRequest fetches a request by id.
func (s *Store) GetApprovalRequest(ctx context.Context, id int64) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	return scanApproval(row)
}

func scanApproval(row rowScanner) (*ApprovalRequest, error) {
	var req ApprovalRequest
	var policyID sql.NullInt64
	var payload []byte
	var execError sql.NullString
	var executedAt sql.NullTime
	err := row.Scan(
		&req.ID, &policyID, &req.ActionType,
		&req.TargetType, &req.TargetID, &req.TargetLabel, &payload, &req.Status,
		&req.RequiredApprovals, &req.ApproverRole, &req.ApprovalsCount,
		&req.RequestedBy, &execError, &executedAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan approval request: %w", err)
	}
	if policyID.Valid {
		req.PolicyID = &policyID.Int64
	}
	req.Payload = payload
	req.ExecutionError = execError.String
	if executedAt.Valid {
		req.ExecutedAt = &executedAt.Time
	}
	return &req, nil
}

// ApprovalFilter narrows ListApprovalRequests.
type ApprovalFilter struct {
	Status      string
	ActionType  string
	RequestedBy *int64
	Limit       int
	Offset      int
}

// ListApprovalRequests returns requests matching the filter, newest first.
func (s *Store) ListApprovalRequests(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	var conditions []string
	var args []any
	argNum := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, filter.Status)
		argNum++
	}
	if filter.ActionType != "" {
		conditions = append(conditions, fmt.Sprintf("action_type = $%d", argNum))
		args = append(args, filter.ActionType)
		argNum++
	}
	if filter.RequestedBy != nil {
		conditions = append(conditions, fmt.Sprintf("requested_by = $%d", argNum))
		args = append(args, *filter.RequestedBy)
		argNum++
	}

	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
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
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ListDecisions returns the decisions recorded for a request, oldest first.
func (s *Store) ListDecisions(ctx context.Context, requestID int64) ([]*Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, approver_id, decision, comment, created_at
		FROM approval_decisions
		WHERE request_id = $1
		ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		var d Decision
		var comment sql.NullString
		if err := rows.Scan(&d.ID, &d.RequestID, &d.ApproverID, &d.Decision, &comment, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Comment = comment.String
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

// ApprovalTx exposes the mutations allowed while holding the row lock on
// an approval request.
type ApprovalTx struct {
	tx *sql.Tx
}

// HasDecision reports whether the approver already decided on the request.
func (t *ApprovalTx) HasDecision(ctx context.Context, requestID, approverID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM approval_decisions WHERE request_id = $1 AND approver_id = $2
		)`, requestID, approverID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check prior decision: %w", err)
	}
	return exists, nil
}

// InsertDecision records a verdict.
func (t *ApprovalTx) InsertDecision(ctx context.Context, requestID, approverID int64, decision, comment string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO approval_decisions (request_id, approver_id, decision, comment)
		VALUES ($1, $2, $3, $4)`,
		requestID, approverID, decision, comment)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("approver %d already decided on request %d", approverID, requestID)
		}
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// IncrementApprovals bumps the approval counter and returns the new count.
func (t *ApprovalTx) IncrementApprovals(ctx context.Context, requestID int64) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE approval_requests
		SET approvals_count = approvals_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING approvals_count`, requestID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment approvals: %w", err)
	}
	return count, nil
}

// SetStatus moves the request to a new lifecycle state.
func (t *ApprovalTx) SetStatus(ctx context.Context, requestID int64, status string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE approval_requests SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, requestID)
	if err != nil {
		return fmt.Errorf("failed to set approval status: %w", err)
	}
	return nil
}

// DecideApproval runs fn while holding a row lock on the request. The
// locked row is re-read and passed to fn; whatever state fn leaves behind
// commits atomically. Two concurrent deciders serialize on the lock, so
// only one of them sees the count that crosses quorum.
func (s *Store) DecideApproval(ctx context.Context, requestID int64, fn func(tx *ApprovalTx, req *ApprovalRequest) error) (*ApprovalRequest, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	row := sqlTx.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1 FOR UPDATE`, requestID)
	req, err := scanApproval(row)
	if err != nil {
		return nil, err
	}

	tx := &ApprovalTx{tx: sqlTx}
	if err := fn(tx, req); err != nil {
		return nil, err
	}

	row = sqlTx.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, requestID)
	updated, err := scanApproval(row)
	if err != nil {
		return nil, err
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit decision: %w", err)
	}
	return updated, nil
}

// MarkApprovalExecuted records the execution outcome after the action ran.
func (s *Store) MarkApprovalExecuted(ctx context.Context, requestID int64, execErr error) error {
	if execErr != nil {
		return s.execOne(ctx, `
			UPDATE approval_requests
			SET status = $1, execution_error = $2, executed_at = NOW(), updated_at = NOW()
			WHERE id = $3`,
			ApprovalFailed, execErr.Error(), requestID)
	}
	return s.execOne(ctx, `
		UPDATE approval_requests
		SET status = $1, executed_at = NOW(), updated_at = NOW()
		WHERE id = $2`,
		ApprovalExecuted, requestID)
}
