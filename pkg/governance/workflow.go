package governance

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/store"
)

// Decision guard failures, each mapped to a distinct API error.
var (
	ErrNotPending       = errors.New("request is not pending")
	ErrSelfApproval     = errors.New("requesters cannot decide on their own requests")
	ErrAlreadyDecided   = errors.New("approver already decided on this request")
	ErrInsufficientRole = errors.New("approver role is below the policy's floor")
)

// ApprovalStore is the slice of the store the workflow needs.
type ApprovalStore interface {
	GetApprovalRequest(ctx context.Context, id int64) (*store.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, filter store.ApprovalFilter) ([]*store.ApprovalRequest, error)
	ListDecisions(ctx context.Context, requestID int64) ([]*store.Decision, error)
	DecideApproval(ctx context.Context, requestID int64, fn func(tx *store.ApprovalTx, req *store.ApprovalRequest) error) (*store.ApprovalRequest, error)
	MarkApprovalExecuted(ctx context.Context, requestID int64, execErr error) error
}

// Workflow collects approval decisions and executes actions that reach
// quorum.
type Workflow struct {
	approvals ApprovalStore
	registry  *Registry
	sink      audit.Logger
	logger    *slog.Logger
}

// NewWorkflow creates an approval workflow.
func NewWorkflow(approvals ApprovalStore, registry *Registry, sink audit.Logger, logger *slog.Logger) *Workflow {
	if sink == nil {
		sink = audit.NoOp()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{approvals: approvals, registry: registry, sink: sink, logger: logger}
}

// Get returns a request together with its decisions.
func (w *Workflow) Get(ctx context.Context, requestID int64) (*store.ApprovalRequest, []*store.Decision, error) {
	req, err := w.approvals.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	decisions, err := w.approvals.ListDecisions(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	return req, decisions, nil
}

// List returns requests matching the filter.
func (w *Workflow) List(ctx context.Context, filter store.ApprovalFilter) ([]*store.ApprovalRequest, error) {
	return w.approvals.ListApprovalRequests(ctx, filter)
}

// Approve records an approval. All guards run under the request's row
// lock: the request must be pending, the approver must meet the policy's
// role floor, must not be the requester, and must not have decided
// already. Crossing the quorum executes the action synchronously after
// the decision commits.
func (w *Workflow) Approve(ctx context.Context, requestID int64, approver *auth.User, comment string) (*store.ApprovalRequest, error) {
	quorumReached := false
	updated, err := w.approvals.DecideApproval(ctx, requestID, func(tx *store.ApprovalTx, req *store.ApprovalRequest) error {
		if err := w.guardDecision(ctx, tx, req, approver, true); err != nil {
			return err
		}
		if err := tx.InsertDecision(ctx, requestID, approver.ID, store.DecisionApprove, comment); err != nil {
			return err
		}
		count, err := tx.IncrementApprovals(ctx, requestID)
		if err != nil {
			return err
		}
		if count >= req.RequiredApprovals {
			quorumReached = true
			return tx.SetStatus(ctx, requestID, store.ApprovalApproved)
		}
		return nil
	})
	if err != nil {
		w.auditDenied(ctx, requestID, approver, err)
		return nil, err
	}

	w.sink.LogAdmin(ctx, audit.ActionApprovalApproved, &approver.ID, approver.Email,
		audit.TargetApproval, strconv.FormatInt(requestID, 10), actionSummary(updated),
		map[string]any{
			"approvals_count":    updated.ApprovalsCount,
			"required_approvals": updated.RequiredApprovals,
		})

	if quorumReached {
		return w.execute(ctx, updated, approver)
	}
	return updated, nil
}

// Reject records a rejection. A single rejection moves the request to
// its terminal rejected state. Unlike approvals, requesters may reject
// their own pending request, which serves as a withdrawal.
func (w *Workflow) Reject(ctx context.Context, requestID int64, approver *auth.User, comment string) (*store.ApprovalRequest, error) {
	updated, err := w.approvals.DecideApproval(ctx, requestID, func(tx *store.ApprovalTx, req *store.ApprovalRequest) error {
		if err := w.guardDecision(ctx, tx, req, approver, false); err != nil {
			return err
		}
		if err := tx.InsertDecision(ctx, requestID, approver.ID, store.DecisionReject, comment); err != nil {
			return err
		}
		return tx.SetStatus(ctx, requestID, store.ApprovalRejected)
	})
	if err != nil {
		w.auditDenied(ctx, requestID, approver, err)
		return nil, err
	}

	w.sink.LogAdmin(ctx, audit.ActionApprovalRejected, &approver.ID, approver.Email,
		audit.TargetApproval, strconv.FormatInt(requestID, 10), actionSummary(updated), nil)
	return updated, nil
}

// guardDecision validates a decision under the row lock. barRequester
// keeps the requester from deciding; approvals set it, rejections do not
// so a requester can withdraw their own request.
func (w *Workflow) guardDecision(ctx context.Context, tx *store.ApprovalTx, req *store.ApprovalRequest, approver *auth.User, barRequester bool) error {
	if req.Status != store.ApprovalPending {
		return ErrNotPending
	}
	if !approver.Role.AtLeast(req.ApproverRole) {
		return ErrInsufficientRole
	}
	if barRequester && approver.ID == req.RequestedBy {
		return ErrSelfApproval
	}
	decided, err := tx.HasDecision(ctx, req.ID, approver.ID)
	if err != nil {
		return err
	}
	if decided {
		return ErrAlreadyDecided
	}
	return nil
}

func (w *Workflow) execute(ctx context.Context, req *store.ApprovalRequest, approver *auth.User) (*store.ApprovalRequest, error) {
	execErr := w.registry.Execute(ctx, req.ActionType, req.Payload)
	if err := w.approvals.MarkApprovalExecuted(ctx, req.ID, execErr); err != nil {
		w.logger.Error("failed to record execution outcome",
			slog.Int64("request_id", req.ID),
			slog.String("error", err.Error()))
	}

	if execErr != nil {
		w.sink.LogAdmin(ctx, audit.ActionApprovalExecFailed, &approver.ID, approver.Email,
			audit.TargetApproval, strconv.FormatInt(req.ID, 10), actionSummary(req),
			map[string]any{"error": execErr.Error()})
		w.logger.Error("approved action failed to execute",
			slog.Int64("request_id", req.ID),
			slog.String("action_type", req.ActionType),
			slog.String("error", execErr.Error()))
	} else {
		w.sink.LogAdmin(ctx, audit.ActionApprovalExecuted, &approver.ID, approver.Email,
			audit.TargetApproval, strconv.FormatInt(req.ID, 10), actionSummary(req), nil)
		w.logger.Info("executed approved action",
			slog.Int64("request_id", req.ID),
			slog.String("action_type", req.ActionType))
	}

	return w.approvals.GetApprovalRequest(ctx, req.ID)
}

func (w *Workflow) auditDenied(ctx context.Context, requestID int64, approver *auth.User, err error) {
	switch {
	case errors.Is(err, ErrNotPending),
		errors.Is(err, ErrSelfApproval),
		errors.Is(err, ErrAlreadyDecided),
		errors.Is(err, ErrInsufficientRole):
		w.sink.LogAdmin(ctx, audit.ActionApprovalDenied, &approver.ID, approver.Email,
			audit.TargetApproval, strconv.FormatInt(requestID, 10), "",
			map[string]any{"reason": err.Error()})
	}
}

// DecisionError reports whether err is one of the guard failures, which
// API handlers map to 400/403 rather than 500.
func DecisionError(err error) bool {
	return errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrSelfApproval) ||
		errors.Is(err, ErrAlreadyDecided) ||
		errors.Is(err, ErrInsufficientRole)
}
