package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/auth"
	"github.com/controlhub/controlhub/pkg/store"
)

// Gated action types.
const (
	ActionUploadDelete   = "upload.delete"
	ActionUserRoleChange = "user.role_change"
	ActionUserDisable    = "user.disable"
	ActionJobCancel      = "job.cancel"
)

// GatedActions lists every action type a policy may govern.
var GatedActions = []string{
	ActionUploadDelete,
	ActionUserRoleChange,
	ActionUserDisable,
	ActionJobCancel,
}

// ValidActionType reports whether a policy may target the action type.
func ValidActionType(actionType string) bool {
	for _, a := range GatedActions {
		if a == actionType {
			return true
		}
	}
	return false
}

// Target identifies the entity a governed action operates on. The label
// is human readable and shows up in approval lists and audit events.
type Target struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Label string `json:"label"`
}

// PolicyStore is the slice of the store the engine needs.
type PolicyStore interface {
	GetActivePolicy(ctx context.Context, actionType string) (*store.Policy, error)
	CreateApprovalRequest(ctx context.Context, req *store.ApprovalRequest) error
}

const policyCacheTTL = 30 * time.Second

// Engine decides whether an action runs now or waits for approval.
type Engine struct {
	policies PolicyStore
	cache    *lru.LRU[string, *store.Policy]
	sink     audit.Logger
	logger   *slog.Logger
}

// NewEngine creates a policy engine. Active policies are cached briefly
// so the gate check does not hit the database on every request.
func NewEngine(policies PolicyStore, sink audit.Logger, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = audit.NoOp()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policies: policies,
		cache:    lru.NewLRU[string, *store.Policy](64, nil, policyCacheTTL),
		sink:     sink,
		logger:   logger,
	}
}

// CheckPolicy returns the active policy for the action type, or nil when
// the action is ungated.
func (e *Engine) CheckPolicy(ctx context.Context, actionType string) (*store.Policy, error) {
	if policy, ok := e.cache.Get(actionType); ok {
		return policy, nil
	}
	policy, err := e.policies.GetActivePolicy(ctx, actionType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.cache.Add(actionType, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("check policy: %w", err)
	}
	e.cache.Add(actionType, policy)
	return policy, nil
}

// InvalidatePolicy drops the cached entry after a policy change.
func (e *Engine) InvalidatePolicy(actionType string) {
	e.cache.Remove(actionType)
}

// Gate checks the policy for actionType. When an active policy requires
// approval it records an approval request carrying the target and
// payload and returns it with gated=true; the caller must not execute
// the action. When no policy applies, or the policy does not require
// approval, it returns gated=false and the caller proceeds directly.
func (e *Engine) Gate(ctx context.Context, requester *auth.User, actionType string, target Target, payload any) (*store.ApprovalRequest, bool, error) {
	policy, err := e.CheckPolicy(ctx, actionType)
	if err != nil {
		return nil, false, err
	}
	if policy == nil || !policy.RequiresApproval {
		return nil, false, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode action payload: %w", err)
	}
	req := &store.ApprovalRequest{
		PolicyID:          &policy.ID,
		ActionType:        actionType,
		TargetType:        target.Type,
		TargetID:          target.ID,
		TargetLabel:       target.Label,
		Payload:           raw,
		RequiredApprovals: policy.MinApprovals,
		ApproverRole:      policy.ApproverRole,
		RequestedBy:       requester.ID,
	}
	if err := e.policies.CreateApprovalRequest(ctx, req); err != nil {
		return nil, false, err
	}

	e.sink.LogAdmin(ctx, audit.ActionApprovalRequested, &requester.ID, requester.Email,
		audit.TargetApproval, strconv.FormatInt(req.ID, 10), actionSummary(req),
		map[string]any{
			"required_approvals": policy.MinApprovals,
			"target_type":        target.Type,
			"target_id":          target.ID,
		})
	e.logger.Info("action gated behind approval",
		slog.String("action_type", actionType),
		slog.String("target", target.Label),
		slog.Int64("request_id", req.ID),
		slog.Int64("requested_by", requester.ID))
	return req, true, nil
}

// actionSummary renders "action on target" for audit trails, falling
// back to the bare action type when the request has no target label.
func actionSummary(req *store.ApprovalRequest) string {
	if req.TargetLabel == "" {
		return req.ActionType
	}
	return req.ActionType + " on " + req.TargetLabel
}
