package audit

import (
	"encoding/json"
	"time"
)

// Action is a dotted event code identifying what happened.
type Action string

const (
	// Authentication
	ActionAuthLogin                Action = "auth.login"
	ActionAuthLoginFailed          Action = "auth.login_failed"
	ActionAuthLockedOut            Action = "auth.locked_out"
	ActionAuthLogout               Action = "auth.logout"
	ActionAuthTokenRefresh         Action = "auth.token_refresh"
	ActionAuthPasswordChange       Action = "auth.password_change"
	ActionAuthPasswordResetRequest Action = "auth.password_reset_request"
	ActionAuthPasswordReset        Action = "auth.password_reset"
	ActionAuthVerifyRequest        Action = "auth.verification_request"
	ActionAuthEmailVerified        Action = "auth.email_verified"

	// SSO identity linking
	ActionAuthCognitoLogin       Action = "auth.cognito_login"
	ActionAuthUserProvisioned    Action = "auth.user_provisioned"
	ActionAuthCognitoLinked      Action = "auth.cognito_linked"
	ActionAuthSubMismatchDenied  Action = "auth.cognito_sub_mismatch_denied"
	ActionAuthLinkDenied         Action = "auth.cognito_link_denied"
	ActionAuthProvisionDenied    Action = "auth.cognito_provision_denied"
	ActionAuthDisabledUserDenied Action = "auth.disabled_user_denied"

	// User administration
	ActionUserCreate     Action = "user.create"
	ActionUserUpdate     Action = "user.update"
	ActionUserRoleChange Action = "user.role_change"
	ActionUserDisable    Action = "user.disable"
	ActionUserEnable     Action = "user.enable"

	// Governance
	ActionPolicyCreate       Action = "policy.create"
	ActionPolicyUpdate       Action = "policy.update"
	ActionPolicyDelete       Action = "policy.delete"
	ActionApprovalRequested  Action = "approval.requested"
	ActionApprovalApproved   Action = "approval.approved"
	ActionApprovalRejected   Action = "approval.rejected"
	ActionApprovalExecuted   Action = "approval.executed"
	ActionApprovalExecFailed Action = "approval.execution_failed"
	ActionApprovalDenied     Action = "approval.decision_denied"

	// Service accounts
	ActionServiceAccountCreate  Action = "service_account.create"
	ActionServiceAccountRevoke  Action = "service_account.revoke"
	ActionServiceAccountDisable Action = "service_account.disable"
	ActionServiceAccountEnable  Action = "service_account.enable"
	ActionAPIKeyCreate          Action = "service_account.key_create"
	ActionAPIKeyRevoke          Action = "service_account.key_revoke"
	ActionAPIKeyDenied          Action = "service_account.key_denied"

	// Resources
	ActionUploadCreate Action = "upload.create"
	ActionUploadDelete Action = "upload.delete"
	ActionJobCreate    Action = "job.create"
	ActionJobCancel    Action = "job.cancel"

	// Access
	ActionAccessDenied Action = "access.denied"
	ActionHTTPRequest  Action = "http.request"
)

// Status is the outcome of the audited operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// TargetType names the kind of resource an event acted on.
type TargetType string

const (
	TargetUser           TargetType = "user"
	TargetPolicy         TargetType = "policy"
	TargetApproval       TargetType = "approval_request"
	TargetServiceAccount TargetType = "service_account"
	TargetAPIKey         TargetType = "api_key"
	TargetUpload         TargetType = "upload"
	TargetJob            TargetType = "job"
	TargetToken          TargetType = "token"
	TargetHTTP           TargetType = "http"
)

// Event is a single audit log entry.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Status    Status    `json:"status"`

	// Actor. ActorID is nil for unauthenticated events and for service
	// accounts, whose identity lives in ActorEmail as "sa:<name>".
	ActorID    *int64 `json:"actor_id,omitempty"`
	ActorEmail string `json:"actor_email,omitempty"`

	// Target resource.
	TargetType  TargetType `json:"target_type,omitempty"`
	TargetID    string     `json:"target_id,omitempty"`
	TargetLabel string     `json:"target_label,omitempty"`

	// Request context.
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ToJSON serializes the event.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an event.
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter narrows an audit log query.
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID    *int64
	ActorEmail string

	Actions []Action
	Status  *Status

	TargetType TargetType
	TargetID   string

	IPAddress string
	RequestID string

	Limit  int
	Offset int

	// SortOrder is "asc" or "desc" by timestamp. Default desc.
	SortOrder string
}

// ExportFormat selects the wire format for audit exports.
type ExportFormat string

const (
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// Stats summarizes audit activity over a queried window.
type Stats struct {
	TotalEvents     int64            `json:"total_events"`
	EventsByAction  map[Action]int64 `json:"events_by_action"`
	EventsByStatus  map[Status]int64 `json:"events_by_status"`
	FailedLogins    int64            `json:"failed_logins"`
	AccessDenials   int64            `json:"access_denials"`
	UniqueActors    int64            `json:"unique_actors"`
	UniqueIPs       int64            `json:"unique_ips"`
	OldestTimestamp *time.Time       `json:"oldest_timestamp,omitempty"`
	NewestTimestamp *time.Time       `json:"newest_timestamp,omitempty"`
}
