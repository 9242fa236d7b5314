package auth

import "time"

// Role is an ordered privilege tier
type Role string

const (
	RoleUser       Role = "user"       // Basic account, no admin panel access
	RoleViewer     Role = "viewer"     // Read-only access to admin panel
	RoleAdmin      Role = "admin"      // Manage users (except superadmins), view all data
	RoleSuperadmin Role = "superadmin" // Full system access
)

// roleLevels maps each role to its rank. Higher = more privileges.
var roleLevels = map[Role]int{
	RoleUser:       1,
	RoleViewer:     10,
	RoleAdmin:      50,
	RoleSuperadmin: 100,
}

// Level returns the integer rank of the role, 0 for unknown roles.
func (r Role) Level() int {
	return roleLevels[r]
}

// AtLeast reports whether r sits at or above min in the role order.
func (r Role) AtLeast(min Role) bool {
	return r.Level() >= min.Level()
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// Provider identifies where a credential originated
type Provider string

const (
	ProviderLocal   Provider = "local"
	ProviderCognito Provider = "cognito"
	ProviderAPIKey  Provider = "api_key"
)

// NoPasswordSentinel is stored in place of a password hash for accounts
// provisioned from the external identity provider. It can never match a
// bcrypt hash, so local login is structurally impossible for them.
const NoPasswordSentinel = "!"

// User is an identity record
type User struct {
	ID            int64    `json:"id"`
	Email         string   `json:"email"`
	PasswordHash  string   `json:"-"` // Never expose hash
	Role          Role     `json:"role"`
	IsActive      bool     `json:"is_active"`
	AuthProvider  Provider `json:"auth_provider"`
	CognitoSub    string   `json:"-"` // External subject id, unique when present
	EmailVerified bool     `json:"email_verified"`
	PhoneNumber   string   `json:"phone_number,omitempty"`
	PhoneVerified bool     `json:"phone_verified"`
	MFAEnabled    bool     `json:"mfa_enabled"`

	FailedLoginCount int        `json:"-"`
	LockedUntil      *time.Time `json:"-"`

	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP        string     `json:"-"`
	LastLoginUserAgent string     `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoleLevel returns the user's rank in the role order.
func (u *User) RoleLevel() int {
	return u.Role.Level()
}

// Locked reports whether the account is under a login lockout at now.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// CanManage reports whether u may manage target. Superadmin can manage
// anyone but themselves; everyone else needs a strictly higher role level.
// Self-management of role/status is never allowed.
func (u *User) CanManage(target *User) (bool, string) {
	if u.ID == target.ID {
		return false, "cannot modify your own account"
	}
	if u.Role == RoleSuperadmin {
		return true, ""
	}
	if u.RoleLevel() > target.RoleLevel() {
		return true, ""
	}
	return false, "cannot manage users with equal or higher privileges"
}

// CanAssignRole reports whether u may assign newRole to another user.
// Superadmin assigns anything; admin is limited to viewer and user.
func (u *User) CanAssignRole(newRole Role) (bool, string) {
	if u.Role == RoleSuperadmin {
		return true, ""
	}
	if u.Role == RoleAdmin && (newRole == RoleViewer || newRole == RoleUser) {
		return true, ""
	}
	return false, "cannot assign role '" + string(newRole) + "'"
}

// ServiceAccount is a machine identity that owns API keys
type ServiceAccount struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedByID int64     `json:"created_by_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// APIKey is a long-lived credential bound to a service account
type APIKey struct {
	ID               int64      `json:"id"`
	ServiceAccountID int64      `json:"service_account_id"`
	Name             string     `json:"name"`
	KeyHash          string     `json:"-"` // Never expose hash
	KeyPrefix        string     `json:"key_prefix"`
	Scopes           []string   `json:"scopes"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedByID      int64      `json:"created_by_id"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Expired reports whether the key is past its expiry at now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Actor is the single resolved identity behind a request: either a human
// user (local or remote login) or a machine identity authenticated by API
// key. API-key callers act as the service account itself rather than as
// the human who created the key, so human and machine actions stay
// distinguishable in the audit trail.
type Actor struct {
	User           *User
	ServiceAccount *ServiceAccount
	APIKey         *APIKey
	Provider       Provider
	TokenID        string // jti of the presented token, empty for API keys
}

// IsService reports whether the actor is a machine identity.
func (a *Actor) IsService() bool {
	return a.ServiceAccount != nil
}

// RoleLevel returns the effective privilege rank of the actor. API keys
// are capped at the admin tier: they may never act as superadmin.
func (a *Actor) RoleLevel() int {
	if a.IsService() {
		return RoleAdmin.Level()
	}
	if a.User != nil {
		return a.User.RoleLevel()
	}
	return 0
}

// Email returns the identity recorded in audit entries for this actor.
func (a *Actor) Email() string {
	if a.IsService() {
		return "sa:" + a.ServiceAccount.Name
	}
	if a.User != nil {
		return a.User.Email
	}
	return ""
}

// UserID returns the acting user id, or 0 for machine actors.
func (a *Actor) UserID() int64 {
	if a.User != nil {
		return a.User.ID
	}
	return 0
}
