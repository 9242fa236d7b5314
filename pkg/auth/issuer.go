package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "controlhub"

// Token use discriminators carried in the token_use claim.
const (
	TokenUseAccess  = "access"
	TokenUseRefresh = "refresh"
)

// ErrInvalidToken indicates the token failed validation. The reason is
// deliberately opaque: callers never learn which check failed.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the JWT claims issued for local sessions.
type Claims struct {
	Provider string `json:"provider"`
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// IssuerConfig configures token lifetimes and the signing secret.
type IssuerConfig struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// DefaultIssuerConfig returns the standard lifetimes: one hour access
// tokens and thirty day refresh tokens.
func DefaultIssuerConfig(secret []byte) IssuerConfig {
	return IssuerConfig{
		Secret:     secret,
		AccessTTL:  time.Hour,
		RefreshTTL: 30 * 24 * time.Hour,
	}
}

// Issuer mints and validates access and refresh tokens.
type Issuer struct {
	cfg IssuerConfig
}

// NewIssuer creates a token issuer.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	return &Issuer{cfg: cfg}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.cfg.AccessTTL }

// IssueAccess mints a short-lived access token for the user.
func (i *Issuer) IssueAccess(userID int64, provider Provider) (string, error) {
	return i.issue(userID, provider, TokenUseAccess, i.cfg.AccessTTL)
}

// IssueRefresh mints a longer-lived refresh token for the user.
func (i *Issuer) IssueRefresh(userID int64, provider Provider) (string, error) {
	return i.issue(userID, provider, TokenUseRefresh, i.cfg.RefreshTTL)
}

func (i *Issuer) issue(userID int64, provider Provider, use string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Provider: string(provider),
		TokenUse: use,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the token signature and required claims, and enforces the
// expected token_use discriminator.
func (i *Issuer) Parse(tokenString, expectedUse string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.cfg.Secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != tokenIssuer {
		return nil, ErrInvalidToken
	}
	if claims.TokenUse != expectedUse {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil || time.Now().UTC().After(claims.ExpiresAt.Time) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SubjectID extracts the user id from the token subject.
func (c *Claims) SubjectID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}
