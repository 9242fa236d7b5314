package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// ResetTokenTTL is how long a password reset token stays usable.
const ResetTokenTTL = 60 * time.Minute

// GenerateResetToken produces a single-use password reset token. The raw
// value is returned to the caller once; only its hash is stored.
func GenerateResetToken() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate reset token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashResetToken(raw), nil
}

// HashResetToken returns the storage form of a reset token.
func HashResetToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
