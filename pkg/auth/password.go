package auth

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the floor enforced by the password policy.
const MinPasswordLength = 12

// commonPasswords is a denylist of passwords rejected regardless of
// composition.
var commonPasswords = map[string]struct{}{
	"password":     {},
	"password123":  {},
	"12345678":     {},
	"qwerty123":    {},
	"admin123":     {},
	"letmein":      {},
	"controlhub1!": {},
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a stored hash.
// The no-password sentinel never matches.
func CheckPassword(hash, password string) bool {
	if hash == "" || hash == NoPasswordSentinel {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePasswordStrength checks the password policy: minimum length,
// upper/lower case, digit, symbol, and a common-password denylist.
// Returns a caller-facing reason when the password is rejected.
func ValidatePasswordStrength(password string) (bool, string) {
	if len(password) < MinPasswordLength {
		return false, "Password must be at least 12 characters"
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper {
		return false, "Password must include an uppercase letter"
	}
	if !hasLower {
		return false, "Password must include a lowercase letter"
	}
	if !hasDigit {
		return false, "Password must include a digit"
	}
	if !hasSymbol {
		return false, "Password must include a symbol"
	}
	if _, ok := commonPasswords[strings.ToLower(password)]; ok {
		return false, "Password is too common"
	}
	return true, ""
}
