package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("Correct-Horse-Battery-9")
	require.NoError(t, err)
	assert.NotEqual(t, "Correct-Horse-Battery-9", hash)

	assert.True(t, CheckPassword(hash, "Correct-Horse-Battery-9"))
	assert.False(t, CheckPassword(hash, "wrong-password-99A!"))
}

func TestCheckPasswordSentinel(t *testing.T) {
	// SSO-provisioned accounts carry the sentinel and must never pass a
	// password check, whatever the input.
	assert.False(t, CheckPassword(NoPasswordSentinel, ""))
	assert.False(t, CheckPassword(NoPasswordSentinel, "!"))
	assert.False(t, CheckPassword(NoPasswordSentinel, "AnyPassword-123!"))
}

func TestValidatePasswordStrength(t *testing.T) {
	cases := []struct {
		name     string
		password string
		ok       bool
	}{
		{"valid", "Str0ng&Long-Passw0rd", true},
		{"too short", "Sh0rt!pass", false},
		{"no upper", "all-lower-digits-123!", false},
		{"no lower", "ALL-UPPER-DIGITS-123!", false},
		{"no digit", "No-Digits-Here-At-All!", false},
		{"no symbol", "NoSymbolsHere12345", false},
		{"common", "ControlHub1!", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := ValidatePasswordStrength(tc.password)
			assert.Equal(t, tc.ok, ok)
			if !tc.ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}
