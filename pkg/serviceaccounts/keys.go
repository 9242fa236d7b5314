package serviceaccounts

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeyPrefix identifies ControlHub API keys.
	KeyPrefix = "chk_"
	// keyLength is the number of random bytes behind each key.
	keyLength = 32
)

// GenerateKey creates a new API key.
// Format: chk_<base64url(32 random bytes)>. It returns the plaintext key,
// the SHA-256 hash to store, and a short display prefix.
func GenerateKey() (key string, keyHash string, keyPrefix string, err error) {
	randomBytes := make([]byte, keyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	fullKey := KeyPrefix + encoded

	hash := sha256.Sum256([]byte(fullKey))

	prefix := KeyPrefix
	if len(encoded) >= 8 {
		prefix = KeyPrefix + encoded[:8]
	}

	return fullKey, hex.EncodeToString(hash[:]), prefix, nil
}

// HashKey computes the SHA-256 hash of a key for lookup.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ValidKeyFormat checks whether a presented credential even looks like
// one of our keys before any database work happens.
func ValidKeyFormat(key string) bool {
	if !strings.HasPrefix(key, KeyPrefix) {
		return false
	}
	encoded := strings.TrimPrefix(key, KeyPrefix)
	if encoded == "" {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(encoded)
	return err == nil
}
