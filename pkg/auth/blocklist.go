package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const blocklistKeyPrefix = "blocklist:"

// Blocklist records revoked token ids in redis until they would have
// expired anyway. Lookups fail open: when redis is unreachable a token is
// treated as live, so an outage degrades revocation rather than locking
// every caller out.
type Blocklist struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewBlocklist creates a token blocklist backed by the given redis client.
func NewBlocklist(client redis.UniversalClient, logger *slog.Logger) *Blocklist {
	if logger == nil {
		logger = slog.Default()
	}
	return &Blocklist{client: client, logger: logger}
}

// Revoke marks the token id as revoked. The entry lives slightly past the
// token's own expiry so clock skew cannot resurrect it.
func (b *Blocklist) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt) + time.Minute
	if ttl <= 0 {
		return nil
	}
	if err := b.client.Set(ctx, blocklistKeyPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token id has been revoked.
func (b *Blocklist) IsRevoked(ctx context.Context, jti string) bool {
	n, err := b.client.Exists(ctx, blocklistKeyPrefix+jti).Result()
	if err != nil {
		b.logger.Warn("blocklist lookup failed, treating token as live",
			slog.String("error", err.Error()))
		return false
	}
	return n > 0
}
