package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter implements rate limiting using Redis so limits
// are shared across instances.
type DistributedRateLimiter struct {
	redis  redis.UniversalClient
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient redis.UniversalClient, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

// Allow checks if a request is allowed using a Redis-backed counter
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)

	_, err := pipe.Exec(ctx)
	if err != nil {
		// Fail open so a Redis outage never takes down the API
		return true, fmt.Errorf("redis error: %w", err)
	}

	count := incr.Val()
	return count <= int64(rl.config.RequestsPerWindow), nil
}

// Remaining returns the number of remaining requests in the window
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	count, err := rl.redis.Get(ctx, redisKey).Int()
	if err == redis.Nil {
		return rl.config.RequestsPerWindow, nil
	} else if err != nil {
		return 0, err
	}

	remaining := rl.config.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

// TTL returns the time until the rate limit window resets
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	return rl.redis.TTL(ctx, redisKey).Result()
}

// Reset clears the rate limit for a key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	return rl.redis.Del(ctx, redisKey).Err()
}

// DistributedRateLimitMiddleware provides HTTP rate limiting with Redis
type DistributedRateLimitMiddleware struct {
	redis            redis.UniversalClient
	userLimiter      *DistributedRateLimiter
	serviceLimiter   *DistributedRateLimiter
	anonymousLimiter *DistributedRateLimiter
	fallbackEnabled  bool
	logger           *slog.Logger
}

// NewDistributedRateLimitMiddleware creates a new Redis-backed rate limit middleware
func NewDistributedRateLimitMiddleware(redisClient redis.UniversalClient, logger *slog.Logger) *DistributedRateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &DistributedRateLimitMiddleware{
		redis:            redisClient,
		userLimiter:      NewDistributedRateLimiter(redisClient, PerUserRateLimitConfig(), "ratelimit:user"),
		serviceLimiter:   NewDistributedRateLimiter(redisClient, PerServiceRateLimitConfig(), "ratelimit:sa"),
		anonymousLimiter: NewDistributedRateLimiter(redisClient, DefaultRateLimitConfig(), "ratelimit:anon"),
		fallbackEnabled:  true,
		logger:           logger,
	}
}

func (m *DistributedRateLimitMiddleware) limitKey(r *http.Request) (string, *DistributedRateLimiter) {
	actor := ActorFromContext(r.Context())
	if actor != nil {
		if actor.IsService() {
			return fmt.Sprintf("sa:%d", actor.ServiceAccount.ID), m.serviceLimiter
		}
		if actor.User != nil {
			return fmt.Sprintf("user:%d", actor.User.ID), m.userLimiter
		}
	}
	return "ip:" + getClientIP(r), m.anonymousLimiter
}

// Handler wraps an HTTP handler with distributed rate limiting
func (m *DistributedRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key, limiter := m.limitKey(r)

		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			if m.fallbackEnabled {
				m.logger.Warn("rate limiter unavailable, failing open",
					slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
			return
		}

		if !allowed {
			m.rateLimitExceeded(ctx, w, limiter, key)
			return
		}

		remaining, err := limiter.Remaining(ctx, key)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		ttl, err := limiter.TTL(ctx, key)
		if err == nil && ttl > 0 {
			resetTime := time.Now().Add(ttl).Unix()
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime))
		}

		next.ServeHTTP(w, r)
	})
}

func (m *DistributedRateLimitMiddleware) rateLimitExceeded(ctx context.Context, w http.ResponseWriter, limiter *DistributedRateLimiter, key string) {
	ttl, err := limiter.TTL(ctx, key)
	retryAfter := limiter.config.WindowDuration.Seconds()
	if err == nil && ttl > 0 {
		retryAfter = ttl.Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")

	if ttl > 0 {
		resetTime := time.Now().Add(ttl).Unix()
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime))
	}

	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + fmt.Sprintf("%.0f", retryAfter) + `}`))
}

// SetFallbackEnabled controls whether to fail open (true) or closed (false) on Redis errors
func (m *DistributedRateLimitMiddleware) SetFallbackEnabled(enabled bool) {
	m.fallbackEnabled = enabled
}

// HealthCheck verifies Redis connectivity for rate limiting
func (m *DistributedRateLimitMiddleware) HealthCheck(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}
