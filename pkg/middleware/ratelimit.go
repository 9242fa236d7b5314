package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns limits for unauthenticated callers
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// PerUserRateLimitConfig returns per-user rate limit settings
func PerUserRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 1000,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// PerServiceRateLimitConfig returns limits for API-key callers, which
// run automation and get more headroom than humans
func PerServiceRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 5000,
		WindowDuration:    time.Minute,
		BurstSize:         100,
	}
}

// RateLimiter implements rate limiting using token bucket algorithm
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.RWMutex
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
	}
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     rl.config.RequestsPerWindow + rl.config.BurstSize,
			lastUpdate: time.Now(),
		}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate)

	// Refill tokens based on elapsed time
	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if tokensToAdd > 0 {
		b.tokens += tokensToAdd
		maxTokens := rl.config.RequestsPerWindow + rl.config.BurstSize
		if b.tokens > maxTokens {
			b.tokens = maxTokens
		}
		b.lastUpdate = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	return false
}

// Remaining returns the number of remaining tokens for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.config.RequestsPerWindow + rl.config.BurstSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tokens
}

// Cleanup removes old buckets (should be called periodically)
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup starts a background goroutine to cleanup old buckets
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// RateLimitMiddleware provides HTTP rate limiting
type RateLimitMiddleware struct {
	userLimiter      *RateLimiter
	serviceLimiter   *RateLimiter
	anonymousLimiter *RateLimiter
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware() *RateLimitMiddleware {
	return &RateLimitMiddleware{
		userLimiter:      NewRateLimiter(PerUserRateLimitConfig()),
		serviceLimiter:   NewRateLimiter(PerServiceRateLimitConfig()),
		anonymousLimiter: NewRateLimiter(DefaultRateLimitConfig()),
	}
}

// limitKey picks the bucket key and limiter for a request. Authenticated
// actors are limited per identity, everyone else per client IP.
func (m *RateLimitMiddleware) limitKey(r *http.Request) (string, *RateLimiter) {
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

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, limiter := m.limitKey(r)

		if !limiter.Allow(key) {
			m.rateLimitExceeded(w, limiter)
			return
		}

		remaining := limiter.Remaining(key)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(limiter.config.WindowDuration).Unix()))

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) rateLimitExceeded(w http.ResponseWriter, limiter *RateLimiter) {
	retryAfter := limiter.config.WindowDuration.Seconds()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(limiter.config.WindowDuration).Unix()))
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + fmt.Sprintf("%.0f", retryAfter) + `}`))
}

func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (if behind proxy)
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		return forwarded
	}

	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	return r.RemoteAddr
}
