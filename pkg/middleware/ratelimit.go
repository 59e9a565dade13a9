package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// DefaultRateLimitConfig allows 30 issuances per subject per minute
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
	}
}

// RateLimitResult is the state of one key after counting a request
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RedisRateLimiter counts requests per key in fixed windows stored in Redis,
// so limits are shared across instances
type RedisRateLimiter struct {
	redis   *redis.Client
	config  RateLimitConfig
	prefix  string
	metrics *observability.Metrics
}

// RateLimitOption configures a RedisRateLimiter
type RateLimitOption func(*RedisRateLimiter)

// WithRateLimitMetrics counts rejected requests per route
func WithRateLimitMetrics(metrics *observability.Metrics) RateLimitOption {
	return func(rl *RedisRateLimiter) { rl.metrics = metrics }
}

// NewRedisRateLimiter creates a new Redis-backed rate limiter
func NewRedisRateLimiter(client *redis.Client, config RateLimitConfig, prefix string, opts ...RateLimitOption) *RedisRateLimiter {
	def := DefaultRateLimitConfig()
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = def.RequestsPerWindow
	}
	if config.WindowDuration <= 0 {
		config.WindowDuration = def.WindowDuration
	}
	if prefix == "" {
		prefix = "rolegate:ratelimit"
	}

	rl := &RedisRateLimiter{redis: client, config: config, prefix: prefix}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

func (rl *RedisRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow counts one request for key. On Redis errors the request is allowed
// and the error returned for logging.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (RateLimitResult, error) {
	redisKey := rl.key(key)
	result := RateLimitResult{Allowed: true, Limit: rl.config.RequestsPerWindow, Remaining: rl.config.RequestsPerWindow}

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return result, fmt.Errorf("redis error: %w", err)
	}

	window := ttl.Val()
	if window < 0 {
		// first request of a window, or a key that lost its expiry
		if err := rl.redis.PExpire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return result, fmt.Errorf("redis error: %w", err)
		}
		window = rl.config.WindowDuration
	}

	count := int(incr.Val())
	result.Remaining = rl.config.RequestsPerWindow - count
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if count > rl.config.RequestsPerWindow {
		result.Allowed = false
		result.RetryAfter = window
	}
	return result, nil
}

// Reset clears the counter for key
func (rl *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// Reject records a limited request and writes 429 with Retry-After
func (rl *RedisRateLimiter) Reject(w http.ResponseWriter, route string, result RateLimitResult) {
	if rl.metrics != nil {
		rl.metrics.RateLimitedTotal.WithLabelValues(route).Inc()
	}
	retryAfter := int((result.RetryAfter + time.Second - 1) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteRateLimitHeaders(w, result)
	httputil.WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
}

// WriteRateLimitHeaders sets the X-RateLimit-* headers
func WriteRateLimitHeaders(w http.ResponseWriter, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
}

// Middleware limits requests by the key keyFunc derives. Requests with an
// empty key pass through.
func (rl *RedisRateLimiter) Middleware(route string, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := rl.Allow(r.Context(), key)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !result.Allowed {
				rl.Reject(w, route, result)
				return
			}

			WriteRateLimitHeaders(w, result)
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalKey keys requests by the authenticated subject and tenant
func PrincipalKey(r *http.Request) string {
	principal := GetPrincipal(r)
	if principal == nil {
		return ""
	}
	return principal.TenantID() + ":" + principal.UserID()
}

// HealthCheck verifies Redis connectivity for rate limiting
func (rl *RedisRateLimiter) HealthCheck(ctx context.Context) error {
	return rl.redis.Ping(ctx).Err()
}
