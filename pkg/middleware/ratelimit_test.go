package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegate/pkg/contextkeys"
	"github.com/platinummonkey/rolegate/pkg/observability"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisRateLimiter_Allow(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	rl := NewRedisRateLimiter(client, RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "test")

	for i := 0; i < 2; i++ {
		res, err := rl.Allow(ctx, "t-1:u-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 1-i, res.Remaining)
	}

	res, err := rl.Allow(ctx, "t-1:u-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)

	other, err := rl.Allow(ctx, "t-1:u-2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are counted independently")

	mr.FastForward(time.Minute + time.Second)
	res, err = rl.Allow(ctx, "t-1:u-1")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a new window starts after expiry")

	require.NoError(t, rl.Reset(ctx, "t-1:u-1"))
	assert.False(t, mr.Exists("test:t-1:u-1"))
}

func TestRedisRateLimiter_FailsOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	rl := NewRedisRateLimiter(client, RateLimitConfig{RequestsPerWindow: 1}, "")
	mr.Close()

	res, err := rl.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, res.Allowed)
	assert.Error(t, rl.HealthCheck(context.Background()))
}

func TestRedisRateLimiter_Middleware(t *testing.T) {
	_, client := newTestRedis(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	rl := NewRedisRateLimiter(client, RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 30 * time.Second}, "mw", WithRateLimitMetrics(metrics))

	principal := testPrincipal("u-1", "t-1", nil)
	handler := rl.Middleware("refresh", PrincipalKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(withPrincipal bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/sessions/refresh", nil)
		if withPrincipal {
			req = req.WithContext(contextkeys.WithPrincipal(req.Context(), principal))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send(true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = send(true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("refresh")))

	assert.Equal(t, http.StatusOK, send(false).Code, "requests without a key are not limited")
}
