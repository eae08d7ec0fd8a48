package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/sidechain/realtime/internal/cache"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
)

func limitedRouter(l Limiter, config RateLimitConfig, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit(l, config, m))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func hit(router *gin.Engine, clientID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if clientID != "" {
		req.Header.Set("X-Client-ID", clientID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter(t *testing.T) {
	config := RateLimitConfig{Limit: 3, Window: time.Second}
	limiter := NewMemoryLimiter(config)
	defer limiter.Stop()
	m := metrics.New(nil)
	router := limitedRouter(limiter, config, m)

	// First 3 requests should succeed
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(router, "").Code, "Request %d should succeed", i+1)
	}

	// 4th request should be rate limited
	w := hit(router, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "4th request should be rate limited")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectRateLimits))

	// Wait for the bucket to refill
	time.Sleep(time.Second + 100*time.Millisecond)
	assert.Equal(t, http.StatusOK, hit(router, "").Code, "Request after window should succeed")
}

func TestRateLimiterDifferentClients(t *testing.T) {
	config := RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
		KeyFunc: func(c *gin.Context) string {
			return c.GetHeader("X-Client-ID")
		},
	}
	limiter := NewMemoryLimiter(config)
	defer limiter.Stop()
	router := limitedRouter(limiter, config, nil)

	// Client A makes 2 requests (at limit)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, hit(router, "client-a").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, hit(router, "client-a").Code, "Client A should be rate limited")
	assert.Equal(t, http.StatusOK, hit(router, "client-b").Code, "Client B should not be rate limited")
	assert.Equal(t, 2, limiter.Len())
}

func TestMemoryLimiterSweepDropsRefilledBuckets(t *testing.T) {
	limiter := NewMemoryLimiter(RateLimitConfig{Limit: 1, Window: time.Second})
	defer limiter.Stop()
	ctx := context.Background()

	allowed, _, err := limiter.Allow(ctx, "a")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, retryAfter, err := limiter.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	limiter.sweep(time.Now())
	assert.Equal(t, 1, limiter.Len(), "a drained bucket is kept")

	limiter.sweep(time.Now().Add(2 * time.Second))
	assert.Zero(t, limiter.Len())
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("redis: connection refused")
}

func TestRateLimitFailsClosed(t *testing.T) {
	router := limitedRouter(failingLimiter{}, DefaultRateLimitConfig(), metrics.New(nil))

	w := hit(router, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "SERVICE_UNAVAILABLE")
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := cache.NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	defer client.Close()

	config := RateLimitConfig{Limit: 2, Window: time.Minute}
	router := limitedRouter(NewRedisLimiter(client, config), config, nil)

	assert.Equal(t, http.StatusOK, hit(router, "").Code)
	assert.Equal(t, http.StatusOK, hit(router, "").Code)

	w := hit(router, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	mr.FastForward(time.Minute)
	assert.Equal(t, http.StatusOK, hit(router, "").Code)
}

func TestDefaultRateLimitConfig(t *testing.T) {
	config := DefaultRateLimitConfig()
	assert.Equal(t, 30, config.Limit)
	assert.Equal(t, time.Minute, config.Window)
}
