package middleware

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/zfogg/sidechain/realtime/internal/errors"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"go.uber.org/zap"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// Requests per window
	Limit int
	// Window duration
	Window time.Duration
	// KeyFunc picks the bucket for a request; defaults to the client IP
	KeyFunc func(c *gin.Context) string
}

// DefaultRateLimitConfig limits WebSocket upgrade attempts per IP
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:  30,
		Window: time.Minute,
	}
}

// Limiter decides whether one more request for key is allowed.
// retryAfter is meaningful only when allowed is false.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// TokenBucket for rate limiting
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket
func NewTokenBucket(maxTokens float64, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = math.Min(tb.maxTokens, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Allow checks if a request is allowed based on token availability
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(time.Now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// RetryAfter returns how long until the next token is available
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.tokens >= 1 {
		return 0
	}
	seconds := (1 - tb.tokens) / tb.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// idle reports whether the bucket has refilled completely
func (tb *TokenBucket) idle(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens >= tb.maxTokens
}

// MemoryLimiter keeps one token bucket per key in process memory.
type MemoryLimiter struct {
	buckets map[string]*TokenBucket
	config  RateLimitConfig
	mu      sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryLimiter creates a limiter and starts its idle-bucket sweeper.
// Call Stop to end the sweeper.
func NewMemoryLimiter(config RateLimitConfig) *MemoryLimiter {
	ml := &MemoryLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		stop:    make(chan struct{}),
	}
	go ml.cleanupRoutine(time.Minute)
	return ml
}

// Allow takes a token from key's bucket
func (ml *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	ml.mu.Lock()
	bucket, exists := ml.buckets[key]
	if !exists {
		refillRate := float64(ml.config.Limit) / ml.config.Window.Seconds()
		bucket = NewTokenBucket(float64(ml.config.Limit), refillRate)
		ml.buckets[key] = bucket
	}
	ml.mu.Unlock()

	if bucket.Allow() {
		return true, 0, nil
	}
	return false, bucket.RetryAfter(), nil
}

// Len returns the number of tracked keys
func (ml *MemoryLimiter) Len() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.buckets)
}

// Stop ends the cleanup goroutine
func (ml *MemoryLimiter) Stop() {
	ml.once.Do(func() { close(ml.stop) })
}

// sweep drops buckets that have refilled, since a fresh bucket is equivalent
func (ml *MemoryLimiter) sweep(now time.Time) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	for key, bucket := range ml.buckets {
		if bucket.idle(now) {
			delete(ml.buckets, key)
		}
	}
}

func (ml *MemoryLimiter) cleanupRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ml.stop:
			return
		case now := <-ticker.C:
			ml.sweep(now)
		}
	}
}

// RateLimit returns a middleware that rejects requests the limiter refuses.
// Limiter errors fail closed with 503. m may be nil.
func RateLimit(l Limiter, config RateLimitConfig, m *metrics.Metrics) gin.HandlerFunc {
	keyFunc := config.KeyFunc
	if keyFunc == nil {
		keyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}

	return func(c *gin.Context) {
		key := keyFunc(c)
		allowed, retryAfter, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Log.Error("Rate limit check failed - rejecting request",
				logger.WithIP(c.ClientIP()),
				zap.Error(err),
			)
			if m != nil {
				m.RecordError("rate_limit_backend", "middleware")
			}
			apperrors.Respond(c, apperrors.ServiceUnavailable("rate limiter"))
			return
		}

		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			if m != nil {
				m.ConnectRateLimits.Inc()
			}
			logger.Log.Warn("Rate limit exceeded",
				logger.WithIP(c.ClientIP()),
				zap.String("key", key),
				zap.Int("retry_after", seconds),
			)
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.Header("X-RateLimit-Limit", strconv.Itoa(config.Limit))
			c.Header("X-RateLimit-Remaining", "0")
			apperrors.Respond(c, apperrors.RateLimited(""))
			return
		}
		c.Next()
	}
}

// NewRateLimiter returns an in-memory rate limiting middleware
func NewRateLimiter(config RateLimitConfig) gin.HandlerFunc {
	return RateLimit(NewMemoryLimiter(config), config, nil)
}
