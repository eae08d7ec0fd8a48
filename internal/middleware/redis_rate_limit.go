package middleware

import (
	"context"
	"time"

	"github.com/zfogg/sidechain/realtime/internal/cache"
)

// RedisLimiter is a fixed-window limiter shared by every gateway instance
type RedisLimiter struct {
	client *cache.RedisClient
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter creates a distributed limiter on top of client
func NewRedisLimiter(client *cache.RedisClient, config RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  config.Limit,
		window: config.Window,
		prefix: "rate_limit:ws:",
	}
}

// Allow counts the request in key's current window
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	count, left, err := rl.client.IncrWindow(ctx, rl.prefix+key, rl.window)
	if err != nil {
		return false, 0, err
	}
	if count > int64(rl.limit) {
		return false, left, nil
	}
	return true, 0, nil
}
