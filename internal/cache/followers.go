package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"go.uber.org/zap"
)

const followerCacheName = "followers"

// FollowerSource resolves the IDs of users following userID.
type FollowerSource interface {
	FollowerIDs(ctx context.Context, userID string) ([]string, error)
}

// FollowerCache is a read-through Redis cache in front of a FollowerSource.
// Follower lists are stored as JSON so an empty list is cacheable.
// Redis failures fall back to the source.
type FollowerCache struct {
	redis   *RedisClient
	source  FollowerSource
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewFollowerCache wraps source. A nil m disables cache metrics.
func NewFollowerCache(redis *RedisClient, source FollowerSource, ttl time.Duration, m *metrics.Metrics) *FollowerCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &FollowerCache{redis: redis, source: source, ttl: ttl, metrics: m}
}

func followerKey(userID string) string {
	return "followers:" + userID
}

// FollowerIDs returns the cached follower list or loads and stores it
func (fc *FollowerCache) FollowerIDs(ctx context.Context, userID string) ([]string, error) {
	key := followerKey(userID)

	raw, err := fc.redis.Get(ctx, key)
	switch {
	case err == nil:
		var ids []string
		if jsonErr := json.Unmarshal([]byte(raw), &ids); jsonErr == nil {
			fc.record(true)
			return ids, nil
		}
		logger.Log.Warn("Discarding corrupt follower cache entry", logger.WithUserID(userID))
	case !errors.Is(err, ErrMiss):
		logger.Log.Warn("Follower cache read failed", logger.WithUserID(userID), zap.Error(err))
	}
	fc.record(false)

	ids, err := fc.source.FollowerIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}

	data, err := json.Marshal(ids)
	if err == nil {
		err = fc.redis.SetEx(ctx, key, data, fc.ttl)
	}
	if err != nil {
		logger.Log.Warn("Follower cache write failed", logger.WithUserID(userID), zap.Error(err))
	}
	return ids, nil
}

// Invalidate drops the cached follower list for userID
func (fc *FollowerCache) Invalidate(ctx context.Context, userID string) error {
	return fc.redis.Del(ctx, followerKey(userID))
}

func (fc *FollowerCache) record(hit bool) {
	if fc.metrics != nil {
		fc.metrics.RecordCache(followerCacheName, hit)
	}
}
