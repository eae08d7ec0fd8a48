package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
)

func newTestRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

type countingSource struct {
	calls atomic.Int32
	ids   []string
	err   error
}

func (s *countingSource) FollowerIDs(context.Context, string) ([]string, error) {
	s.calls.Add(1)
	return s.ids, s.err
}

func TestNewRedisClientUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisClient(ctx, "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}

func TestGetMiss(t *testing.T) {
	rc, _ := newTestRedis(t)

	_, err := rc.Get(context.Background(), "nothing-here")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestIncrWindow(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, left, err := rc.IncrWindow(ctx, "rl:1.2.3.4", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
		assert.True(t, left > 0 && left <= time.Minute)
	}

	mr.FastForward(time.Minute + time.Second)

	n, _, err := rc.IncrWindow(ctx, "rl:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "window resets after expiry")
}

func TestFollowerCacheReadThrough(t *testing.T) {
	rc, mr := newTestRedis(t)
	m := metrics.New(nil)
	src := &countingSource{ids: []string{"f1", "f2"}}
	fc := NewFollowerCache(rc, src, time.Minute, m)
	ctx := context.Background()

	ids, err := fc.FollowerIDs(ctx, "author")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids)

	ids, err = fc.FollowerIDs(ctx, "author")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids)
	assert.Equal(t, int32(1), src.calls.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues(followerCacheName)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues(followerCacheName)))

	mr.FastForward(2 * time.Minute)
	_, err = fc.FollowerIDs(ctx, "author")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "expired entries are reloaded")
}

func TestFollowerCacheEmptyListIsCached(t *testing.T) {
	rc, _ := newTestRedis(t)
	src := &countingSource{}
	fc := NewFollowerCache(rc, src, time.Minute, nil)

	for i := 0; i < 3; i++ {
		ids, err := fc.FollowerIDs(context.Background(), "loner")
		require.NoError(t, err)
		assert.Empty(t, ids)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestFollowerCacheSourceError(t *testing.T) {
	rc, mr := newTestRedis(t)
	src := &countingSource{err: errors.New("db down")}
	fc := NewFollowerCache(rc, src, time.Minute, nil)

	_, err := fc.FollowerIDs(context.Background(), "author")
	assert.EqualError(t, err, "db down")
	assert.False(t, mr.Exists(followerKey("author")), "errors are not cached")
}

func TestFollowerCacheRedisDownFallsBack(t *testing.T) {
	rc, mr := newTestRedis(t)
	src := &countingSource{ids: []string{"f1"}}
	fc := NewFollowerCache(rc, src, time.Minute, nil)

	mr.Close()

	ids, err := fc.FollowerIDs(context.Background(), "author")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, ids)
}

func TestFollowerCacheCorruptEntry(t *testing.T) {
	rc, mr := newTestRedis(t)
	require.NoError(t, mr.Set(followerKey("author"), "{not-json"))
	src := &countingSource{ids: []string{"f1"}}
	fc := NewFollowerCache(rc, src, time.Minute, nil)

	ids, err := fc.FollowerIDs(context.Background(), "author")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, ids)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestFollowerCacheInvalidate(t *testing.T) {
	rc, _ := newTestRedis(t)
	src := &countingSource{ids: []string{"f1"}}
	fc := NewFollowerCache(rc, src, time.Minute, nil)
	ctx := context.Background()

	_, err := fc.FollowerIDs(ctx, "author")
	require.NoError(t, err)
	require.NoError(t, fc.Invalidate(ctx, "author"))
	_, err = fc.FollowerIDs(ctx, "author")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}
