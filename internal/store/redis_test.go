package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisDelayedJobIsPromotedWhenDue(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.PushJob(ctx, "fanout", []byte("ready")))
	require.NoError(t, s.ScheduleJob(ctx, "fanout", []byte("later"), now.Add(time.Minute)))

	ready, delayed, err := s.QueueDepth(ctx, "fanout")
	require.NoError(t, err)
	assert.Equal(t, [2]int64{1, 1}, [2]int64{ready, delayed})

	n, err := s.PromoteDueJobs(ctx, "fanout", now, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.PromoteDueJobs(ctx, "fanout", now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// LPUSH plus BRPOP keeps arrival order.
	job, err := s.PopJob(ctx, "fanout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ready", string(job))
	job, err = s.PopJob(ctx, "fanout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "later", string(job))

	ready, delayed, err = s.QueueDepth(ctx, "fanout")
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Zero(t, delayed)
}

func TestRedisPromoteRespectsLimit(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()
	now := time.Now()
	for _, job := range []string{"a", "b", "c"} {
		require.NoError(t, s.ScheduleJob(ctx, "q", []byte(job), now.Add(-time.Second)))
	}

	n, err := s.PromoteDueJobs(ctx, "q", now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	ready, delayed, err := s.QueueDepth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ready)
	assert.Equal(t, int64(1), delayed)
}

func TestRedisPopJobTimesOutEmpty(t *testing.T) {
	s, _ := newTestRedis(t)
	job, err := s.PopJob(context.Background(), "empty", time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisOnlineRegistry(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	online, err := s.IsOnline(ctx, 7)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, s.MarkOnline(ctx, "hub-a", 7, 30*time.Second))
	require.NoError(t, s.MarkOnline(ctx, "hub-b", 7, 30*time.Second))
	assert.Equal(t, 30*time.Second, mr.TTL(onlineKey(7)))

	// One instance leaving keeps the user online through the other.
	require.NoError(t, s.MarkOffline(ctx, "hub-a", 7))
	online, err = s.IsOnline(ctx, 7)
	require.NoError(t, err)
	assert.True(t, online)

	// Without a refresh the remaining entry lapses.
	now = now.Add(31 * time.Second)
	online, err = s.IsOnline(ctx, 7)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, s.MarkOnline(ctx, "hub-b", 7, 30*time.Second))
	online, err = s.IsOnline(ctx, 7)
	require.NoError(t, err)
	assert.True(t, online)

	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists(onlineKey(7)))
}

func TestRedisCountHitFixedWindow(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()
	window := time.Minute
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		hits, resetAt, err := s.CountHit(ctx, "ip:10.0.0.1", window, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, i, hits)
		assert.True(t, resetAt.Equal(start.Add(window)), "reset at %s", resetAt)
	}
	bucket := start.UnixMilli() / window.Milliseconds()
	assert.Equal(t, 2*window, mr.TTL(rateKey("ip:10.0.0.1", bucket)))

	hits, _, err := s.CountHit(ctx, "ip:10.0.0.1", window, start.Add(window))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits, "a new window starts from zero")

	hits, _, err = s.CountHit(ctx, "ip:10.0.0.2", window, start)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits)
}

func TestRedisViolationsAndBlocks(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	for i := int64(1); i <= 2; i++ {
		n, err := s.RecordViolation(ctx, "10.0.0.9", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	blocked, err := s.IsBlocked(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, s.Block(ctx, "10.0.0.9", time.Hour, "rate limit"))
	blocked, err = s.IsBlocked(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, blocked)

	mr.FastForward(time.Hour + time.Second)
	blocked, err = s.IsBlocked(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, s.Block(ctx, "10.0.0.9", time.Hour, "manual"))
	require.NoError(t, s.Unblock(ctx, "10.0.0.9"))
	blocked, err = s.IsBlocked(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, blocked)
}
