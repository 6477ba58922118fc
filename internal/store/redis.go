package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore handles Redis operations: the fan-out job queue, the online
// registry used by notifications, and rate limit counters and IP blocks.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client, now: time.Now}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// onlineKey returns the sorted set of hub instances holding a user's
// connections, scored by expiry in unix milliseconds.
func onlineKey(userID int64) string {
	return fmt.Sprintf("presence:user:%d", userID)
}

// queueReadyKey returns the list holding jobs ready to run.
func queueReadyKey(queue string) string {
	return fmt.Sprintf("queue:%s:ready", queue)
}

// queueDelayedKey returns the sorted set of jobs waiting for their retry time.
func queueDelayedKey(queue string) string {
	return fmt.Sprintf("queue:%s:delayed", queue)
}

// rateKey returns the counter of one fixed window.
func rateKey(key string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, bucket)
}

func blockedKey(ip string) string {
	return "blocked:ip:" + ip
}

func violationsKey(ip string) string {
	return "violations:ip:" + ip
}

// CountHit adds one hit to key's current window and returns the hits so far,
// this one included, and when the window ends.
func (s *RedisStore) CountHit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	size := window.Milliseconds()
	bucket := now.UnixMilli() / size
	resetAt := time.UnixMilli((bucket + 1) * size)

	k := rateKey(key, bucket)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, resetAt, err
	}
	return incr.Val(), resetAt, nil
}

// RecordViolation counts a rate limit violation by ip. The count resets
// after within without further violations.
func (s *RedisStore) RecordViolation(ctx context.Context, ip string, within time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, violationsKey(ip))
	pipe.Expire(ctx, violationsKey(ip), within)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	n, err := s.client.Exists(ctx, blockedKey(ip)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Block refuses every request from ip for d.
func (s *RedisStore) Block(ctx context.Context, ip string, d time.Duration, reason string) error {
	return s.client.Set(ctx, blockedKey(ip), reason, d).Err()
}

func (s *RedisStore) Unblock(ctx context.Context, ip string) error {
	return s.client.Del(ctx, blockedKey(ip)).Err()
}

// MarkOnline records that instance holds a live connection of the user until
// ttl passes without a refresh. Instances keep separate entries, so one of
// them closing its last socket does not hide the others.
func (s *RedisStore) MarkOnline(ctx context.Context, instance string, userID int64, ttl time.Duration) error {
	key := onlineKey(userID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(s.now().Add(ttl).UnixMilli()), Member: instance})
	pipe.PExpire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkOffline drops the entry instance holds for the user.
func (s *RedisStore) MarkOffline(ctx context.Context, instance string, userID int64) error {
	return s.client.ZRem(ctx, onlineKey(userID), instance).Err()
}

// IsOnline reports whether any instance holds an unexpired entry for the user.
func (s *RedisStore) IsOnline(ctx context.Context, userID int64) (bool, error) {
	floor := "(" + strconv.FormatInt(s.now().UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, onlineKey(userID), floor, "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PushJob appends an encoded job to the ready list.
func (s *RedisStore) PushJob(ctx context.Context, queue string, job []byte) error {
	return s.client.LPush(ctx, queueReadyKey(queue), job).Err()
}

// ScheduleJob parks an encoded job until at.
func (s *RedisStore) ScheduleJob(ctx context.Context, queue string, job []byte, at time.Time) error {
	return s.client.ZAdd(ctx, queueDelayedKey(queue), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: job,
	}).Err()
}

// PopJob blocks up to timeout for the next ready job. It returns (nil, nil)
// when nothing arrived in time.
func (s *RedisStore) PopJob(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := s.client.BRPop(ctx, timeout, queueReadyKey(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	return []byte(res[1]), nil
}

// promoteScript moves due jobs from the delayed set to the ready list in one
// step so that two workers never promote the same job.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, job in ipairs(due) do
	redis.call('ZREM', KEYS[1], job)
	redis.call('LPUSH', KEYS[2], job)
end
return #due
`)

// PromoteDueJobs moves up to limit delayed jobs whose time has come onto the
// ready list and returns how many were moved.
func (s *RedisStore) PromoteDueJobs(ctx context.Context, queue string, now time.Time, limit int) (int, error) {
	n, err := promoteScript.Run(ctx, s.client,
		[]string{queueDelayedKey(queue), queueReadyKey(queue)},
		now.UnixMilli(), limit,
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return n, nil
}

// QueueDepth returns the number of ready and delayed jobs.
func (s *RedisStore) QueueDepth(ctx context.Context, queue string) (ready, delayed int64, err error) {
	pipe := s.client.Pipeline()
	readyCmd := pipe.LLen(ctx, queueReadyKey(queue))
	delayedCmd := pipe.ZCard(ctx, queueDelayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return readyCmd.Val(), delayedCmd.Val(), nil
}
