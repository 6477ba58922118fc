package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/metrics"
	"github.com/TaviloBreno/chat-laravel-angular/internal/store"
)

var ErrQueueFull = errors.New("fan-out queue is full")

// Queue carries jobs from the request path to the workers.
type Queue interface {
	Push(ctx context.Context, j *Job) error
	PushAfter(ctx context.Context, j *Job, delay time.Duration) error
	// Pop blocks until a job is available or ctx is done.
	Pop(ctx context.Context) (*Job, error)
}

// MemoryQueue is an in-process queue for single-binary deployments and tests.
type MemoryQueue struct {
	q      chan *Job
	logger zerolog.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

func NewMemoryQueue(size int, logger zerolog.Logger) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{
		q:      make(chan *Job, size),
		logger: logger.With().Str("queue", "memory").Logger(),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Push enqueues without blocking and fails with ErrQueueFull when the buffer is full.
func (m *MemoryQueue) Push(ctx context.Context, j *Job) error {
	select {
	case m.q <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (m *MemoryQueue) PushAfter(ctx context.Context, j *Job, delay time.Duration) error {
	if delay <= 0 {
		return m.Push(ctx, j)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		m.mu.Unlock()
		if err := m.Push(context.Background(), j); err != nil {
			m.logger.Error().Err(err).
				Str("job_id", j.ID).
				Str("event", j.EventType).
				Int("attempt", j.Attempt).
				Msg("delayed job dropped")
			metrics.FanoutJobs.WithLabelValues(string(j.Kind), "failed").Inc()
		}
	})
	m.timers[t] = struct{}{}
	return nil
}

func (m *MemoryQueue) Pop(ctx context.Context) (*Job, error) {
	select {
	case j := <-m.q:
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of ready jobs.
func (m *MemoryQueue) Len() int {
	return len(m.q)
}

// Stop cancels pending delayed pushes.
func (m *MemoryQueue) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t := range m.timers {
		t.Stop()
		delete(m.timers, t)
	}
}

// RedisQueue shares jobs between processes through a Redis list, with a
// sorted set holding jobs that wait for a retry.
type RedisQueue struct {
	redis  *store.RedisStore
	name   string
	poll   time.Duration
	logger zerolog.Logger
}

func NewRedisQueue(redis *store.RedisStore, name string, logger zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		redis:  redis,
		name:   name,
		poll:   time.Second,
		logger: logger.With().Str("queue", name).Logger(),
	}
}

func (q *RedisQueue) Push(ctx context.Context, j *Job) error {
	b, err := encodeJob(j)
	if err != nil {
		return err
	}
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()
	return q.redis.PushJob(ctx, q.name, b)
}

func (q *RedisQueue) PushAfter(ctx context.Context, j *Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Push(ctx, j)
	}
	b, err := encodeJob(j)
	if err != nil {
		return err
	}
	return q.redis.ScheduleJob(ctx, q.name, b, time.Now().Add(delay))
}

func (q *RedisQueue) Pop(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := q.redis.PromoteDueJobs(ctx, q.name, time.Now(), 100); err != nil && ctx.Err() == nil {
			q.logger.Warn().Err(err).Msg("failed to promote delayed jobs")
		}

		b, err := q.redis.PopJob(ctx, q.name, q.poll)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if b == nil {
			continue
		}

		j, err := decodeJob(b)
		if err != nil {
			q.logger.Error().Err(err).Int("bytes", len(b)).Msg("dropping undecodable job")
			metrics.FanoutJobs.WithLabelValues("unknown", "dropped").Inc()
			continue
		}
		return j, nil
	}
}

// Depth reports ready and delayed job counts.
func (q *RedisQueue) Depth(ctx context.Context) (ready, delayed int64, err error) {
	return q.redis.QueueDepth(ctx, q.name)
}
