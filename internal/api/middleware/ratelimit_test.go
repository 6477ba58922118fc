package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	mu         sync.Mutex
	hits       map[string]int64
	violations map[string]int64
	blocked    map[string]string
	hitErr     error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{
		hits:       map[string]int64{},
		violations: map[string]int64{},
		blocked:    map[string]string{},
	}
}

func (c *fakeCounter) CountHit(_ context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hitErr != nil {
		return 0, time.Time{}, c.hitErr
	}
	c.hits[key]++
	return c.hits[key], now.Truncate(window).Add(window), nil
}

func (c *fakeCounter) RecordViolation(_ context.Context, ip string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.violations[ip]++
	return c.violations[ip], nil
}

func (c *fakeCounter) IsBlocked(_ context.Context, ip string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blocked[ip]
	return ok, nil
}

func (c *fakeCounter) Block(_ context.Context, ip string, _ time.Duration, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[ip] = reason
	return nil
}

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func post(h http.Handler, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = ip + ":5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterRejectsOverBudget(t *testing.T) {
	rl := NewRateLimiter(newFakeCounter(), zerolog.Nop(), RateLimiterConfig{})
	rl.now = func() time.Time { return time.Unix(1_700_000_010, 0) }
	h := limitedHandler(rl)

	for i := 0; i < 10; i++ {
		rec := post(h, "/conversations", "10.0.0.1")
		require.Equal(t, http.StatusNoContent, rec.Code, "request %d", i+1)
	}

	rec := post(h, "/conversations", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimiterSkipsUnlimitedPaths(t *testing.T) {
	counter := newFakeCounter()
	rl := NewRateLimiter(counter, zerolog.Nop(), RateLimiterConfig{})

	rec := post(limitedHandler(rl), "/health", "10.0.0.1")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, counter.hits)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	counter := newFakeCounter()
	counter.hitErr = errors.New("redis down")
	rl := NewRateLimiter(counter, zerolog.Nop(), RateLimiterConfig{})

	rec := post(limitedHandler(rl), "/conversations", "10.0.0.1")

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiterWhitelist(t *testing.T) {
	counter := newFakeCounter()
	counter.blocked["192.168.1.20"] = "test"
	rl := NewRateLimiter(counter, zerolog.Nop(), RateLimiterConfig{
		Whitelist: []string{"192.168.1.0/24", "10.1.1.1", "not-an-ip"},
	})
	h := limitedHandler(rl)

	assert.Equal(t, http.StatusNoContent, post(h, "/conversations", "192.168.1.20").Code)
	assert.Equal(t, http.StatusNoContent, post(h, "/conversations", "10.1.1.1").Code)
	assert.Empty(t, counter.hits)
	assert.Len(t, rl.allow, 2)
}

func TestRateLimiterBlockedIP(t *testing.T) {
	counter := newFakeCounter()
	counter.blocked["10.0.0.5"] = "test"
	rl := NewRateLimiter(counter, zerolog.Nop(), RateLimiterConfig{})

	rec := post(limitedHandler(rl), "/health", "10.0.0.5")

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimiterAutoBlocksRepeatOffenders(t *testing.T) {
	counter := newFakeCounter()
	rl := NewRateLimiter(counter, zerolog.Nop(), RateLimiterConfig{AutoBlockEnabled: true})
	h := limitedHandler(rl)

	for i := 0; i < 10+violationLimit; i++ {
		post(h, "/conversations", "10.0.0.7")
	}

	assert.Contains(t, counter.blocked, "10.0.0.7")
	assert.Equal(t, http.StatusForbidden, post(h, "/health", "10.0.0.7").Code)
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, matchPattern("POST /conversations/*/typing", "POST /conversations/4/typing"))
	assert.False(t, matchPattern("POST /conversations/*/typing", "POST /conversations//typing"))
	assert.False(t, matchPattern("POST /conversations/*/typing", "POST /conversations/4/messages"))
	assert.True(t, matchPattern("GET /ws", "GET /ws"))
}
