package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
)

// advancer is the part of clockwork's fake clock the tests drive.
type advancer interface {
	clockwork.Clock
	Advance(d time.Duration)
}

// testClock wraps a clockwork fake clock. clockwork runs AfterFunc callbacks
// on their own goroutines; Advance steps from deadline to deadline and waits
// for the callbacks it fired, so their effects are visible when it returns.
type testClock struct {
	advancer
	t       *testing.T
	mu      sync.Mutex
	pending map[*trackedTimer]struct{}
}

type trackedTimer struct {
	clockwork.Timer
	c    *testClock
	at   time.Time
	once sync.Once
	done chan struct{}
}

func newTestClock(t *testing.T) *testClock {
	return &testClock{
		advancer: clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)),
		t:        t,
		pending:  make(map[*trackedTimer]struct{}),
	}
}

func (c *testClock) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	tt := &trackedTimer{c: c, at: c.Now().Add(d), done: make(chan struct{})}
	c.mu.Lock()
	c.pending[tt] = struct{}{}
	c.mu.Unlock()
	tt.Timer = c.advancer.AfterFunc(d, func() {
		defer tt.finish()
		f()
	})
	return tt
}

func (tt *trackedTimer) Stop() bool {
	stopped := tt.Timer.Stop()
	if stopped {
		tt.finish()
	}
	return stopped
}

func (tt *trackedTimer) finish() {
	tt.once.Do(func() {
		tt.c.mu.Lock()
		delete(tt.c.pending, tt)
		tt.c.mu.Unlock()
		close(tt.done)
	})
}

// Advance moves time forward, firing due timers in deadline order.
func (c *testClock) Advance(d time.Duration) {
	c.t.Helper()
	target := c.Now().Add(d)
	for {
		next, ok := c.nextDeadline(target)
		if !ok {
			break
		}
		if step := next.Sub(c.Now()); step > 0 {
			c.advancer.Advance(step)
		}
		c.waitFired()
	}
	if rest := target.Sub(c.Now()); rest > 0 {
		c.advancer.Advance(rest)
	}
}

func (c *testClock) nextDeadline(limit time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	found := false
	for tt := range c.pending {
		if tt.at.After(limit) {
			continue
		}
		if !found || tt.at.Before(next) {
			next, found = tt.at, true
		}
	}
	return next, found
}

// waitFired blocks until every timer due at the current time has run.
func (c *testClock) waitFired() {
	c.t.Helper()
	for {
		now := c.Now()
		c.mu.Lock()
		var due []*trackedTimer
		for tt := range c.pending {
			if !tt.at.After(now) {
				due = append(due, tt)
			}
		}
		c.mu.Unlock()
		if len(due) == 0 {
			return
		}
		for _, tt := range due {
			select {
			case <-tt.done:
			case <-time.After(5 * time.Second):
				c.t.Fatalf("timer due at %s never ran", tt.at)
			}
		}
	}
}

// Pending counts armed timers.
func (c *testClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// fakeTransport records calls and lets tests inject signals and frames.
type fakeTransport struct {
	mu         sync.Mutex
	handlers   []Handler
	tokens     []string
	subscribed map[string]bool
	subCount   map[string]int
	ops        []string
	closes     int
	connectErr error
	subErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subscribed: map[string]bool{}, subCount: map[string]int{}}
}

func (f *fakeTransport) Connect(token string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.handlers = append(f.handlers, h)
	f.subscribed = map[string]bool{}
	f.ops = append(f.ops, "connect")
	return f.connectErr
}

func (f *fakeTransport) Subscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.subscribed[channel] = true
	f.subCount[channel]++
	f.ops = append(f.ops, "subscribe "+channel)
	return nil
}

func (f *fakeTransport) Unsubscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, channel)
	f.ops = append(f.ops, "unsubscribe "+channel)
	return errors.New("already gone")
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.ops = append(f.ops, "close")
	return nil
}

func (f *fakeTransport) handler() Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handlers) == 0 {
		return nil
	}
	return f.handlers[len(f.handlers)-1]
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func (f *fakeTransport) isSubscribed(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[channel]
}

func (f *fakeTransport) subscribeCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCount[channel]
}

func (f *fakeTransport) resetOps() {
	f.mu.Lock()
	f.ops = nil
	f.mu.Unlock()
}

func (f *fakeTransport) recordedOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeTransport) signal(sig Signal) {
	var err error
	if sig != SignalConnected {
		err = errors.New("socket " + string(sig))
	}
	f.handler().Signal(sig, err)
}

func (f *fakeTransport) frame(event, channel string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	f.handler().Frame(hub.Frame{Event: event, Channel: channel, Data: raw})
}

// fakeSender records typing signals.
type fakeSender struct {
	mu    sync.Mutex
	sent  []bool
	convs []int64
	err   error
}

func (s *fakeSender) SendTyping(_ context.Context, conversationID int64, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, typing)
	s.convs = append(s.convs, conversationID)
	return s.err
}

func (s *fakeSender) signals() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.sent...)
}
