// Package chat is the client side of the realtime transport: a connection
// manager that reconnects and resubscribes, a presence tracker and a typing
// coordinator.
package chat

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/backoff"
	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
)

// State is the connection state reported to observers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateOffline means automatic retries are exhausted; Reconnect resumes.
	StateOffline State = "offline"
)

var (
	ErrNoTransport = errors.New("chat: transport is required")
	ErrNoTokens    = errors.New("chat: token provider is required")
)

// TokenProvider returns the current API token, or "" when signed out.
type TokenProvider interface {
	Token() string
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// StaticToken always returns token.
func StaticToken(token string) TokenProvider {
	return TokenFunc(func() string { return token })
}

// Member is a presence channel member.
type Member = channels.Identity

// Listener holds the callbacks of one subscription. Nil fields are skipped.
// Callbacks run on the transport's goroutine, never under a Manager lock.
type Listener struct {
	// OnSubscribed fires after every successful (re)subscribe; members is
	// only set on presence channels.
	OnSubscribed    func(members []Member)
	OnDenied        func(status int)
	OnMemberAdded   func(m Member)
	OnMemberRemoved func(m Member)
	OnEvent         func(ev events.Event)
	// OnClosed fires when Disconnect drops the subscription.
	OnClosed func()
}

// ManagerOptions configure a Manager. Transport and Tokens are required.
type ManagerOptions struct {
	Transport          Transport
	Tokens             TokenProvider
	Clock              Clock
	Schedule           backoff.Schedule
	VisibilityDebounce time.Duration
	OnStateChange      func(State)
	Logger             zerolog.Logger
}

// Manager owns one realtime connection and the set of channels the
// application wants to be subscribed to. Desired channels survive
// reconnects; they are resubscribed every time the connection comes up.
type Manager struct {
	transport Transport
	tokens    TokenProvider
	clock     Clock
	schedule  backoff.Schedule
	visDelay  time.Duration
	onState   func(State)
	logger    zerolog.Logger

	// op serializes transport lifecycle calls.
	op sync.Mutex

	mu          sync.Mutex
	state       State
	initialized bool
	gen         uint64
	attempts    int
	retry       Timer
	visibility  Timer
	visSeq      uint64
	groups      map[string][]*Subscription
	active      map[string]bool
}

// Subscription is a handle on one listener of a channel. Several handles may
// share a channel; the transport subscription is held while any remains.
type Subscription struct {
	m        *Manager
	channel  string
	listener Listener
	once     sync.Once
	done     atomic.Bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	if opts.Tokens == nil {
		return nil, ErrNoTokens
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if len(opts.Schedule.Delays) == 0 {
		opts.Schedule = backoff.Reconnect
	}
	if opts.VisibilityDebounce <= 0 {
		opts.VisibilityDebounce = 500 * time.Millisecond
	}
	return &Manager{
		transport: opts.Transport,
		tokens:    opts.Tokens,
		clock:     opts.Clock,
		schedule:  opts.Schedule,
		visDelay:  opts.VisibilityDebounce,
		onState:   opts.OnStateChange,
		logger:    opts.Logger.With().Str("component", "realtime").Logger(),
		state:     StateDisconnected,
		groups:    make(map[string][]*Subscription),
		active:    make(map[string]bool),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed connection attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Channels returns the desired channels, sorted.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.groups)
}

// Initialize connects with the current token. Without a token it does
// nothing. A live connection is torn down first.
func (m *Manager) Initialize() {
	token := m.tokens.Token()
	if token == "" {
		m.logger.Debug().Msg("no token, not connecting")
		return
	}

	m.mu.Lock()
	m.initialized = true
	m.attempts = 0
	gen := m.beginLocked()
	m.mu.Unlock()

	m.notify(StateConnecting)
	m.dial(gen, token)
}

// Reconnect connects immediately and resets the attempt counter. It also
// leaves the offline state.
func (m *Manager) Reconnect() {
	m.Initialize()
}

// Disconnect unsubscribes every active channel, closes the transport and
// forgets all subscriptions. Only Initialize connects again.
func (m *Manager) Disconnect() {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	m.gen++
	m.initialized = false
	m.attempts = 0
	stopTimer(m.retry)
	stopTimer(m.visibility)
	m.retry, m.visibility = nil, nil
	active := sortedKeys(m.active)
	var subs []*Subscription
	for _, ch := range sortedKeys(m.groups) {
		subs = append(subs, m.groups[ch]...)
	}
	m.groups = make(map[string][]*Subscription)
	m.active = make(map[string]bool)
	prev := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	for _, ch := range active {
		if err := m.transport.Unsubscribe(ch); err != nil {
			m.logger.Debug().Err(err).Str("channel", ch).Msg("unsubscribe during disconnect failed")
		}
	}
	if err := m.transport.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("transport close failed")
	}
	for _, s := range subs {
		if s.done.CompareAndSwap(false, true) && s.listener.OnClosed != nil {
			s.listener.OnClosed()
		}
	}
	if prev != StateDisconnected {
		m.notify(StateDisconnected)
	}
}

// VisibilityChanged reports that the host application became visible or
// hidden. Becoming visible while not connected triggers an immediate
// reconnect after a short debounce.
func (m *Manager) VisibilityChanged(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stopTimer(m.visibility)
	m.visibility = nil
	m.visSeq++
	if !visible || !m.initialized {
		return
	}
	seq := m.visSeq
	m.visibility = m.clock.AfterFunc(m.visDelay, func() { m.recoverVisible(seq) })
}

func (m *Manager) recoverVisible(seq uint64) {
	token := m.tokens.Token()

	m.mu.Lock()
	if seq != m.visSeq || !m.initialized || token == "" ||
		m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.visibility = nil
	m.attempts = 0
	gen := m.beginLocked()
	m.mu.Unlock()

	m.logger.Info().Msg("visible again, reconnecting")
	m.notify(StateConnecting)
	m.dial(gen, token)
}

// Subscribe registers l on channel. The transport subscription is made now
// when connected, and again after every reconnect.
func (m *Manager) Subscribe(channel string, l Listener) (*Subscription, error) {
	if _, err := channels.Parse(channel); err != nil {
		return nil, err
	}
	s := &Subscription{m: m, channel: channel, listener: l}

	m.mu.Lock()
	m.groups[channel] = append(m.groups[channel], s)
	send := m.state == StateConnected && !m.active[channel]
	if send {
		m.active[channel] = true
	}
	gen := m.gen
	m.mu.Unlock()

	if send {
		m.subscribeTransport(gen, channel)
	}
	return s, nil
}

// Channel returns the channel name of the subscription.
func (s *Subscription) Channel() string { return s.channel }

// Cancel removes this listener. The last listener of a channel also drops
// the transport subscription.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.done.Store(true)
		s.m.cancel(s)
	})
}

func (m *Manager) cancel(s *Subscription) {
	m.mu.Lock()
	subs := m.groups[s.channel]
	for i, x := range subs {
		if x == s {
			// copy so slices handed out by listeners() stay intact
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	unsubscribe := false
	if len(subs) == 0 {
		delete(m.groups, s.channel)
		unsubscribe = m.active[s.channel]
		delete(m.active, s.channel)
	} else {
		m.groups[s.channel] = subs
	}
	m.mu.Unlock()

	if unsubscribe {
		if err := m.transport.Unsubscribe(s.channel); err != nil {
			m.logger.Debug().Err(err).Str("channel", s.channel).Msg("unsubscribe failed")
		}
	}
}

func (m *Manager) subscribeTransport(gen uint64, channel string) {
	if err := m.transport.Subscribe(channel); err != nil {
		m.logger.Warn().Err(err).Str("channel", channel).Msg("subscribe failed")
		m.mu.Lock()
		if m.gen == gen {
			delete(m.active, channel)
		}
		m.mu.Unlock()
	}
}

// beginLocked starts a new connection generation. Signals and frames from
// older generations are ignored from here on.
func (m *Manager) beginLocked() uint64 {
	m.gen++
	m.state = StateConnecting
	m.active = make(map[string]bool)
	stopTimer(m.retry)
	m.retry = nil
	return m.gen
}

func (m *Manager) dial(gen uint64, token string) {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}

	if err := m.transport.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("closing previous transport failed")
	}
	if err := m.transport.Connect(token, connHandler{m: m, gen: gen}); err != nil {
		m.handleSignal(gen, SignalError, err)
	}
}

type connHandler struct {
	m   *Manager
	gen uint64
}

func (h connHandler) Signal(sig Signal, err error) { h.m.handleSignal(h.gen, sig, err) }
func (h connHandler) Frame(f hub.Frame)            { h.m.handleFrame(h.gen, f) }

func (m *Manager) handleSignal(gen uint64, sig Signal, err error) {
	if sig == SignalConnected {
		m.onConnected(gen)
		return
	}

	m.mu.Lock()
	if gen != m.gen || (m.state != StateConnecting && m.state != StateConnected) {
		m.mu.Unlock()
		return
	}
	m.active = make(map[string]bool)
	state, delay := m.scheduleLocked()
	attempts := m.attempts
	m.mu.Unlock()

	ev := m.logger.Warn().Err(err).Str("signal", string(sig)).Int("attempt", attempts)
	if state == StateOffline {
		ev.Msg("connection lost, retries exhausted")
	} else {
		ev.Dur("retry_in", delay).Msg("connection lost")
	}
	m.notify(state)
}

func (m *Manager) onConnected(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.attempts = 0
	chans := sortedKeys(m.groups)
	for _, ch := range chans {
		m.active[ch] = true
	}
	m.mu.Unlock()

	m.logger.Info().Int("channels", len(chans)).Msg("connected")
	m.notify(StateConnected)
	for _, ch := range chans {
		m.subscribeTransport(gen, ch)
	}
}

// scheduleLocked arms the next retry or gives up.
func (m *Manager) scheduleLocked() (State, time.Duration) {
	m.attempts++
	delay := m.schedule.DelayAfter(m.attempts)
	if delay == backoff.Never {
		m.state = StateOffline
		return m.state, 0
	}
	m.state = StateReconnecting
	gen := m.gen
	m.retry = m.clock.AfterFunc(delay, func() { m.retryConnect(gen) })
	return m.state, delay
}

func (m *Manager) retryConnect(gen uint64) {
	token := m.tokens.Token()

	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	if token == "" {
		m.state = StateDisconnected
		m.initialized = false
		m.retry = nil
		m.mu.Unlock()
		m.logger.Info().Msg("token gone, not reconnecting")
		m.notify(StateDisconnected)
		return
	}
	next := m.beginLocked()
	m.mu.Unlock()

	m.notify(StateConnecting)
	m.dial(next, token)
}

func (m *Manager) handleFrame(gen uint64, f hub.Frame) {
	if f.Channel == "" {
		if f.Event == hub.FrameError {
			m.logger.Warn().RawJSON("data", f.Data).Msg("server error")
		}
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	subs := m.groups[f.Channel]
	m.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	switch f.Event {
	case hub.FrameSubscriptionSucceeded:
		var d hub.SubscriptionSucceeded
		if !m.decode(f, &d) {
			return
		}
		for _, s := range subs {
			if cb := s.listener.OnSubscribed; cb != nil && !s.done.Load() {
				cb(append([]Member(nil), d.Members...))
			}
		}

	case hub.FrameSubscriptionError:
		var d hub.SubscriptionError
		if !m.decode(f, &d) {
			return
		}
		m.mu.Lock()
		if gen == m.gen {
			delete(m.active, f.Channel)
		}
		m.mu.Unlock()
		m.logger.Warn().Str("channel", f.Channel).Int("status", d.Status).Msg("subscription refused")
		for _, s := range subs {
			if cb := s.listener.OnDenied; cb != nil && !s.done.Load() {
				cb(d.Status)
			}
		}

	case hub.FrameMemberAdded, hub.FrameMemberRemoved:
		var d hub.MemberChange
		if !m.decode(f, &d) {
			return
		}
		for _, s := range subs {
			if s.done.Load() {
				continue
			}
			cb := s.listener.OnMemberAdded
			if f.Event == hub.FrameMemberRemoved {
				cb = s.listener.OnMemberRemoved
			}
			if cb != nil {
				cb(d.Member)
			}
		}

	default:
		ev, err := events.Decode(f.Event, f.Data)
		if err != nil {
			if errors.Is(err, events.ErrUnknownEvent) {
				m.logger.Debug().Str("event", f.Event).Msg("dropping unknown event")
			} else {
				m.logger.Warn().Err(err).Str("event", f.Event).Msg("dropping undecodable event")
			}
			return
		}
		for _, s := range subs {
			if cb := s.listener.OnEvent; cb != nil && !s.done.Load() {
				cb(ev)
			}
		}
	}
}

func (m *Manager) decode(f hub.Frame, v any) bool {
	if len(f.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		m.logger.Warn().Err(err).Str("event", f.Event).Str("channel", f.Channel).Msg("malformed frame")
		return false
	}
	return true
}

func (m *Manager) notify(s State) {
	if m.onState != nil {
		m.onState(s)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
