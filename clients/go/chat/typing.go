package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
)

// ErrTypingTimeouts is returned when remote expiry would clear an indicator
// before the sender's own auto-stop could have been delivered.
var ErrTypingTimeouts = errors.New("chat: typing expiry must exceed auto-stop plus debounce")

// TypingSender delivers the local user's typing state to the server.
type TypingSender interface {
	SendTyping(ctx context.Context, conversationID int64, typing bool) error
}

// TypingUser is a remote user currently typing.
type TypingUser = events.UserSummary

type TypingOptions struct {
	// SelfID is the local user; it never shows up in TypingUsers.
	SelfID      int64
	Debounce    time.Duration
	AutoStop    time.Duration
	Expiry      time.Duration
	SendTimeout time.Duration
	Clock       Clock
	Logger      zerolog.Logger
}

// TypingCoordinator debounces the local user's typing signal and tracks which
// remote users are typing in listened conversations.
type TypingCoordinator struct {
	m      *Manager
	sender TypingSender
	opts   TypingOptions
	logger zerolog.Logger

	mu        sync.Mutex
	closed    bool
	out       map[int64]*outbound
	in        map[int64]*inbound
	observers []func(conversationID int64)
}

type outbound struct {
	want     bool
	signaled bool
	debounce Timer
	autoStop Timer
	debSeq   uint64
	stopSeq  uint64
}

type inbound struct {
	subs    []*Subscription
	entries map[int64]*typingEntry
}

type typingEntry struct {
	user      TypingUser
	startedAt time.Time
	timer     Timer
	seq       uint64
}

func NewTypingCoordinator(m *Manager, sender TypingSender, opts TypingOptions) (*TypingCoordinator, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	if opts.AutoStop <= 0 {
		opts.AutoStop = 3 * time.Second
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 5 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Expiry <= opts.AutoStop+opts.Debounce {
		return nil, ErrTypingTimeouts
	}
	return &TypingCoordinator{
		m:      m,
		sender: sender,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "typing").Logger(),
		out:    make(map[int64]*outbound),
		in:     make(map[int64]*inbound),
	}, nil
}

// OnChange registers fn to run after a conversation's typing set changes.
func (t *TypingCoordinator) OnChange(fn func(conversationID int64)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// StartTyping records that the local user is typing. Calls within the
// debounce window collapse into one signal; the auto-stop timer is rearmed
// on every call.
func (t *TypingCoordinator) StartTyping(conversationID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	o := t.out[conversationID]
	if o == nil {
		o = &outbound{}
		t.out[conversationID] = o
	}
	o.want = true

	stopTimer(o.autoStop)
	o.stopSeq++
	seq := o.stopSeq
	o.autoStop = t.opts.Clock.AfterFunc(t.opts.AutoStop, func() { t.autoStopped(conversationID, o, seq) })
	t.armDebounceLocked(conversationID, o)
}

// StopTyping records that the local user stopped typing.
func (t *TypingCoordinator) StopTyping(conversationID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := t.out[conversationID]
	if t.closed || o == nil {
		return
	}
	o.want = false
	stopTimer(o.autoStop)
	o.autoStop = nil
	o.stopSeq++
	t.armDebounceLocked(conversationID, o)
}

func (t *TypingCoordinator) armDebounceLocked(conversationID int64, o *outbound) {
	if o.debounce != nil {
		return
	}
	o.debSeq++
	seq := o.debSeq
	o.debounce = t.opts.Clock.AfterFunc(t.opts.Debounce, func() { t.flush(conversationID, o, seq) })
}

func (t *TypingCoordinator) autoStopped(conversationID int64, o *outbound, seq uint64) {
	t.mu.Lock()
	if t.closed || t.out[conversationID] != o || o.stopSeq != seq {
		t.mu.Unlock()
		return
	}
	o.autoStop = nil
	o.want = false
	if o.debounce != nil {
		// the pending flush will carry the stop
		t.mu.Unlock()
		return
	}
	send, typing := t.settleLocked(conversationID, o)
	t.mu.Unlock()

	if send {
		t.send(conversationID, typing)
	}
}

func (t *TypingCoordinator) flush(conversationID int64, o *outbound, seq uint64) {
	t.mu.Lock()
	if t.closed || t.out[conversationID] != o || o.debSeq != seq {
		t.mu.Unlock()
		return
	}
	o.debounce = nil
	send, typing := t.settleLocked(conversationID, o)
	t.mu.Unlock()

	if send {
		t.send(conversationID, typing)
	}
}

// settleLocked decides whether the signaled state must change and forgets
// idle conversations.
func (t *TypingCoordinator) settleLocked(conversationID int64, o *outbound) (send, typing bool) {
	if o.want != o.signaled {
		o.signaled = o.want
		send, typing = true, o.want
	}
	if !o.want && !o.signaled && o.debounce == nil && o.autoStop == nil {
		delete(t.out, conversationID)
	}
	return send, typing
}

func (t *TypingCoordinator) send(conversationID int64, typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.SendTimeout)
	defer cancel()
	if err := t.sender.SendTyping(ctx, conversationID, typing); err != nil {
		t.logger.Warn().Err(err).Int64("conversation_id", conversationID).Bool("typing", typing).Msg("typing signal failed")
	}
}

// Listen starts tracking remote typing in a conversation, from both the
// presence channel (typing.started, typing.stopped) and the conversation
// channel (user.typing).
func (t *TypingCoordinator) Listen(conversationID int64) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if _, ok := t.in[conversationID]; ok {
		t.mu.Unlock()
		return nil
	}
	ib := &inbound{entries: make(map[int64]*typingEntry)}
	t.in[conversationID] = ib
	t.mu.Unlock()

	l := Listener{
		OnEvent:  func(ev events.Event) { t.handle(conversationID, ib, ev) },
		OnClosed: func() { t.drop(conversationID, ib) },
	}
	var subs []*Subscription
	for _, ch := range []string{channels.Presence(conversationID), channels.Conversation(conversationID)} {
		sub, err := t.m.Subscribe(ch, l)
		if err != nil {
			for _, s := range subs {
				s.Cancel()
			}
			t.drop(conversationID, ib)
			return err
		}
		subs = append(subs, sub)
	}

	t.mu.Lock()
	if t.in[conversationID] == ib {
		ib.subs = subs
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
	return nil
}

// Unlisten stops tracking a conversation and cancels its expiry timers.
func (t *TypingCoordinator) Unlisten(conversationID int64) {
	t.mu.Lock()
	ib, ok := t.in[conversationID]
	if ok {
		delete(t.in, conversationID)
		stopEntries(ib)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range ib.subs {
		s.Cancel()
	}
	if len(ib.entries) > 0 {
		t.notify(conversationID)
	}
}

// TypingUsers returns the remote users typing in a conversation, ordered by
// id.
func (t *TypingCoordinator) TypingUsers(conversationID int64) []TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	ib, ok := t.in[conversationID]
	if !ok {
		return nil
	}
	out := make([]TypingUser, 0, len(ib.entries))
	for id, e := range ib.entries {
		if id == t.opts.SelfID {
			continue
		}
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close cancels every timer and subscription. The coordinator is unusable
// afterwards.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, o := range t.out {
		stopTimer(o.debounce)
		stopTimer(o.autoStop)
	}
	var subs []*Subscription
	for _, ib := range t.in {
		stopEntries(ib)
		subs = append(subs, ib.subs...)
	}
	t.out = make(map[int64]*outbound)
	t.in = make(map[int64]*inbound)
	t.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

func (t *TypingCoordinator) handle(conversationID int64, ib *inbound, ev events.Event) {
	switch p := ev.(type) {
	case events.TypingPayload:
		if p.ConversationID != conversationID {
			return
		}
		if p.Stopped {
			t.remove(conversationID, ib, p.User.ID)
		} else {
			t.upsert(conversationID, ib, p.User)
		}
	case events.UserTypingPayload:
		if p.ConversationID != conversationID {
			return
		}
		if p.IsTyping {
			t.upsert(conversationID, ib, p.User)
		} else {
			t.remove(conversationID, ib, p.User.ID)
		}
	}
}

func (t *TypingCoordinator) upsert(conversationID int64, ib *inbound, user TypingUser) {
	if user.ID == t.opts.SelfID {
		return
	}

	t.mu.Lock()
	if t.closed || t.in[conversationID] != ib {
		t.mu.Unlock()
		return
	}
	e, ok := ib.entries[user.ID]
	if !ok {
		e = &typingEntry{startedAt: t.opts.Clock.Now()}
		ib.entries[user.ID] = e
	}
	e.user = user
	stopTimer(e.timer)
	e.seq++
	seq := e.seq
	e.timer = t.opts.Clock.AfterFunc(t.opts.Expiry, func() { t.expire(conversationID, ib, user.ID, e, seq) })
	t.mu.Unlock()

	if !ok {
		t.notify(conversationID)
	}
}

func (t *TypingCoordinator) remove(conversationID int64, ib *inbound, userID int64) {
	t.mu.Lock()
	e, ok := ib.entries[userID]
	if !ok || t.in[conversationID] != ib {
		t.mu.Unlock()
		return
	}
	stopTimer(e.timer)
	delete(ib.entries, userID)
	t.mu.Unlock()

	t.notify(conversationID)
}

func (t *TypingCoordinator) expire(conversationID int64, ib *inbound, userID int64, e *typingEntry, seq uint64) {
	t.mu.Lock()
	if t.in[conversationID] != ib || ib.entries[userID] != e || e.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(ib.entries, userID)
	t.mu.Unlock()

	t.logger.Debug().Int64("conversation_id", conversationID).Int64("user_id", userID).Msg("typing indicator expired")
	t.notify(conversationID)
}

func (t *TypingCoordinator) drop(conversationID int64, ib *inbound) {
	t.mu.Lock()
	if t.in[conversationID] != ib {
		t.mu.Unlock()
		return
	}
	delete(t.in, conversationID)
	stopEntries(ib)
	had := len(ib.entries) > 0
	t.mu.Unlock()

	if had {
		t.notify(conversationID)
	}
}

func stopEntries(ib *inbound) {
	for _, e := range ib.entries {
		stopTimer(e.timer)
	}
}

func (t *TypingCoordinator) notify(conversationID int64) {
	t.mu.Lock()
	obs := t.observers
	t.mu.Unlock()
	for _, fn := range obs {
		fn(conversationID)
	}
}
