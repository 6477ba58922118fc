package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TaviloBreno/chat-laravel-angular/internal/backoff"
	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
)

type managerFixture struct {
	m      *Manager
	tr     *fakeTransport
	clk    *testClock
	states []State
}

func newManagerFixture(t *testing.T, tokens TokenProvider, schedule backoff.Schedule) *managerFixture {
	t.Helper()
	f := &managerFixture{tr: newFakeTransport(), clk: newTestClock(t)}
	if tokens == nil {
		tokens = StaticToken("tok")
	}
	m, err := NewManager(ManagerOptions{
		Transport:     f.tr,
		Tokens:        tokens,
		Clock:         f.clk,
		Schedule:      schedule,
		OnStateChange: func(s State) { f.states = append(f.states, s) },
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	f.m = m
	return f
}

func (f *managerFixture) connect(t *testing.T) {
	t.Helper()
	f.m.Initialize()
	require.Equal(t, StateConnecting, f.m.State())
	f.tr.signal(SignalConnected)
	require.Equal(t, StateConnected, f.m.State())
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	_, err := NewManager(ManagerOptions{Tokens: StaticToken("x")})
	assert.ErrorIs(t, err, ErrNoTransport)

	_, err = NewManager(ManagerOptions{Transport: newFakeTransport()})
	assert.ErrorIs(t, err, ErrNoTokens)
}

func TestInitializeWithoutTokenDoesNothing(t *testing.T) {
	f := newManagerFixture(t, StaticToken(""), backoff.Schedule{})

	f.m.Initialize()

	assert.Equal(t, StateDisconnected, f.m.State())
	assert.Zero(t, f.tr.connects())
	assert.Empty(t, f.states)
}

func TestInitializeUsesCurrentToken(t *testing.T) {
	token := "first"
	f := newManagerFixture(t, TokenFunc(func() string { return token }), backoff.Schedule{Delays: []time.Duration{time.Second}})

	f.connect(t)
	f.tr.signal(SignalDisconnected)
	token = "second"
	f.clk.Advance(time.Second)

	assert.Equal(t, []string{"first", "second"}, f.tr.tokens)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateReconnecting, StateConnecting}, f.states)
}

func TestReconnectResubscribesEveryChannel(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{Delays: []time.Duration{time.Second}})

	chA, chB := channels.Presence(1), channels.Presence(2)
	joined := map[string][]int64{}
	for _, ch := range []string{chA, chB} {
		ch := ch
		_, err := f.m.Subscribe(ch, Listener{
			OnMemberAdded: func(mb Member) { joined[ch] = append(joined[ch], mb.ID) },
		})
		require.NoError(t, err)
	}
	assert.Zero(t, f.tr.subscribeCount(chA), "nothing is sent before connecting")

	f.connect(t)
	assert.True(t, f.tr.isSubscribed(chA))
	assert.True(t, f.tr.isSubscribed(chB))

	f.tr.signal(SignalDisconnected)
	assert.Equal(t, StateReconnecting, f.m.State())
	assert.Equal(t, 1, f.m.Attempts())

	f.clk.Advance(time.Second)
	require.Equal(t, 2, f.tr.connects())
	f.tr.signal(SignalConnected)

	assert.Equal(t, StateConnected, f.m.State())
	assert.Zero(t, f.m.Attempts())
	assert.Equal(t, 2, f.tr.subscribeCount(chA))
	assert.Equal(t, 2, f.tr.subscribeCount(chB))

	f.tr.frame(hub.FrameMemberAdded, chA, hub.MemberChange{Member: Member{ID: 7}})
	f.tr.frame(hub.FrameMemberAdded, chB, hub.MemberChange{Member: Member{ID: 8}})
	assert.Equal(t, []int64{7}, joined[chA])
	assert.Equal(t, []int64{8}, joined[chB])
}

func TestStaleConnectionIsIgnored(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{Delays: []time.Duration{time.Second}})
	ch := channels.Conversation(3)
	var got int
	_, err := f.m.Subscribe(ch, Listener{OnEvent: func(events.Event) { got++ }})
	require.NoError(t, err)

	f.connect(t)
	old := f.tr.handler()

	f.m.Initialize()
	assert.Equal(t, StateConnecting, f.m.State())

	old.Signal(SignalDisconnected, errors.New("late"))
	old.Frame(hub.Frame{Event: events.MessageDeleted, Channel: ch, Data: []byte(`{"message_id":1,"conversation_id":3}`)})
	assert.Equal(t, StateConnecting, f.m.State())
	assert.Zero(t, got)
	assert.Zero(t, f.clk.Pending())
}

func TestInitializeTearsDownExistingConnection(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{})
	f.connect(t)
	f.tr.resetOps()

	f.m.Initialize()

	assert.Equal(t, []string{"close", "connect"}, f.tr.recordedOps())
}

func TestBackoffCapAndManualReconnect(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{
		Delays:      []time.Duration{time.Second, 2 * time.Second},
		MaxAttempts: 3,
	})

	f.m.Initialize()
	f.tr.signal(SignalError)
	assert.Equal(t, StateReconnecting, f.m.State())

	f.clk.Advance(time.Second)
	f.tr.signal(SignalUnavailable)
	f.clk.Advance(2 * time.Second)
	f.tr.signal(SignalError)
	f.clk.Advance(2 * time.Second)
	require.Equal(t, 4, f.tr.connects())

	f.tr.signal(SignalError)
	assert.Equal(t, StateOffline, f.m.State())
	assert.Zero(t, f.clk.Pending(), "no retry is armed once offline")

	f.clk.Advance(time.Hour)
	assert.Equal(t, 4, f.tr.connects())

	f.m.Reconnect()
	assert.Equal(t, 5, f.tr.connects())
	assert.Zero(t, f.m.Attempts())
	assert.Equal(t, StateConnecting, f.m.State())

	f.tr.signal(SignalError)
	assert.Equal(t, StateReconnecting, f.m.State())
	assert.Equal(t, 1, f.m.Attempts())
}

func TestConnectErrorSchedulesRetry(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{Delays: []time.Duration{5 * time.Second}})
	f.tr.connectErr = errors.New("refused")

	f.m.Initialize()

	assert.Equal(t, StateReconnecting, f.m.State())
	assert.Equal(t, 1, f.clk.Pending())
}

func TestDefaultScheduleGoesOfflineAfterTenAttempts(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{})
	f.tr.connectErr = errors.New("refused")

	f.m.Initialize()
	for i := 0; i < 100 && f.m.State() == StateReconnecting; i++ {
		f.clk.Advance(30 * time.Second)
	}

	assert.Equal(t, StateOffline, f.m.State())
	assert.Equal(t, 11, f.m.Attempts())
	assert.Equal(t, 11, f.tr.connects())
}

func TestRetryWithoutTokenStops(t *testing.T) {
	token := "tok"
	f := newManagerFixture(t, TokenFunc(func() string { return token }), backoff.Schedule{Delays: []time.Duration{time.Second}})
	f.connect(t)

	token = ""
	f.tr.signal(SignalDisconnected)
	f.clk.Advance(time.Second)

	assert.Equal(t, StateDisconnected, f.m.State())
	assert.Equal(t, 1, f.tr.connects())
}

func TestDisconnectUnsubscribesThenCloses(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{})
	closed := 0
	for _, ch := range []string{channels.Conversation(2), channels.Conversation(1)} {
		_, err := f.m.Subscribe(ch, Listener{OnClosed: func() { closed++ }})
		require.NoError(t, err)
	}
	f.connect(t)
	f.tr.resetOps()

	f.m.Disconnect()

	assert.Equal(t, []string{
		"unsubscribe private-conversation.1",
		"unsubscribe private-conversation.2",
		"close",
	}, f.tr.recordedOps())
	assert.Equal(t, 2, closed)
	assert.Empty(t, f.m.Channels())
	assert.Equal(t, StateDisconnected, f.m.State())

	f.tr.signal(SignalDisconnected)
	assert.Equal(t, StateDisconnected, f.m.State())
	assert.Zero(t, f.clk.Pending())
}

func TestDisconnectStopsPendingRetry(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{Delays: []time.Duration{time.Second}})
	f.connect(t)
	f.tr.signal(SignalDisconnected)

	f.m.Disconnect()
	f.clk.Advance(time.Minute)

	assert.Equal(t, 1, f.tr.connects())
	assert.Equal(t, StateDisconnected, f.m.State())
}

func TestVisibilityTriggersDebouncedReconnect(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{Delays: []time.Duration{30 * time.Second}})
	f.connect(t)
	f.tr.signal(SignalDisconnected)

	f.m.VisibilityChanged(true)
	f.clk.Advance(100 * time.Millisecond)
	f.m.VisibilityChanged(true)
	f.clk.Advance(100 * time.Millisecond)
	f.m.VisibilityChanged(true)

	f.clk.Advance(499 * time.Millisecond)
	assert.Equal(t, 1, f.tr.connects())
	f.clk.Advance(time.Millisecond)
	assert.Equal(t, 2, f.tr.connects())
	assert.Equal(t, StateConnecting, f.m.State())

	f.clk.Advance(time.Minute)
	assert.Equal(t, 2, f.tr.connects(), "scheduled retry was superseded")
}

func TestVisibilityIgnoredWhenConnectedOrHidden(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{Delays: []time.Duration{30 * time.Second}})
	f.connect(t)

	f.m.VisibilityChanged(true)
	f.clk.Advance(time.Second)
	assert.Equal(t, 1, f.tr.connects())

	f.tr.signal(SignalDisconnected)
	f.m.VisibilityChanged(true)
	f.m.VisibilityChanged(false)
	f.clk.Advance(time.Second)
	assert.Equal(t, 1, f.tr.connects())
}

func TestSubscriptionsShareChannel(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{})
	f.connect(t)
	ch := channels.Conversation(9)

	var first, second int
	a, err := f.m.Subscribe(ch, Listener{OnEvent: func(events.Event) { first++ }})
	require.NoError(t, err)
	b, err := f.m.Subscribe(ch, Listener{OnEvent: func(events.Event) { second++ }})
	require.NoError(t, err)
	assert.Equal(t, 1, f.tr.subscribeCount(ch))

	deleted := events.MessageDeletedPayload{MessageID: 1, ConversationID: 9}
	f.tr.frame(events.MessageDeleted, ch, deleted)
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)

	a.Cancel()
	a.Cancel()
	assert.True(t, f.tr.isSubscribed(ch))
	f.tr.frame(events.MessageDeleted, ch, deleted)
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)

	b.Cancel()
	assert.False(t, f.tr.isSubscribed(ch))
	assert.Empty(t, f.m.Channels())
}

func TestSubscribeRejectsMalformedChannel(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{})

	_, err := f.m.Subscribe("private-room.1", Listener{})

	assert.ErrorIs(t, err, channels.ErrMalformedChannel)
}

func TestFramesReachListeners(t *testing.T) {
	f := newManagerFixture(t, nil, backoff.Schedule{})
	ch := channels.Presence(4)

	var (
		snapshot []Member
		denied   int
		left     []int64
		got      []events.Event
	)
	_, err := f.m.Subscribe(ch, Listener{
		OnSubscribed:    func(ms []Member) { snapshot = ms },
		OnDenied:        func(status int) { denied = status },
		OnMemberRemoved: func(mb Member) { left = append(left, mb.ID) },
		OnEvent:         func(ev events.Event) { got = append(got, ev) },
	})
	require.NoError(t, err)
	f.connect(t)

	f.tr.frame(hub.FrameSubscriptionSucceeded, ch, hub.SubscriptionSucceeded{Members: []Member{{ID: 1, Name: "Alice"}}})
	f.tr.frame(hub.FrameMemberRemoved, ch, hub.MemberChange{Member: Member{ID: 1}})
	f.tr.frame("bogus.event", ch, map[string]int{"x": 1})
	f.tr.frame(events.TypingStarted, ch, events.TypingPayload{User: events.UserSummary{ID: 2}, ConversationID: 4})
	f.tr.frame(hub.FrameSubscriptionError, ch, hub.SubscriptionError{Status: 403})

	assert.Equal(t, []Member{{ID: 1, Name: "Alice"}}, snapshot)
	assert.Equal(t, []int64{1}, left)
	require.Len(t, got, 1)
	typing, ok := got[0].(events.TypingPayload)
	require.True(t, ok)
	assert.Equal(t, int64(2), typing.User.ID)
	assert.False(t, typing.Stopped)
	assert.Equal(t, 403, denied)
}
