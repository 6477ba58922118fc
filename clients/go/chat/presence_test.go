package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TaviloBreno/chat-laravel-angular/internal/backoff"
	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
)

func newPresenceFixture(t *testing.T) (*managerFixture, *PresenceTracker, *int) {
	t.Helper()
	f := newManagerFixture(t, nil, backoff.Schedule{Delays: []time.Duration{time.Second}})
	p := NewPresenceTracker(f.m)
	changes := new(int)
	p.OnChange(func(int64) { *changes++ })
	return f, p, changes
}

func ids(members []Member) []int64 {
	out := make([]int64, 0, len(members))
	for _, mb := range members {
		out = append(out, mb.ID)
	}
	return out
}

func TestPresenceJoinIsIdempotent(t *testing.T) {
	f, p, changes := newPresenceFixture(t)
	f.connect(t)
	ch := channels.Presence(5)

	require.NoError(t, p.Join(5))
	require.NoError(t, p.Join(5))

	assert.Equal(t, 1, f.tr.subscribeCount(ch))
	f.tr.frame(hub.FrameMemberAdded, ch, hub.MemberChange{Member: Member{ID: 3}})
	assert.Equal(t, 1, *changes, "one callback set fires")
	assert.True(t, p.IsOnline(5, 3))
}

func TestPresenceMemberJoinedDedup(t *testing.T) {
	f, p, changes := newPresenceFixture(t)
	f.connect(t)
	ch := channels.Presence(5)
	require.NoError(t, p.Join(5))

	f.tr.frame(hub.FrameSubscriptionSucceeded, ch, hub.SubscriptionSucceeded{Members: []Member{{ID: 1}, {ID: 2}}})
	f.tr.frame(hub.FrameMemberAdded, ch, hub.MemberChange{Member: Member{ID: 2}})

	assert.Equal(t, []int64{1, 2}, ids(p.Members(5)))
	assert.Equal(t, 1, *changes)
}

func TestPresenceMemberLeft(t *testing.T) {
	f, p, changes := newPresenceFixture(t)
	f.connect(t)
	ch := channels.Presence(5)
	require.NoError(t, p.Join(5))
	f.tr.frame(hub.FrameSubscriptionSucceeded, ch, hub.SubscriptionSucceeded{Members: []Member{{ID: 1}, {ID: 2}}})

	f.tr.frame(hub.FrameMemberRemoved, ch, hub.MemberChange{Member: Member{ID: 9}})
	assert.Equal(t, 1, *changes, "removing an absent member is a no-op")

	f.tr.frame(hub.FrameMemberRemoved, ch, hub.MemberChange{Member: Member{ID: 1}})
	assert.False(t, p.IsOnline(5, 1))
	assert.True(t, p.IsOnline(5, 2))
	assert.Equal(t, 2, *changes)
}

func TestPresenceSnapshotReplacesAfterReconnect(t *testing.T) {
	f, p, _ := newPresenceFixture(t)
	require.NoError(t, p.Join(5))
	f.connect(t)
	ch := channels.Presence(5)
	f.tr.frame(hub.FrameSubscriptionSucceeded, ch, hub.SubscriptionSucceeded{Members: []Member{{ID: 1}, {ID: 2}}})

	f.tr.signal(SignalDisconnected)
	f.clk.Advance(time.Second)
	f.tr.signal(SignalConnected)
	require.True(t, f.tr.isSubscribed(ch))
	f.tr.frame(hub.FrameSubscriptionSucceeded, ch, hub.SubscriptionSucceeded{Members: []Member{{ID: 2}, {ID: 3}}})

	assert.Equal(t, []int64{2, 3}, ids(p.Members(5)))
	assert.False(t, p.IsOnline(5, 1))
}

func TestPresenceConversationsAreIsolated(t *testing.T) {
	f, p, _ := newPresenceFixture(t)
	f.connect(t)
	require.NoError(t, p.Join(1))
	require.NoError(t, p.Join(2))

	f.tr.frame(hub.FrameMemberAdded, channels.Presence(1), hub.MemberChange{Member: Member{ID: 10}})

	assert.True(t, p.IsOnline(1, 10))
	assert.False(t, p.IsOnline(2, 10))
}

func TestPresenceLeave(t *testing.T) {
	f, p, _ := newPresenceFixture(t)
	f.connect(t)
	ch := channels.Presence(5)
	require.NoError(t, p.Join(5))
	f.tr.frame(hub.FrameMemberAdded, ch, hub.MemberChange{Member: Member{ID: 1}})

	p.Leave(5)
	p.Leave(5)

	assert.False(t, f.tr.isSubscribed(ch))
	assert.False(t, p.IsOnline(5, 1))
	assert.Empty(t, p.Members(5))

	require.NoError(t, p.Join(5))
	assert.Equal(t, 2, f.tr.subscribeCount(ch))
	assert.Empty(t, p.Members(5), "a rejoin starts from an empty set")
}

func TestPresenceClearedOnDisconnect(t *testing.T) {
	f, p, _ := newPresenceFixture(t)
	f.connect(t)
	require.NoError(t, p.Join(5))
	f.tr.frame(hub.FrameMemberAdded, channels.Presence(5), hub.MemberChange{Member: Member{ID: 1}})

	f.m.Disconnect()

	assert.False(t, p.IsOnline(5, 1))
	f.connect(t)
	require.NoError(t, p.Join(5))
	assert.True(t, f.tr.isSubscribed(channels.Presence(5)))
}
