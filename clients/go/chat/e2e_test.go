package chat_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TaviloBreno/chat-laravel-angular/clients/go/chat"
	"github.com/TaviloBreno/chat-laravel-angular/internal/api"
	"github.com/TaviloBreno/chat-laravel-angular/internal/api/middleware"
	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
	"github.com/TaviloBreno/chat-laravel-angular/internal/crypto"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/fanout"
	"github.com/TaviloBreno/chat-laravel-angular/internal/handlers"
	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
	"github.com/TaviloBreno/chat-laravel-angular/internal/store"
)

type server struct {
	url     string
	tokenA  string
	tokenB  string
	alice   *models.User
	bob     *models.User
	conv    *models.Conversation
	publish *countingPublisher
}

// countingPublisher counts envelopes on their way to the hub.
type countingPublisher struct {
	next fanout.Publisher
	mu   sync.Mutex
	seen map[string]int
}

func (p *countingPublisher) Publish(ctx context.Context, env *events.Envelope) error {
	p.mu.Lock()
	p.seen[env.Name()]++
	p.mu.Unlock()
	return p.next.Publish(ctx, env)
}

func (p *countingPublisher) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[name]
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	s, err := store.NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	srv := &server{}
	user := func(name string) (*models.User, string) {
		token, err := crypto.NewToken()
		require.NoError(t, err)
		hash, err := crypto.HashToken(token)
		require.NoError(t, err)
		u, err := s.CreateUser(ctx, name, strings.ToLower(name)+"@example.com", "", hash)
		require.NoError(t, err)
		return u, token
	}
	srv.alice, srv.tokenA = user("Alice")
	srv.bob, srv.tokenB = user("Bob")
	srv.conv, err = s.CreateConversation(ctx, srv.alice.ID, models.ConversationDirect, "", []int64{srv.bob.ID})
	require.NoError(t, err)

	auth := middleware.NewAuthMiddleware(s, logger)
	gate := channels.NewGate(s)
	realtime := hub.New(auth, gate, nil, hub.Config{}, logger)
	t.Cleanup(realtime.Close)

	queue := fanout.NewMemoryQueue(16, logger)
	t.Cleanup(queue.Stop)
	srv.publish = &countingPublisher{next: realtime, seen: map[string]int{}}
	dispatcher := fanout.NewDispatcher(s, srv.publish, queue, fanout.Options{Logger: logger})
	workerCtx, stop := context.WithCancel(ctx)
	t.Cleanup(stop)
	dispatcher.Start(workerCtx, 1, func(error) {})

	signer, err := crypto.NewChannelSigner("chat", "secret")
	require.NoError(t, err)
	h := handlers.NewHandler(handlers.Deps{
		Store:       s,
		Broadcaster: dispatcher,
		Gate:        gate,
		Signer:      signer,
		Hub:         realtime,
		Logger:      logger,
	})
	router := api.NewRouter(logger, api.RouterConfig{}, h, auth, realtime, nil)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	srv.url = ts.URL
	return srv
}

func (s *server) wsURL() string {
	return "ws" + strings.TrimPrefix(s.url, "http") + "/ws"
}

// connect starts a manager for token and waits until it is connected.
func (s *server) connect(t *testing.T, token string) *chat.Manager {
	t.Helper()
	m, err := chat.NewManager(chat.ManagerOptions{
		Transport: chat.NewWSTransport(s.wsURL(), zerolog.Nop()),
		Tokens:    chat.StaticToken(token),
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)

	m.Initialize()
	require.Eventually(t, func() bool { return m.State() == chat.StateConnected }, 5*time.Second, 10*time.Millisecond)
	return m
}

func TestMessageReachesSubscriberExactlyOnce(t *testing.T) {
	srv := newServer(t)
	bob := srv.connect(t, srv.tokenB)

	var mu sync.Mutex
	var got []events.MessagePayload
	subscribed := make(chan struct{}, 1)
	_, err := bob.Subscribe(channels.Conversation(srv.conv.ID), chat.Listener{
		OnSubscribed: func([]chat.Member) { subscribed <- struct{}{} },
		OnEvent: func(ev events.Event) {
			if p, ok := ev.(events.MessagePayload); ok && !p.Edited {
				mu.Lock()
				got = append(got, p)
				mu.Unlock()
			}
		},
	})
	require.NoError(t, err)
	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not confirmed")
	}

	alice := chat.NewAPIClient(srv.url, chat.StaticToken(srv.tokenA))
	msg, err := alice.PostMessage(context.Background(), srv.conv.ID, "hello bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, msg.ID, got[0].ID)
	assert.Equal(t, "hello bob", got[0].Body)
	assert.Equal(t, srv.alice.ID, got[0].UserID)
	assert.Equal(t, 1, srv.publish.count(events.MessageSent))
}

func TestOutsiderIsDenied(t *testing.T) {
	srv := newServer(t)
	bob := srv.connect(t, srv.tokenB)

	denied := make(chan int, 1)
	_, err := bob.Subscribe(channels.Conversation(srv.conv.ID+100), chat.Listener{
		OnDenied: func(status int) { denied <- status },
	})
	require.NoError(t, err)

	select {
	case status := <-denied:
		assert.Equal(t, 403, status)
	case <-time.After(5 * time.Second):
		t.Fatal("no denial received")
	}
}

func TestTypingRoundTrip(t *testing.T) {
	srv := newServer(t)
	bob := srv.connect(t, srv.tokenB)

	bobTyping, err := chat.NewTypingCoordinator(bob, nil, chat.TypingOptions{SelfID: srv.bob.ID, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(bobTyping.Close)
	require.NoError(t, bobTyping.Listen(srv.conv.ID))

	presence := chat.NewPresenceTracker(bob)
	require.NoError(t, presence.Join(srv.conv.ID))
	require.Eventually(t, func() bool { return presence.IsOnline(srv.conv.ID, srv.bob.ID) }, 5*time.Second, 10*time.Millisecond)

	idle, err := chat.NewManager(chat.ManagerOptions{
		Transport: chat.NewWSTransport(srv.wsURL(), zerolog.Nop()),
		Tokens:    chat.StaticToken(srv.tokenA),
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	aliceTyping, err := chat.NewTypingCoordinator(idle, chat.NewAPIClient(srv.url, chat.StaticToken(srv.tokenA)), chat.TypingOptions{
		SelfID:   srv.alice.ID,
		Debounce: 10 * time.Millisecond,
		AutoStop: 500 * time.Millisecond,
		Expiry:   2 * time.Second,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(aliceTyping.Close)

	aliceTyping.StartTyping(srv.conv.ID)
	require.Eventually(t, func() bool {
		users := bobTyping.TypingUsers(srv.conv.ID)
		return len(users) == 1 && users[0].ID == srv.alice.ID
	}, 5*time.Second, 10*time.Millisecond)

	aliceTyping.StopTyping(srv.conv.ID)
	require.Eventually(t, func() bool {
		return len(bobTyping.TypingUsers(srv.conv.ID)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
