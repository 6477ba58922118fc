// Package hub is the WebSocket side of the realtime transport. It keeps
// per-channel subscriber sets, tracks presence members, and delivers published
// envelopes to every subscriber of their channels.
package hub

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
	"github.com/TaviloBreno/chat-laravel-angular/internal/crypto"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/metrics"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// TokenResolver maps a bearer token to its user, or nil when unknown.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (*models.User, error)
}

// Authorizer decides channel subscriptions. *channels.Gate satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, principal *models.User, channel string) (channels.Decision, error)
}

// OnlineRegistry records which users hold a live connection. *store.RedisStore
// satisfies it.
type OnlineRegistry interface {
	MarkOnline(ctx context.Context, instance string, userID int64, ttl time.Duration) error
	MarkOffline(ctx context.Context, instance string, userID int64) error
}

// Config tunes connection handling. Zero values pick defaults.
type Config struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	InboundRate    rate.Limit
	InboundBurst   int
	OnlineTTL      time.Duration
	AllowedOrigins []string
	// InstanceID names this hub in the shared online registry.
	InstanceID string
}

func (c *Config) setDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 20
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 40
	}
	if c.OnlineTTL <= 0 {
		c.OnlineTTL = 2 * c.PongWait
	}
	if c.InstanceID == "" {
		c.InstanceID = crypto.NewSocketID()
	}
}

// Hub owns every live connection of this process.
type Hub struct {
	resolver TokenResolver
	gate     Authorizer
	online   OnlineRegistry
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	conns     map[*conn]struct{}
	channels  map[string]*channelState
	userConns map[int64]int
	closed    bool
}

type channelState struct {
	subscribers map[*conn]struct{}
	// presence channels only: one entry per user regardless of connection count
	members map[int64]*member
}

type member struct {
	identity channels.Identity
	conns    int
}

// New creates a hub. online may be nil.
func New(resolver TokenResolver, gate Authorizer, online OnlineRegistry, cfg Config, logger zerolog.Logger) *Hub {
	cfg.setDefaults()
	h := &Hub{
		resolver:  resolver,
		gate:      gate,
		online:    online,
		cfg:       cfg,
		logger:    logger.With().Str("component", "hub").Logger(),
		conns:     make(map[*conn]struct{}),
		channels:  make(map[string]*channelState),
		userConns: make(map[int64]int),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Publish delivers env to every local subscriber of its channels. A connection
// subscribed to several of them gets one frame, on the first such channel in
// envelope order. It never blocks on slow connections; their frames are
// dropped instead.
func (h *Hub) Publish(ctx context.Context, env *events.Envelope) error {
	targets := env.Channels()
	frames := make([][]byte, len(targets))
	for i, ch := range targets {
		frame, err := EncodeFrame(env.Name(), ch, env.Payload())
		if err != nil {
			return err
		}
		frames[i] = frame
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*conn]struct{})
	for i, ch := range targets {
		st := h.channels[ch]
		if st == nil {
			continue
		}
		for c := range st.subscribers {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			deliver(c, frames[i])
		}
	}
	return nil
}

// broadcastLocked queues frame to every subscriber of channel except skip.
// Callers hold h.mu, which keeps member frames ordered against snapshots.
func (h *Hub) broadcastLocked(channel string, frame []byte, skip *conn) {
	st := h.channels[channel]
	if st == nil {
		return
	}
	for c := range st.subscribers {
		if c != skip {
			deliver(c, frame)
		}
	}
}

func deliver(c *conn, frame []byte) {
	if c.enqueue(frame) {
		metrics.HubFramesDelivered.Inc()
	} else {
		metrics.HubFramesDropped.Inc()
	}
}

// register adds a connection and reports whether it is the user's first. ok
// is false once the hub is closed.
func (h *Hub) register(c *conn) (first, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, false
	}
	h.conns[c] = struct{}{}
	h.userConns[c.user.ID]++
	metrics.HubConnections.Inc()
	return h.userConns[c.user.ID] == 1, true
}

// unregister drops a connection from every channel it joined and announces
// presence departures.
func (h *Hub) unregister(c *conn) {
	lastConn := false

	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		for ch := range c.subs {
			if id, gone := h.removeLocked(c, ch); gone {
				h.announceLocked(FrameMemberRemoved, ch, id, nil)
			}
		}
		delete(h.conns, c)
		h.userConns[c.user.ID]--
		if h.userConns[c.user.ID] <= 0 {
			delete(h.userConns, c.user.ID)
			lastConn = true
		}
		metrics.HubConnections.Dec()
	}
	h.mu.Unlock()

	if lastConn && h.online != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.online.MarkOffline(ctx, h.cfg.InstanceID, c.user.ID); err != nil {
			h.logger.Warn().Err(err).Int64("user_id", c.user.ID).Msg("failed to clear online flag")
		}
	}
}

// subscribe authorizes and joins channel. Membership is looked up on every
// call, outside the hub lock.
func (h *Hub) subscribe(ctx context.Context, c *conn, channel string) {
	decision, err := h.gate.Authorize(ctx, c.user, channel)
	if err != nil {
		h.logger.Error().Err(err).Str("channel", channel).Int64("user_id", c.user.ID).Msg("authorization lookup failed")
		metrics.HubSubscriptions.WithLabelValues("error").Inc()
		c.sendFrame(FrameSubscriptionError, channel, SubscriptionError{Status: http.StatusInternalServerError})
		return
	}
	if !decision.Allowed {
		metrics.HubSubscriptions.WithLabelValues("denied").Inc()
		c.sendFrame(FrameSubscriptionError, channel, SubscriptionError{Status: http.StatusForbidden})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	added := false
	var snapshot []channels.Identity
	st := h.channels[channel]
	if st == nil {
		st = &channelState{subscribers: make(map[*conn]struct{})}
		h.channels[channel] = st
	}
	_, already := st.subscribers[c]
	st.subscribers[c] = struct{}{}
	c.subs[channel] = struct{}{}

	if decision.Identity != nil {
		if st.members == nil {
			st.members = make(map[int64]*member)
		}
		m := st.members[c.user.ID]
		if m == nil {
			m = &member{}
			st.members[c.user.ID] = m
			added = true
		}
		m.identity = *decision.Identity
		if !already {
			m.conns++
		}
		snapshot = membersOf(st)
	}

	// Queued under the lock: no member change on this channel can overtake
	// the snapshot on its way to c.
	metrics.HubSubscriptions.WithLabelValues("succeeded").Inc()
	c.sendFrame(FrameSubscriptionSucceeded, channel, SubscriptionSucceeded{Members: snapshot})
	if added {
		h.announceLocked(FrameMemberAdded, channel, *decision.Identity, c)
	}
}

func (h *Hub) unsubscribe(c *conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, gone := h.removeLocked(c, channel); gone {
		h.announceLocked(FrameMemberRemoved, channel, id, nil)
	}
}

// removeLocked takes c out of channel and reports the presence identity that
// left when c was that user's last connection on it. Callers hold h.mu.
func (h *Hub) removeLocked(c *conn, channel string) (channels.Identity, bool) {
	delete(c.subs, channel)
	st := h.channels[channel]
	if st == nil {
		return channels.Identity{}, false
	}
	if _, ok := st.subscribers[c]; !ok {
		return channels.Identity{}, false
	}
	delete(st.subscribers, c)
	if len(st.subscribers) == 0 {
		delete(h.channels, channel)
	}

	if st.members == nil {
		return channels.Identity{}, false
	}
	m := st.members[c.user.ID]
	if m == nil {
		return channels.Identity{}, false
	}
	m.conns--
	if m.conns > 0 {
		return channels.Identity{}, false
	}
	delete(st.members, c.user.ID)
	return m.identity, true
}

func (h *Hub) announceLocked(event, channel string, id channels.Identity, skip *conn) {
	frame, err := EncodeFrame(event, channel, MemberChange{Member: id})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode member frame")
		return
	}
	h.broadcastLocked(channel, frame, skip)
}

func membersOf(st *channelState) []channels.Identity {
	out := make([]channels.Identity, 0, len(st.members))
	for _, m := range st.members {
		out = append(out, m.identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) touchOnline(userID int64) {
	if h.online == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := h.online.MarkOnline(ctx, h.cfg.InstanceID, userID, h.cfg.OnlineTTL); err != nil {
		h.logger.Warn().Err(err).Int64("user_id", userID).Msg("failed to refresh online flag")
	}
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// Stats is a point-in-time summary of the hub.
type Stats struct {
	Connections     int `json:"connections"`
	Users           int `json:"users"`
	Channels        int `json:"channels"`
	PresenceMembers int `json:"presence_members"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{
		Connections: len(h.conns),
		Users:       len(h.userConns),
		Channels:    len(h.channels),
	}
	for _, st := range h.channels {
		s.PresenceMembers += len(st.members)
	}
	return s
}

// Members returns the current presence members of a channel.
func (h *Hub) Members(channel string) []channels.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.channels[channel]
	if st == nil || st.members == nil {
		return nil
	}
	return membersOf(st)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
