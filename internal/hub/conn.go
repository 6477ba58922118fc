package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/TaviloBreno/chat-laravel-angular/internal/crypto"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

type conn struct {
	hub      *Hub
	ws       *websocket.Conn
	socketID string
	user     *models.User
	send     chan []byte
	limiter  *rate.Limiter
	logger   zerolog.Logger

	// guarded by hub.mu
	subs map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// BearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for browser sockets that cannot set headers.
func BearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP authenticates the request and upgrades it to a hub connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	user, err := h.resolver.ResolveToken(r.Context(), token)
	if err != nil {
		h.logger.Error().Err(err).Msg("token lookup failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		hub:      h,
		ws:       ws,
		socketID: crypto.NewSocketID(),
		user:     user,
		send:     make(chan []byte, h.cfg.SendBuffer),
		limiter:  rate.NewLimiter(h.cfg.InboundRate, h.cfg.InboundBurst),
		subs:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	c.logger = h.logger.With().Str("socket_id", c.socketID).Int64("user_id", user.ID).Logger()

	first, ok := h.register(c)
	if !ok {
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	if first {
		h.touchOnline(user.ID)
	}
	c.logger.Debug().Msg("connection opened")

	c.sendFrame(FrameConnectionEstablished, "", ConnectionEstablished{
		SocketID:        c.socketID,
		ActivityTimeout: int(h.cfg.PingInterval / time.Second),
	})

	go c.writePump()
	c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close(websocket.CloseNormalClosure, "")
		c.logger.Debug().Msg("connection closed")
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("unexpected close")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))

		if !c.limiter.Allow() {
			c.sendFrame(FrameError, "", ErrorData{Message: "rate limit exceeded"})
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendFrame(FrameError, "", ErrorData{Message: "invalid frame"})
			continue
		}

		switch f.Event {
		case FrameSubscribe:
			c.hub.subscribe(ctx, c, f.Channel)
		case FrameUnsubscribe:
			c.hub.unsubscribe(c, f.Channel)
		case FramePing:
			c.sendFrame(FramePong, "", nil)
		default:
			c.sendFrame(FrameError, "", ErrorData{Message: "unknown event " + f.Event})
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseGoingAway, "")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseGoingAway, "")
				return
			}
			c.hub.touchOnline(c.user.ID)
		case <-c.done:
			return
		}
	}
}

// enqueue queues a frame without blocking and reports whether it was accepted.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) sendFrame(event, channel string, data any) {
	frame, err := EncodeFrame(event, channel, data)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return
	}
	if !c.enqueue(frame) {
		c.logger.Warn().Str("event", event).Msg("send buffer full, frame dropped")
	}
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
