package chat

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/hub"
)

// Signal is a connection lifecycle notification from a Transport.
type Signal string

const (
	SignalConnected    Signal = "connected"
	SignalDisconnected Signal = "disconnected"
	SignalError        Signal = "error"
	SignalUnavailable  Signal = "unavailable"
)

var ErrNotConnected = errors.New("transport not connected")

// Handler receives what a transport observes on one connection. Calls for a
// single connection are never concurrent.
type Handler interface {
	Signal(sig Signal, err error)
	Frame(f hub.Frame)
}

// Transport is the socket a Manager drives. Connect starts a connection
// attempt and returns; its outcome arrives through h.
type Transport interface {
	Connect(token string, h Handler) error
	Subscribe(channel string) error
	Unsubscribe(channel string) error
	Close() error
}

// WSTransport speaks the hub protocol over gorilla/websocket.
type WSTransport struct {
	url       string
	dialer    *websocket.Dialer
	writeWait time.Duration
	logger    zerolog.Logger

	mu  sync.Mutex
	cur *wsConn
}

type wsConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// set once connection_established has been read
	ready bool
}

// NewWSTransport creates a transport for a hub endpoint such as
// ws://localhost:8080/ws.
func NewWSTransport(url string, logger zerolog.Logger) *WSTransport {
	return &WSTransport{
		url:       url,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		writeWait: 10 * time.Second,
		logger:    logger.With().Str("component", "ws").Logger(),
	}
}

func (t *WSTransport) Connect(token string, h Handler) error {
	c := &wsConn{send: make(chan []byte, 32), done: make(chan struct{})}

	t.mu.Lock()
	prev := t.cur
	t.cur = c
	t.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go t.run(c, token, h)
	return nil
}

func (t *WSTransport) run(c *wsConn, token string, h Handler) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := t.dialer.Dial(t.url, header)
	if err != nil {
		if t.current() != c {
			return
		}
		if resp != nil {
			h.Signal(SignalError, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err))
		} else {
			h.Signal(SignalUnavailable, err)
		}
		return
	}

	t.mu.Lock()
	if t.cur != c {
		t.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	t.mu.Unlock()

	var hello hub.Frame
	if err := ws.ReadJSON(&hello); err != nil || hello.Event != hub.FrameConnectionEstablished {
		c.close()
		if err == nil {
			err = fmt.Errorf("unexpected first frame %q", hello.Event)
		}
		h.Signal(SignalError, err)
		return
	}

	t.mu.Lock()
	c.ready = true
	t.mu.Unlock()

	go t.writeLoop(c)
	h.Signal(SignalConnected, nil)

	for {
		var f hub.Frame
		if err := ws.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				// closed by us, nobody is waiting for a signal
			default:
				c.close()
				h.Signal(SignalDisconnected, err)
			}
			return
		}
		h.Frame(f)
	}
}

func (t *WSTransport) writeLoop(c *wsConn) {
	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.logger.Debug().Err(err).Msg("write failed")
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (t *WSTransport) current() *wsConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

func (t *WSTransport) Subscribe(channel string) error {
	return t.sendFrame(hub.FrameSubscribe, channel)
}

func (t *WSTransport) Unsubscribe(channel string) error {
	return t.sendFrame(hub.FrameUnsubscribe, channel)
}

func (t *WSTransport) sendFrame(event, channel string) error {
	t.mu.Lock()
	c := t.cur
	ready := c != nil && c.ready
	t.mu.Unlock()
	if !ready {
		return ErrNotConnected
	}

	msg, err := hub.EncodeFrame(event, channel, nil)
	if err != nil {
		return err
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrNotConnected
	}
}

// Close drops the current connection without emitting a signal.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	c := t.cur
	t.cur = nil
	t.mu.Unlock()
	if c != nil {
		c.close()
	}
	return nil
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.ws.Close()
		}
	})
}
