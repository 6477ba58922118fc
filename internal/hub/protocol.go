package hub

import (
	"encoding/json"

	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
)

// Frame events exchanged over the socket besides domain event names.
const (
	// client -> server
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"

	// server -> client
	FrameConnectionEstablished = "connection_established"
	FrameSubscriptionSucceeded = "subscription_succeeded"
	FrameSubscriptionError     = "subscription_error"
	FrameMemberAdded           = "member_added"
	FrameMemberRemoved         = "member_removed"
	FramePong                  = "pong"
	FrameError                 = "error"
)

// Frame is one JSON text message on the socket.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type ConnectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// SubscriptionSucceeded carries the member snapshot on presence channels.
type SubscriptionSucceeded struct {
	Members []channels.Identity `json:"members,omitempty"`
}

type SubscriptionError struct {
	Status int `json:"status"`
}

type MemberChange struct {
	Member channels.Identity `json:"member"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// EncodeFrame marshals a frame whose data is any JSON-encodable value.
func EncodeFrame(event, channel string, data any) ([]byte, error) {
	f := Frame{Event: event, Channel: channel}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}
