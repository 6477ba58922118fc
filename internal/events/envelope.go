// Package events defines the broadcastable domain events and the envelope
// they travel in from the dispatcher to the hub.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Broadcast event names as seen by subscribers.
const (
	ConversationCreated = "conversation.created"
	ParticipantsUpdated = "participants.updated"
	TypingStarted       = "typing.started"
	TypingStopped       = "typing.stopped"
	UserTyping          = "user.typing"
	MessageSent         = "message.sent"
	MessageUpdated      = "message.updated"
	MessageDeleted      = "message.deleted"
)

var (
	ErrNoChannels   = errors.New("envelope has no channels")
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is one domain event addressed to a set of channels. It cannot be
// changed once built.
type Envelope struct {
	name     string
	channels []string
	payload  json.RawMessage
}

type wireEnvelope struct {
	Name     string          `json:"name"`
	Channels []string        `json:"channels"`
	Payload  json.RawMessage `json:"payload"`
}

// New marshals payload and builds an envelope. Duplicate channel names are
// collapsed, keeping first-seen order.
func New(name string, channels []string, payload any) (*Envelope, error) {
	if name == "" {
		return nil, errors.New("envelope name is empty")
	}
	chs := dedupe(channels)
	if len(chs) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNoChannels)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}

	return &Envelope{name: name, channels: chs, payload: raw}, nil
}

func (e *Envelope) Name() string { return e.name }

// Channels returns a copy of the target channels.
func (e *Envelope) Channels() []string {
	out := make([]string, len(e.channels))
	copy(out, e.channels)
	return out
}

// Payload returns a copy of the encoded payload.
func (e *Envelope) Payload() json.RawMessage {
	out := make(json.RawMessage, len(e.payload))
	copy(out, e.payload)
	return out
}

// Event decodes the payload into its typed form.
func (e *Envelope) Event() (Event, error) {
	return Decode(e.name, e.payload)
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{Name: e.name, Channels: e.channels, Payload: e.payload})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Name == "" {
		return errors.New("envelope name is empty")
	}
	chs := dedupe(w.Channels)
	if len(chs) == 0 {
		return fmt.Errorf("%s: %w", w.Name, ErrNoChannels)
	}
	payload := w.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	*e = Envelope{name: w.Name, channels: chs, payload: payload}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
