package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// Event is one of the known payload shapes. The set is closed.
type Event interface {
	EventName() string
	isEvent()
}

type UserSummary struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type ParticipantSummary struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Role      string `json:"role"`
}

type ConversationSummary struct {
	ID        int64                `json:"id"`
	Type      string               `json:"type"`
	Title     string               `json:"title"`
	OwnerID   int64                `json:"owner_id"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Owner     UserSummary          `json:"owner"`
	Users     []ParticipantSummary `json:"users"`
}

type ConversationCreatedPayload struct {
	Conversation ConversationSummary `json:"conversation"`
}

// Participant actions.
const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

type ParticipantsUpdatedPayload struct {
	ConversationID int64                `json:"conversation_id"`
	Action         string               `json:"action"`
	User           UserSummary          `json:"user"`
	Participants   []ParticipantSummary `json:"participants"`
}

// TypingPayload is carried by both typing.started and typing.stopped; Stopped
// is derived from the event name and never serialized.
type TypingPayload struct {
	User           UserSummary `json:"user"`
	ConversationID int64       `json:"conversation_id"`
	Stopped        bool        `json:"-"`
}

type UserTypingPayload struct {
	User           UserSummary `json:"user"`
	ConversationID int64       `json:"conversation_id"`
	IsTyping       bool        `json:"is_typing"`
}

type MessagePayload struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	UserID         int64           `json:"user_id"`
	Body           string          `json:"body"`
	Type           string          `json:"type"`
	Meta           json.RawMessage `json:"meta,omitempty"`
	User           *UserSummary    `json:"user,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Edited         bool            `json:"-"`
}

type MessageDeletedPayload struct {
	MessageID      int64 `json:"message_id"`
	ConversationID int64 `json:"conversation_id"`
}

func (ConversationCreatedPayload) EventName() string { return ConversationCreated }
func (ParticipantsUpdatedPayload) EventName() string { return ParticipantsUpdated }
func (UserTypingPayload) EventName() string          { return UserTyping }
func (MessageDeletedPayload) EventName() string      { return MessageDeleted }

func (p TypingPayload) EventName() string {
	if p.Stopped {
		return TypingStopped
	}
	return TypingStarted
}

func (p MessagePayload) EventName() string {
	if p.Edited {
		return MessageUpdated
	}
	return MessageSent
}

func (ConversationCreatedPayload) isEvent() {}
func (ParticipantsUpdatedPayload) isEvent() {}
func (TypingPayload) isEvent()              {}
func (UserTypingPayload) isEvent()          {}
func (MessagePayload) isEvent()             {}
func (MessageDeletedPayload) isEvent()      {}

// Decode turns a raw payload into its typed form based on the event name.
func Decode(name string, raw json.RawMessage) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch name {
	case ConversationCreated:
		var p ConversationCreatedPayload
		err = unmarshal(name, raw, &p)
		ev = p
	case ParticipantsUpdated:
		var p ParticipantsUpdatedPayload
		err = unmarshal(name, raw, &p)
		ev = p
	case TypingStarted, TypingStopped:
		var p TypingPayload
		err = unmarshal(name, raw, &p)
		p.Stopped = name == TypingStopped
		ev = p
	case UserTyping:
		var p UserTypingPayload
		err = unmarshal(name, raw, &p)
		ev = p
	case MessageSent, MessageUpdated:
		var p MessagePayload
		err = unmarshal(name, raw, &p)
		p.Edited = name == MessageUpdated
		ev = p
	case MessageDeleted:
		var p MessageDeletedPayload
		err = unmarshal(name, raw, &p)
		ev = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func unmarshal(name string, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func summarize(u *models.User) UserSummary {
	if u == nil {
		return UserSummary{}
	}
	return UserSummary{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL}
}

func participants(c *models.Conversation) []ParticipantSummary {
	out := make([]ParticipantSummary, 0, len(c.Users))
	for _, p := range c.Users {
		out = append(out, ParticipantSummary{
			ID:        p.ID,
			Name:      p.Name,
			AvatarURL: p.AvatarURL,
			Role:      p.Role,
		})
	}
	return out
}
