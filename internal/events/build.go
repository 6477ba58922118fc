package events

import (
	"errors"

	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// NewConversationCreated addresses every member's personal channel, since
// nobody is subscribed to the conversation channel yet.
func NewConversationCreated(c *models.Conversation) (*Envelope, error) {
	if c == nil {
		return nil, errors.New("conversation is nil")
	}
	targets := make([]string, 0, len(c.Users))
	for _, p := range c.Users {
		targets = append(targets, channels.User(p.ID))
	}

	owner := UserSummary{ID: c.OwnerID}
	if c.Owner != nil {
		owner = summarize(c.Owner)
	}

	return New(ConversationCreated, targets, ConversationCreatedPayload{
		Conversation: ConversationSummary{
			ID:        c.ID,
			Type:      c.Type,
			Title:     c.Title,
			OwnerID:   c.OwnerID,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
			Owner:     owner,
			Users:     participants(c),
		},
	})
}

// NewParticipantsUpdated goes to the conversation channel, plus the affected
// user's personal channel on removal since that user can no longer subscribe to
// the conversation.
func NewParticipantsUpdated(c *models.Conversation, action string, user *models.User) (*Envelope, error) {
	if c == nil || user == nil {
		return nil, errors.New("conversation and user are required")
	}
	if action != ActionAdded && action != ActionRemoved {
		return nil, errors.New("participants action must be added or removed")
	}
	targets := []string{channels.Conversation(c.ID)}
	if action == ActionRemoved {
		targets = append(targets, channels.User(user.ID))
	}

	return New(ParticipantsUpdated, targets, ParticipantsUpdatedPayload{
		ConversationID: c.ID,
		Action:         action,
		User:           summarize(user),
		Participants:   participants(c),
	})
}

// NewTyping builds typing.started or typing.stopped on the presence channel.
func NewTyping(conversationID int64, user *models.User, started bool) (*Envelope, error) {
	if user == nil {
		return nil, errors.New("user is nil")
	}
	name := TypingStopped
	if started {
		name = TypingStarted
	}
	return New(name, []string{channels.Presence(conversationID)}, TypingPayload{
		User:           summarize(user),
		ConversationID: conversationID,
	})
}

// NewUserTyping builds the single-event typing signal on the private channel.
func NewUserTyping(conversationID int64, user *models.User, typing bool) (*Envelope, error) {
	if user == nil {
		return nil, errors.New("user is nil")
	}
	return New(UserTyping, []string{channels.Conversation(conversationID)}, UserTypingPayload{
		User:           summarize(user),
		ConversationID: conversationID,
		IsTyping:       typing,
	})
}

// NewMessage builds message.sent, or message.updated when edited is set.
func NewMessage(m *models.Message, edited bool) (*Envelope, error) {
	if m == nil {
		return nil, errors.New("message is nil")
	}
	name := MessageSent
	if edited {
		name = MessageUpdated
	}
	p := MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Body:           m.Body,
		Type:           m.Type,
		Meta:           m.Meta,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.User != nil {
		u := summarize(m.User)
		p.User = &u
	}
	return New(name, []string{channels.Conversation(m.ConversationID)}, p)
}

func NewMessageDeleted(messageID, conversationID int64) (*Envelope, error) {
	return New(MessageDeleted, []string{channels.Conversation(conversationID)}, MessageDeletedPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
	})
}
