package models

import (
	"encoding/json"
	"time"
)

// Message types.
const (
	MessageText   = "text"
	MessageFile   = "file"
	MessageSystem = "system"
)

// Message represents a chat message stored in a conversation.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	UserID         int64           `json:"user_id"`
	Body           string          `json:"body"`
	Type           string          `json:"type"`
	Meta           json.RawMessage `json:"meta,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Loaded by GetMessage.
	User *User `json:"user,omitempty"`
}
