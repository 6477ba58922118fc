package models

import "time"

// Conversation types.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Participant roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Conversation represents a direct or group conversation.
type Conversation struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	OwnerID   int64     `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Loaded by GetConversation.
	Owner *User         `json:"owner,omitempty"`
	Users []Participant `json:"users,omitempty"`
}

// Participant is a conversation member together with its role.
type Participant struct {
	User
	Role string `json:"role"`
}

// Member reports whether userID is one of the loaded participants.
func (c *Conversation) Member(userID int64) bool {
	for _, p := range c.Users {
		if p.ID == userID {
			return true
		}
	}
	return false
}
