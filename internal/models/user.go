package models

import "time"

// User represents a chat account.
type User struct {
	ID                        int64     `json:"id"`
	Name                      string    `json:"name"`
	Email                     string    `json:"email,omitempty"`
	AvatarURL                 string    `json:"avatar_url"`
	StatusOnline              bool      `json:"status_online"`
	EmailNotificationsEnabled bool      `json:"email_notifications_enabled"`
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}
