package store

import (
	"context"
	"encoding/json"

	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// DataStore defines the interface for persistent storage of users,
// conversations and messages. Lookups return (nil, nil) when the row is
// missing. Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, name, email, avatarURL, tokenHash string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByTokenHash(ctx context.Context, tokenHash string) (*models.User, error)

	// Conversation operations
	CreateConversation(ctx context.Context, ownerID int64, kind, title string, memberIDs []int64) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	IsConversationMember(ctx context.Context, conversationID, userID int64) (bool, error)
	AddParticipant(ctx context.Context, conversationID, userID int64, role string) error
	RemoveParticipant(ctx context.Context, conversationID, userID int64) (bool, error)

	// Message operations
	CreateMessage(ctx context.Context, conversationID, userID int64, body, kind string, meta json.RawMessage) (*models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	UpdateMessage(ctx context.Context, id int64, body string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id int64) (bool, error)

	// Stats
	Counts(ctx context.Context) (*Counts, error)
}

// Counts summarizes table sizes for the stats endpoint.
type Counts struct {
	Users         int64 `json:"users"`
	Conversations int64 `json:"conversations"`
	Messages      int64 `json:"messages"`
}

// dedupeMembers drops the owner and repeated ids from an initial member list.
func dedupeMembers(ownerID int64, ids []int64) []int64 {
	seen := map[int64]bool{ownerID: true}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Open returns a PostgresStore when databaseURL is set and a SQLiteStore at
// sqlitePath otherwise. The second result names the backend for logging.
func Open(ctx context.Context, databaseURL, sqlitePath string) (DataStore, string, error) {
	if databaseURL != "" {
		s, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, "postgres", err
		}
		return s, "postgres", nil
	}
	s, err := NewSQLiteStore(ctx, sqlitePath)
	if err != nil {
		return nil, "sqlite", err
	}
	return s, "sqlite", nil
}
