package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chat.db". ":memory:" keeps
// everything in a single in-process connection.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chat.db"
	}

	dsn := dbPath + "?_journal_mode=WAL&_foreign_keys=on"
	if dbPath == ":memory:" {
		dsn = ":memory:?_foreign_keys=on"
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		status_online BOOLEAN NOT NULL DEFAULT 0,
		email_notifications_enabled BOOLEAN NOT NULL DEFAULT 0,
		api_token_hash TEXT UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		owner_id INTEGER NOT NULL REFERENCES users(id),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversation_user (
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role TEXT NOT NULL DEFAULT 'member',
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id),
		body TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'text',
		meta TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_conversation_user_user ON conversation_user(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteUserColumns = `id, name, email, avatar_url, status_online, email_notifications_enabled, created_at, updated_at`

func (s *SQLiteStore) scanUser(row *sql.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.AvatarURL,
		&u.StatusOnline,
		&u.EmailNotificationsEnabled,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// CreateUser creates a user with a hashed API token.
func (s *SQLiteStore) CreateUser(ctx context.Context, name, email, avatarURL, tokenHash string) (*models.User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (name, email, avatar_url, api_token_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, name, email, avatarURL, tokenHash, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByTokenHash resolves an API token hash to its user.
func (s *SQLiteStore) GetUserByTokenHash(ctx context.Context, tokenHash string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE api_token_hash = ?`, tokenHash))
}

// CreateConversation creates a conversation with its owner and initial members.
func (s *SQLiteStore) CreateConversation(ctx context.Context, ownerID int64, kind, title string, memberIDs []int64) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (type, title, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, kind, title, ownerID, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	insert := `INSERT INTO conversation_user (conversation_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, id, ownerID, models.RoleOwner, now); err != nil {
		return nil, err
	}
	for _, uid := range dedupeMembers(ownerID, memberIDs) {
		if _, err := tx.ExecContext(ctx, insert, id, uid, models.RoleMember, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// GetConversation retrieves a conversation with its owner and participants.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	c := &models.Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, title, owner_id, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.Type, &c.Title, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	users, err := s.participants(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Users = users
	for _, p := range users {
		if p.ID == c.OwnerID {
			owner := p.User
			c.Owner = &owner
		}
	}

	if c.Owner == nil {
		if c.Owner, err = s.GetUser(ctx, c.OwnerID); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (s *SQLiteStore) participants(ctx context.Context, conversationID int64) ([]models.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email, u.avatar_url, u.status_online, u.email_notifications_enabled,
		       u.created_at, u.updated_at, cu.role
		FROM conversation_user cu
		JOIN users u ON u.id = cu.user_id
		WHERE cu.conversation_id = ?
		ORDER BY cu.joined_at, u.id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Email, &p.AvatarURL, &p.StatusOnline, &p.EmailNotificationsEnabled,
			&p.CreatedAt, &p.UpdatedAt, &p.Role,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IsConversationMember reports whether the user currently belongs to the conversation.
func (s *SQLiteStore) IsConversationMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_user WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&n)
	return n > 0, err
}

// AddParticipant adds a user to a conversation; adding an existing member is a no-op.
func (s *SQLiteStore) AddParticipant(ctx context.Context, conversationID, userID int64, role string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_user (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, userID, role, now)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	return err
}

// RemoveParticipant removes a user from a conversation and reports whether it was a member.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_user WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreateMessage stores a new message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, conversationID, userID int64, body, kind string, meta json.RawMessage) (*models.Message, error) {
	now := time.Now().UTC()
	var metaStr *string
	if len(meta) > 0 {
		str := string(meta)
		metaStr = &str
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, user_id, body, type, meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conversationID, userID, body, kind, metaStr, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// GetMessage retrieves a message together with its author.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	m := &models.Message{}
	var meta *string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, user_id, body, type, meta, created_at, updated_at
		FROM messages WHERE id = ?
	`, id).Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Body, &m.Type, &meta, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if meta != nil {
		m.Meta = json.RawMessage(*meta)
	}

	if m.User, err = s.GetUser(ctx, m.UserID); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMessage replaces the body of a message.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id int64, body string) (*models.Message, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET body = ?, updated_at = ? WHERE id = ?`, body, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetMessage(ctx, id)
}

// DeleteMessage removes a message and reports whether it existed.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Counts returns the number of users, conversations and messages.
func (s *SQLiteStore) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages)
	`).Scan(&c.Users, &c.Conversations, &c.Messages)
	if err != nil {
		return nil, err
	}
	return c, nil
}
