package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		status_online BOOLEAN NOT NULL DEFAULT FALSE,
		email_notifications_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		api_token_hash TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		owner_id BIGINT NOT NULL REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS conversation_user (
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role TEXT NOT NULL DEFAULT 'member',
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id),
		body TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'text',
		meta JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_conversation_user_user ON conversation_user(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const pgUserColumns = `id, name, email, avatar_url, status_online, email_notifications_enabled, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
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
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// CreateUser creates a user with a hashed API token.
func (s *PostgresStore) CreateUser(ctx context.Context, name, email, avatarURL, tokenHash string) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (name, email, avatar_url, api_token_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+pgUserColumns,
		name, email, avatarURL, tokenHash))
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByTokenHash resolves an API token hash to its user.
func (s *PostgresStore) GetUserByTokenHash(ctx context.Context, tokenHash string) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE api_token_hash = $1`, tokenHash))
}

// CreateConversation creates a conversation with its owner and initial members.
func (s *PostgresStore) CreateConversation(ctx context.Context, ownerID int64, kind, title string, memberIDs []int64) (*models.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (type, title, owner_id)
		VALUES ($1, $2, $3)
		RETURNING id
	`, kind, title, ownerID).Scan(&id)
	if err != nil {
		return nil, err
	}

	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO conversation_user (conversation_id, user_id, role) VALUES ($1, $2, $3)`, id, ownerID, models.RoleOwner)
	for _, uid := range dedupeMembers(ownerID, memberIDs) {
		batch.Queue(`INSERT INTO conversation_user (conversation_id, user_id, role) VALUES ($1, $2, $3)`, id, uid, models.RoleMember)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

// GetConversation retrieves a conversation with its owner and participants.
func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	c := &models.Conversation{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, title, owner_id, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &c.Type, &c.Title, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.name, u.email, u.avatar_url, u.status_online, u.email_notifications_enabled,
		       u.created_at, u.updated_at, cu.role
		FROM conversation_user cu
		JOIN users u ON u.id = cu.user_id
		WHERE cu.conversation_id = $1
		ORDER BY cu.joined_at, u.id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Email, &p.AvatarURL, &p.StatusOnline, &p.EmailNotificationsEnabled,
			&p.CreatedAt, &p.UpdatedAt, &p.Role,
		); err != nil {
			return nil, err
		}
		if p.ID == c.OwnerID {
			owner := p.User
			c.Owner = &owner
		}
		c.Users = append(c.Users, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if c.Owner == nil {
		if c.Owner, err = s.GetUser(ctx, c.OwnerID); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// IsConversationMember reports whether the user currently belongs to the conversation.
func (s *PostgresStore) IsConversationMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM conversation_user WHERE conversation_id = $1 AND user_id = $2)
	`, conversationID, userID).Scan(&ok)
	return ok, err
}

// AddParticipant adds a user to a conversation; adding an existing member is a no-op.
func (s *PostgresStore) AddParticipant(ctx context.Context, conversationID, userID int64, role string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_user (conversation_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, conversationID, userID, role)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, conversationID)
	return err
}

// RemoveParticipant removes a user from a conversation and reports whether it was a member.
func (s *PostgresStore) RemoveParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conversation_user WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CreateMessage stores a new message.
func (s *PostgresStore) CreateMessage(ctx context.Context, conversationID, userID int64, body, kind string, meta json.RawMessage) (*models.Message, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, user_id, body, type, meta)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, conversationID, userID, body, kind, nullableJSON(meta)).Scan(&id)
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// GetMessage retrieves a message together with its author.
func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	m := &models.Message{}
	var meta []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, user_id, body, type, meta, created_at, updated_at
		FROM messages WHERE id = $1
	`, id).Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Body, &m.Type, &meta, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(meta) > 0 {
		m.Meta = json.RawMessage(meta)
	}

	if m.User, err = s.GetUser(ctx, m.UserID); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMessage replaces the body of a message.
func (s *PostgresStore) UpdateMessage(ctx context.Context, id int64, body string) (*models.Message, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET body = $2, updated_at = NOW() WHERE id = $1`, id, body)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return s.GetMessage(ctx, id)
}

// DeleteMessage removes a message and reports whether it existed.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Counts returns the number of users, conversations and messages.
func (s *PostgresStore) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{}
	err := s.pool.QueryRow(ctx, `
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

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
