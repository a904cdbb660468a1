package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kalviumcommunity/sumanize/internal/citations"
)

// Message is one persisted chat message. Citations are stored as a JSON
// document alongside the content so the UI can re-render highlights without
// re-running the matcher.
type Message struct {
	ID        string    `db:"id"`
	ChatID    string    `db:"chat_id"`
	UserID    string    `db:"user_id"`
	Role      string    `db:"role"` // "user" or "assistant"
	Content   string    `db:"content"`
	Citations []byte    `db:"citations"` // JSON array, may be nil
	CreatedAt time.Time `db:"created_at"`
}

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	citations  TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, created_at);
`

// MessageStore persists chat messages through the shared client.
type MessageStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewMessageStore(client *Client, logger *zap.Logger) *MessageStore {
	return &MessageStore{db: client.DB(), logger: logger}
}

// EnsureSchema creates the messages table when it does not exist. Intended
// for SQLite and dev setups; production schemas are migrated externally.
func (s *MessageStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, messagesSchema); err != nil {
		return fmt.Errorf("ensure messages schema: %w", err)
	}
	return nil
}

// SaveMessage appends one message. Citation lists marshal to JSON; an empty
// list stores NULL.
func (s *MessageStore) SaveMessage(ctx context.Context, chatID, userID, role, content string, cites []citations.Citation) error {
	var citesJSON []byte
	if len(cites) > 0 {
		var err error
		citesJSON, err = json.Marshal(cites)
		if err != nil {
			return fmt.Errorf("marshal citations: %w", err)
		}
	}

	query := s.db.Rebind(`INSERT INTO messages (id, chat_id, user_id, role, content, citations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(), chatID, userID, role, content, citesJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the newest messages for a chat, oldest first.
func (s *MessageStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Rebind(`SELECT id, chat_id, user_id, role, content, citations, created_at
		FROM messages WHERE chat_id = ? ORDER BY created_at DESC LIMIT ?`)

	var msgs []Message
	if err := s.db.SelectContext(ctx, &msgs, query, chatID, limit); err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	// reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
