package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists chat messages. Implementations must be safe for concurrent
// use.
type Store interface {
	// Save assigns an ID and creation timestamp to the message and persists
	// it. The message is mutated in place.
	Save(ctx context.Context, msg *Message) error

	// FindRecent returns up to limit non-pending messages, newest first.
	FindRecent(ctx context.Context, limit int) ([]Message, error)

	// FindByID returns the message with the given ID, or ErrNotFound.
	FindByID(ctx context.Context, id string) (*Message, error)

	// DeleteByID removes the message with the given ID. Returns ErrNotFound
	// if no such message exists.
	DeleteByID(ctx context.Context, id string) error
}

// PostgresStore implements Store on top of PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a message store backed by the given database
// handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save inserts the message, assigning it a fresh UUID and timestamp.
func (s *PostgresStore) Save(ctx context.Context, msg *Message) error {
	msg.ID = uuid.New().String()
	msg.CreatedAt = time.Now()

	const query = `
		INSERT INTO chat_messages (id, nickname, avatar_url, content, ip_address, ip_source, user_id, pending, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.Nickname,
		msg.AvatarURL,
		msg.Content,
		msg.IPAddress,
		msg.IPSource,
		msg.UserID,
		msg.Pending,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

// FindRecent returns up to limit broadcast-visible messages, newest first.
// Pending messages (held for manual review) are excluded.
func (s *PostgresStore) FindRecent(ctx context.Context, limit int) ([]Message, error) {
	const query = `
		SELECT id, nickname, avatar_url, content, ip_address, ip_source, user_id, pending, created_at
		FROM chat_messages
		WHERE NOT pending
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: query recent messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Nickname, &m.AvatarURL, &m.Content,
			&m.IPAddress, &m.IPSource, &m.UserID, &m.Pending, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: iterate message rows: %w", err)
	}
	return messages, nil
}

// FindByID returns the message with the given ID.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Message, error) {
	const query = `
		SELECT id, nickname, avatar_url, content, ip_address, ip_source, user_id, pending, created_at
		FROM chat_messages
		WHERE id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.Nickname, &m.AvatarURL,
		&m.Content, &m.IPAddress, &m.IPSource, &m.UserID, &m.Pending, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: query message by id: %w", err)
	}
	return &m, nil
}

// DeleteByID removes the message with the given ID.
func (s *PostgresStore) DeleteByID(ctx context.Context, id string) error {
	const query = `DELETE FROM chat_messages WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("chat: delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat: delete message rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
