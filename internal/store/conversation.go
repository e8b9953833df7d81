package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record. The preview
// and timestamp only move forward so a late history backfill never clobbers
// the latest message.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (key, display_name, avatar_url, last_message_at, last_message_preview, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE conversations.avatar_url END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.Key, c.DisplayName, c.AvatarURL, c.LastMessageAt, c.LastMessagePreview, c.UnreadCount, now)
	return err
}

// ListConversations returns conversations sorted by last message timestamp
// descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT key, display_name, avatar_url, last_message_at, last_message_preview, unread_count,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_key = conversations.key) AS message_count
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.Key, &c.DisplayName, &c.AvatarURL, &c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount, &c.MessageCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil when unknown.
func (db *DB) GetConversation(key string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT key, display_name, avatar_url, last_message_at, last_message_preview, unread_count
		FROM conversations WHERE key = ?`, key).
		Scan(&c.Key, &c.DisplayName, &c.AvatarURL, &c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// IncrementUnread bumps the unread counter for a conversation.
func (db *DB) IncrementUnread(key string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE key = ?`, key)
	return err
}

// MarkConversationRead zeroes the unread counter.
func (db *DB) MarkConversationRead(key string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE key = ?`, key)
	return err
}
