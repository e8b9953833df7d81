package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on
// conversation_key + msg_id). Webhook redeliveries and poll overlaps
// therefore never duplicate rows.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_key, msg_id, direction, sender_role, body, media_url, media_type, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_key, msg_id) DO UPDATE SET
			body = excluded.body,
			media_url = excluded.media_url,
			media_type = excluded.media_type,
			status = excluded.status`,
		m.ConversationKey, m.MsgID, m.Direction, m.SenderRole, m.Body, m.MediaURL, m.MediaType, m.Status, m.Timestamp, now)
	return err
}

// UpdateMessageStatus applies a delivery receipt by provider message ID.
func (db *DB) UpdateMessageStatus(conversationKey, msgID, status string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_key = ? AND msg_id = ?`, status, conversationKey, msgID)
	return err
}

// ListMessages returns messages for a conversation in ascending timestamp
// order, using keyset pagination.
func (db *DB) ListMessages(conversationKey string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_key, msg_id, direction, sender_role, body, media_url, media_type, status, timestamp
		FROM (
			SELECT * FROM messages
			WHERE conversation_key = ? AND timestamp < ?
			ORDER BY timestamp DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC`, conversationKey, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.MsgID, &m.Direction, &m.SenderRole, &m.Body, &m.MediaURL, &m.MediaType, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of stored messages for a conversation.
func (db *DB) CountMessages(conversationKey string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_key = ?`, conversationKey).Scan(&n)
	return n, err
}
