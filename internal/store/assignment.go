package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

const roundRobinKey = "assign.round_robin"

// GetAssignment returns the agent handling a conversation, or nil.
func (db *DB) GetAssignment(conversationKey string) (*Assignment, error) {
	var a Assignment
	err := db.QueryRow(`
		SELECT conversation_key, agent, assigned_at
		FROM assignments WHERE conversation_key = ?`, conversationKey).
		Scan(&a.ConversationKey, &a.Agent, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAssignment pins a conversation to an agent.
func (db *DB) SetAssignment(conversationKey, agent string) error {
	_, err := db.Exec(`
		INSERT INTO assignments (conversation_key, agent, assigned_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			agent = excluded.agent,
			assigned_at = excluded.assigned_at`,
		conversationKey, agent, time.Now().UnixMilli())
	return err
}

// ListAssignments returns every conversation-to-agent pin.
func (db *DB) ListAssignments() ([]Assignment, error) {
	rows, err := db.Query(`SELECT conversation_key, agent, assigned_at FROM assignments ORDER BY assigned_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ConversationKey, &a.Agent, &a.AssignedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// NextRoundRobin advances the shared rotation counter and returns its new
// value modulo n. The counter lives in the meta table so it survives
// restarts and stays fair across the agent pool.
func (db *DB) NextRoundRobin(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("round robin over %d agents", n)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRow(`SELECT value FROM meta WHERE key = ?`, roundRobinKey).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	counter, _ := strconv.Atoi(raw)
	counter++

	if _, err := tx.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		roundRobinKey, strconv.Itoa(counter)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return counter % n, nil
}
