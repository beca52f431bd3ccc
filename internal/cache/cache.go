// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides the bounded durable mirror of remote conversation
// state: recent conversations and their messages, read instantly at
// startup and deduplicated on every history refresh.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/relaykit/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConversationNotFound is returned when a conversation is not cached.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Default cache bounds; overridable at Open.
const (
	DefaultMaxConversations           = 50
	DefaultMaxMessagesPerConversation = 200
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	title         TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	cached_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT    NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	message_id      TEXT    NOT NULL DEFAULT '',
	role            TEXT    NOT NULL,
	content         TEXT    NOT NULL,
	created_at      INTEGER NOT NULL,
	dedupe_key      TEXT    NOT NULL,
	UNIQUE(conversation_id, dedupe_key)
);

CREATE INDEX IF NOT EXISTS idx_messages_conv_created
	ON messages(conversation_id, created_at);
`

// =============================================================================
// CONVERSATION CACHE
// =============================================================================

// Cache is the durable, bounded conversation mirror. Like the pending
// queue, it serializes all operations behind one coarse mutex over a
// single-connection SQLite handle.
type Cache struct {
	db *sql.DB
	mu sync.Mutex

	maxConversations int
	maxMessages      int
}

// Open opens (creating if necessary) the cache database at path with the
// given bounds. Non-positive bounds fall back to the defaults.
func Open(path string, maxConversations, maxMessagesPerConversation int) (*Cache, error) {
	if maxConversations <= 0 {
		maxConversations = DefaultMaxConversations
	}
	if maxMessagesPerConversation <= 0 {
		maxMessagesPerConversation = DefaultMaxMessagesPerConversation
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON", // conversation delete cascades to messages
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &Cache{
		db:               db,
		maxConversations: maxConversations,
		maxMessages:      maxMessagesPerConversation,
	}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// UpsertConversation inserts or replaces a conversation summary by id,
// then prunes the cache to the global conversation cap.
func (c *Cache) UpsertConversation(conv model.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cachedAt := conv.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now()
	}

	_, err = tx.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at, message_count, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			cached_at = excluded.cached_at
	`, conv.ID, conv.Title, conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
		conv.MessageCount, cachedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	if err := pruneConversations(tx, c.maxConversations); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveConversation deletes a conversation; its messages go with it via
// the foreign-key cascade.
func (c *Cache) RemoveConversation(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// RecentConversations returns up to limit conversations ordered by most
// recent activity (the later of updated-at and created-at) descending.
func (c *Cache) RecentConversations(limit int) ([]model.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 {
		// SQLite treats a negative LIMIT as unbounded.
		limit = -1
	}

	rows, err := c.db.Query(`
		SELECT id, title, created_at, updated_at, message_count, cached_at
		FROM conversations
		ORDER BY MAX(updated_at, created_at) DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		var (
			conv                           model.Conversation
			createdMs, updatedMs, cachedMs int64
		)
		if err := rows.Scan(&conv.ID, &conv.Title, &createdMs, &updatedMs, &conv.MessageCount, &cachedMs); err != nil {
			return nil, err
		}
		conv.CreatedAt = time.UnixMilli(createdMs)
		conv.UpdatedAt = time.UnixMilli(updatedMs)
		conv.CachedAt = time.UnixMilli(cachedMs)
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Conversation returns a single conversation by id, or
// ErrConversationNotFound.
func (c *Cache) Conversation(id string) (*model.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		conv                           model.Conversation
		createdMs, updatedMs, cachedMs int64
	)
	err := c.db.QueryRow(`
		SELECT id, title, created_at, updated_at, message_count, cached_at
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.Title, &createdMs, &updatedMs, &conv.MessageCount, &cachedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = time.UnixMilli(createdMs)
	conv.UpdatedAt = time.UnixMilli(updatedMs)
	conv.CachedAt = time.UnixMilli(cachedMs)
	return &conv, nil
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// UpsertMessages merges rows into a conversation by (conversation_id,
// dedupe_key): re-fetching the same history never creates duplicate rows,
// even when the remote message id is absent. A placeholder conversation
// row is created if none exists. After the merge, messages are pruned to
// the per-conversation cap and the conversation's message_count and
// updated-at are recomputed from the surviving rows.
func (c *Cache) UpsertMessages(conversationID string, msgs []model.CachedMessage) error {
	return c.writeMessages(conversationID, msgs, false)
}

// ReplaceMessages is UpsertMessages preceded by deleting all existing
// messages for the conversation. Used when reconciling a full
// authoritative history fetch.
func (c *Cache) ReplaceMessages(conversationID string, msgs []model.CachedMessage) error {
	return c.writeMessages(conversationID, msgs, true)
}

// writeMessages implements the shared merge path.
func (c *Cache) writeMessages(conversationID string, msgs []model.CachedMessage, replace bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The conversation row must exist before messages reference it. Its
	// activity timestamps come from the incoming rows, not the wall clock:
	// eviction recency must track conversation activity, not when the
	// cache first saw the conversation.
	var oldestMs, newestMs int64
	for i := range msgs {
		ms := msgs[i].CreatedAt.UnixMilli()
		if oldestMs == 0 || ms < oldestMs {
			oldestMs = ms
		}
		if ms > newestMs {
			newestMs = ms
		}
	}
	if newestMs == 0 {
		now := time.Now().UnixMilli()
		oldestMs, newestMs = now, now
	}
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at, message_count, cached_at)
		VALUES (?, '', ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, conversationID, oldestMs, newestMs, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to ensure conversation row: %w", err)
	}

	if replace {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}
	}

	for i := range msgs {
		m := &msgs[i]
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, message_id, role, content, created_at, dedupe_key)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, dedupe_key) DO UPDATE SET
				message_id = excluded.message_id,
				role = excluded.role,
				content = excluded.content,
				created_at = excluded.created_at
		`, conversationID, m.MessageID, m.Role, m.Content, m.CreatedAt.UnixMilli(), m.DedupeKey()); err != nil {
			return fmt.Errorf("failed to upsert message: %w", err)
		}
	}

	if err := pruneMessages(tx, conversationID, c.maxMessages); err != nil {
		return err
	}
	if err := recomputeConversationStats(tx, conversationID); err != nil {
		return err
	}
	if err := pruneConversations(tx, c.maxConversations); err != nil {
		return err
	}
	return tx.Commit()
}

// RecentMessages returns the most recent limit messages of a conversation
// in chronological (ascending) order for display.
func (c *Cache) RecentMessages(conversationID string, limit int) ([]model.CachedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 {
		limit = -1
	}

	rows, err := c.db.Query(`
		SELECT local_id, conversation_id, message_id, role, content, created_at
		FROM (
			SELECT local_id, conversation_id, message_id, role, content, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, local_id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, local_id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []model.CachedMessage
	for rows.Next() {
		var (
			msg       model.CachedMessage
			role      string
			createdMs int64
		)
		if err := rows.Scan(&msg.LocalID, &msg.ConversationID, &msg.MessageID, &role, &msg.Content, &createdMs); err != nil {
			return nil, err
		}
		msg.Role = model.Role(role)
		msg.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MessageCount returns the stored message count for a conversation.
func (c *Cache) MessageCount(conversationID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	err := c.db.QueryRow(`
		SELECT message_count FROM conversations WHERE id = ?
	`, conversationID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConversationNotFound
	}
	return n, err
}

// =============================================================================
// PRUNING
// =============================================================================

// pruneConversations evicts conversations beyond the global cap, oldest
// activity first with id as a deterministic tie-break. The foreign-key
// cascade removes their messages.
func pruneConversations(tx *sql.Tx, max int) error {
	_, err := tx.Exec(`
		DELETE FROM conversations WHERE id NOT IN (
			SELECT id FROM conversations
			ORDER BY MAX(updated_at, created_at) DESC, id DESC
			LIMIT ?
		)
	`, max)
	if err != nil {
		return fmt.Errorf("failed to prune conversations: %w", err)
	}
	return nil
}

// pruneMessages evicts a conversation's messages beyond the per-
// conversation cap, oldest created-at first.
func pruneMessages(tx *sql.Tx, conversationID string, max int) error {
	_, err := tx.Exec(`
		DELETE FROM messages
		WHERE conversation_id = ? AND local_id NOT IN (
			SELECT local_id FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, local_id DESC
			LIMIT ?
		)
	`, conversationID, conversationID, max)
	if err != nil {
		return fmt.Errorf("failed to prune messages: %w", err)
	}
	return nil
}

// recomputeConversationStats refreshes message_count and updated-at from
// the surviving rows. Server-reported statistics are never trusted
// blindly: after local pruning they would be wrong.
func recomputeConversationStats(tx *sql.Tx, conversationID string) error {
	_, err := tx.Exec(`
		UPDATE conversations SET
			message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = ?),
			updated_at = COALESCE(
				(SELECT MAX(created_at) FROM messages WHERE conversation_id = ?),
				updated_at)
		WHERE id = ?
	`, conversationID, conversationID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to recompute conversation stats: %w", err)
	}
	return nil
}
