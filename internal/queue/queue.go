// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue provides the durable pending-message queue: user messages
// awaiting transmission, with per-item delivery state and retry count.
// The queue has no network knowledge; the delivery coordinator owns all
// retry policy.
package queue

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
	// ErrNotFound is returned when no queue entry has the given id.
	ErrNotFound = errors.New("queue entry not found")
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS pending_messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	message         TEXT    NOT NULL,
	conversation_id TEXT    NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	status          TEXT    NOT NULL DEFAULT 'pending',
	retry_count     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_pending_conversation
	ON pending_messages(conversation_id, status);
`

// =============================================================================
// PENDING QUEUE
// =============================================================================

// PendingQueue is the durable store of not-yet-sent user messages. All
// mutating operations are serialized behind one coarse-grained mutex; the
// underlying SQLite handle is restricted to a single connection, matching
// SQLite's single-writer model.
type PendingQueue struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) the pending queue database at path.
func Open(path string) (*PendingQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also
	// makes transactions behave predictably under database/sql.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return &PendingQueue{db: db}, nil
}

// Close closes the underlying database.
func (q *PendingQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Close()
}

// =============================================================================
// ADMISSION
// =============================================================================

// Enqueue inserts a new PENDING entry and returns its id. conversationID
// may be empty, meaning the target conversation does not exist yet.
func (q *PendingQueue) Enqueue(text, conversationID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`
		INSERT INTO pending_messages (message, conversation_id, created_at, status, retry_count)
		VALUES (?, ?, ?, ?, 0)
	`, text, conversationID, time.Now().UnixMilli(), model.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue message: %w", err)
	}
	return res.LastInsertId()
}

// AssignConversationForUnbound back-fills the conversation id on every
// entry still bound to "none". Used once a conversation is created after
// messages were queued pre-conversation.
func (q *PendingQueue) AssignConversationForUnbound(conversationID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`
		UPDATE pending_messages SET conversation_id = ? WHERE conversation_id = ''
	`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to assign conversation: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// MarkSending transitions an entry to SENDING.
func (q *PendingQueue) MarkSending(id int64) error {
	return q.setStatus(id, model.StatusSending)
}

// MarkPending transitions an entry back to PENDING.
func (q *PendingQueue) MarkPending(id int64) error {
	return q.setStatus(id, model.StatusPending)
}

// MarkFailed transitions an entry to FAILED. A FAILED entry is excluded
// from automatic delivery until ResetForManualRetry.
func (q *PendingQueue) MarkFailed(id int64) error {
	return q.setStatus(id, model.StatusFailed)
}

// setStatus applies a pure status transition.
func (q *PendingQueue) setStatus(id int64, status model.DeliveryStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`UPDATE pending_messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return requireRow(res)
}

// IncrementRetry atomically increments an entry's retry count and returns
// the new value.
func (q *PendingQueue) IncrementRetry(id int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE pending_messages SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	if err := requireRow(res); err != nil {
		return 0, err
	}

	var count int
	if err := tx.QueryRow(`SELECT retry_count FROM pending_messages WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return count, nil
}

// ResetForManualRetry puts a FAILED entry back into rotation: status
// PENDING, retry count zero. User-initiated, so it bypasses backoff.
func (q *PendingQueue) ResetForManualRetry(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`
		UPDATE pending_messages SET status = ?, retry_count = 0 WHERE id = ?
	`, model.StatusPending, id)
	if err != nil {
		return fmt.Errorf("failed to reset entry: %w", err)
	}
	return requireRow(res)
}

// Remove permanently deletes an entry after a confirmed send.
func (q *PendingQueue) Remove(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(`DELETE FROM pending_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove entry: %w", err)
	}
	return requireRow(res)
}

// =============================================================================
// INSPECTION
// =============================================================================

// NextPendingForConversation returns the oldest eligible entry for the
// given conversation, or for unbound entries when conversationID is
// empty. SENDING entries stay eligible so that attempts interrupted by a
// crash or teardown are picked up again. Returns nil when nothing is
// eligible.
func (q *PendingQueue) NextPendingForConversation(conversationID string) (*model.PendingMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRow(`
		SELECT id, message, conversation_id, created_at, status, retry_count
		FROM pending_messages
		WHERE conversation_id = ? AND status IN (?, ?)
		ORDER BY id ASC
		LIMIT 1
	`, conversationID, model.StatusPending, model.StatusSending)

	msg, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// Get returns a single entry by id.
func (q *PendingQueue) Get(id int64) (*model.PendingMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRow(`
		SELECT id, message, conversation_id, created_at, status, retry_count
		FROM pending_messages WHERE id = ?
	`, id)

	msg, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// ListForConversation returns all entries for a conversation in creation
// order, for UI repopulation after restart.
func (q *PendingQueue) ListForConversation(conversationID string) ([]model.PendingMessage, error) {
	return q.list(conversationID)
}

// ListUnbound returns all entries not yet bound to a conversation, in
// creation order.
func (q *PendingQueue) ListUnbound() ([]model.PendingMessage, error) {
	return q.list("")
}

// list returns all entries for the given binding in creation order.
func (q *PendingQueue) list(conversationID string) ([]model.PendingMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`
		SELECT id, message, conversation_id, created_at, status, retry_count
		FROM pending_messages
		WHERE conversation_id = ?
		ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var out []model.PendingMessage
	for rows.Next() {
		msg, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// Count returns the total number of entries, for diagnostics.
func (q *PendingQueue) Count() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_messages`).Scan(&n)
	return n, err
}

// =============================================================================
// HELPERS
// =============================================================================

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanPending scans one pending_messages row.
func scanPending(row rowScanner) (*model.PendingMessage, error) {
	var (
		msg       model.PendingMessage
		createdMs int64
		status    string
	)
	if err := row.Scan(&msg.ID, &msg.Message, &msg.ConversationID, &createdMs, &status, &msg.RetryCount); err != nil {
		return nil, err
	}
	msg.CreatedAt = time.UnixMilli(createdMs)
	msg.Status = model.DeliveryStatus(status)
	return &msg, nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
