// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/relaykit/internal/cache"
	"github.com/jeranaias/relaykit/internal/config"
	"github.com/jeranaias/relaykit/internal/delivery"
	"github.com/jeranaias/relaykit/internal/model"
	"github.com/jeranaias/relaykit/internal/queue"
	"github.com/jeranaias/relaykit/internal/transport"
	"github.com/jeranaias/relaykit/internal/util"
)

// maxTitleRunes bounds auto-derived conversation titles.
const maxTitleRunes = 60

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// =============================================================================
// SESSION MANAGER
// =============================================================================

// Manager owns the durable stores and the transport for one logged-in
// session, and hands out delivery coordinators for conversation views.
// A credential rejection anywhere invalidates the whole session; the
// stores survive for the next session to pick up.
type Manager struct {
	sessionID string
	startTime time.Time
	cfg       *config.Config

	queue  *queue.PendingQueue
	cache  *cache.Cache
	client *transport.Client

	mu           sync.Mutex
	coordinators map[string]*delivery.Coordinator
	invalidated  bool
	closed       bool
}

// New opens the durable stores and builds the transport from cfg.
func New(cfg *config.Config) (*Manager, error) {
	queuePath, err := cfg.QueuePath()
	if err != nil {
		return nil, err
	}
	cachePath, err := cfg.CachePath()
	if err != nil {
		return nil, err
	}

	q, err := queue.Open(queuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pending queue: %w", err)
	}
	cc, err := cache.Open(cachePath, cfg.Cache.MaxConversations, cfg.Cache.MaxMessagesPerConversation)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("failed to open conversation cache: %w", err)
	}

	m := &Manager{
		sessionID:    uuid.NewString(),
		startTime:    time.Now(),
		cfg:          cfg,
		queue:        q,
		cache:        cc,
		coordinators: make(map[string]*delivery.Coordinator),
	}
	m.client = transport.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token).
		WithTimeout(cfg.Timeout()).
		WithProbeTimeout(cfg.ProbeTimeout()).
		WithUnauthorizedHook(m.invalidate)

	return m, nil
}

// SessionID returns the session's log identifier.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// StartTime returns when the session started.
func (m *Manager) StartTime() time.Time {
	return m.startTime
}

// Invalidated reports whether the backend rejected the credential.
func (m *Manager) Invalidated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidated
}

// invalidate marks the session's credential as rejected. Queued messages
// stay durable for the next session.
func (m *Manager) invalidate() {
	m.mu.Lock()
	already := m.invalidated
	m.invalidated = true
	m.mu.Unlock()
	if !already {
		log.Printf("session %s: credential rejected, delivery halted", m.sessionID)
	}
}

// Close stops every coordinator and closes the stores. In-flight attempts
// are interrupted; their queue entries stay eligible.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	coords := make([]*delivery.Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		coords = append(coords, c)
	}
	m.coordinators = nil
	m.mu.Unlock()

	for _, c := range coords {
		if err := c.Close(); err != nil {
			log.Printf("session %s: closing coordinator: %v", m.sessionID, err)
		}
	}

	var firstErr error
	if err := m.queue.Close(); err != nil {
		firstErr = err
	}
	if err := m.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// =============================================================================
// CONVERSATION VIEWS
// =============================================================================

// OpenConversation returns the coordinator for a conversation, creating
// and starting one on first open. The same coordinator is returned for
// repeated opens, which is what keeps delivery single-flight per
// conversation.
func (m *Manager) OpenConversation(conversationID string) (*delivery.Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	if c, ok := m.coordinators[conversationID]; ok {
		return c, nil
	}

	c := delivery.New(m.queue, m.cache, m.client, conversationID, delivery.Options{
		RetryCeiling:   m.cfg.Queue.RetryCeiling,
		RetryDelay:     m.cfg.RetryDelay(),
		UpdateInterval: m.cfg.UpdateInterval(),
	})
	m.coordinators[conversationID] = c
	return c, nil
}

// NewConversation returns a coordinator for a conversation that does not
// exist upstream yet. The conversation is created on the first successful
// send.
func (m *Manager) NewConversation() (*delivery.Coordinator, error) {
	return m.OpenConversation("")
}

// OnConnectivityChanged fans a connectivity transition out to every open
// coordinator.
func (m *Manager) OnConnectivityChanged(online bool) {
	m.mu.Lock()
	coords := make([]*delivery.Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		coords = append(coords, c)
	}
	m.mu.Unlock()

	for _, c := range coords {
		c.OnConnectivityChanged(online)
	}
}

// =============================================================================
// READ PATHS
// =============================================================================

// Conversations returns the cached conversation list, most recent first.
func (m *Manager) Conversations(limit int) ([]model.Conversation, error) {
	return m.cache.RecentConversations(limit)
}

// Messages returns the cached tail of a conversation, oldest first,
// available with or without connectivity.
func (m *Manager) Messages(conversationID string, limit int) ([]model.CachedMessage, error) {
	return m.cache.RecentMessages(conversationID, limit)
}

// PendingFor returns the queued entries for a conversation so a view can
// show not-yet-delivered messages after a restart. An empty id returns
// entries not yet bound to any conversation.
func (m *Manager) PendingFor(conversationID string) ([]model.PendingMessage, error) {
	if conversationID == "" {
		return m.queue.ListUnbound()
	}
	return m.queue.ListForConversation(conversationID)
}

// ForgetConversation drops a conversation from the local cache. The
// remote copy is untouched; a later history load restores it.
func (m *Manager) ForgetConversation(conversationID string) error {
	return m.cache.RemoveConversation(conversationID)
}

// SetConversationTitle stores a display title, truncated to a sane length.
func (m *Manager) SetConversationTitle(conversationID, title string) error {
	conv, err := m.cache.Conversation(conversationID)
	if err != nil {
		return err
	}
	conv.Title = util.TruncateRunes(title, maxTitleRunes)
	conv.UpdatedAt = time.Now()
	return m.cache.UpsertConversation(*conv)
}
