// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// =============================================================================
// ROLES
// =============================================================================

// Role identifies the author of a cached message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// =============================================================================
// CONVERSATION
// =============================================================================

// Conversation is the cached projection of a remote conversation.
type Conversation struct {
	ID           string // remote conversation id
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	CachedAt     time.Time
}

// LastActivity returns the recency used for cache eviction ordering:
// the later of UpdatedAt and CreatedAt.
func (c *Conversation) LastActivity() time.Time {
	if c.UpdatedAt.After(c.CreatedAt) {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

// =============================================================================
// CACHED MESSAGE
// =============================================================================

// CachedMessage is one message row in the conversation cache.
type CachedMessage struct {
	LocalID        int64
	ConversationID string
	MessageID      string // remote id, may be empty
	Role           Role
	Content        string
	CreatedAt      time.Time
}

// DedupeKey returns the identifier used to collapse duplicate rows when
// history is re-fetched. The remote message id is authoritative when
// present; otherwise a stable composite of role, timestamp, and a content
// hash stands in for it, so id-less history can be merged repeatedly
// without creating duplicates.
func (m *CachedMessage) DedupeKey() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	sum := sha256.Sum256([]byte(m.Content))
	return string(m.Role) + "|" +
		strconv.FormatInt(m.CreatedAt.UnixMilli(), 10) + "|" +
		hex.EncodeToString(sum[:8])
}
