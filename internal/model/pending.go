// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// =============================================================================
// DELIVERY STATUS
// =============================================================================

// DeliveryStatus is the persisted state of a pending message.
type DeliveryStatus string

const (
	// StatusPending means the message is waiting for a delivery attempt.
	StatusPending DeliveryStatus = "pending"

	// StatusSending means a delivery attempt is (or was, before a crash)
	// in flight. SENDING rows remain eligible for pickup so that process
	// death mid-attempt cannot strand a message.
	StatusSending DeliveryStatus = "sending"

	// StatusFailed means the retry ceiling was reached. The message stays
	// visible but is excluded from automatic delivery until a manual retry.
	StatusFailed DeliveryStatus = "failed"
)

// Valid reports whether s is a known status value.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusFailed:
		return true
	}
	return false
}

// =============================================================================
// PENDING MESSAGE
// =============================================================================

// PendingMessage is a user-authored message that is not yet confirmed sent.
// The ID is a locally assigned monotonic integer, durable and never reused.
type PendingMessage struct {
	ID             int64
	Message        string
	ConversationID string // empty means "no conversation yet"
	CreatedAt      time.Time
	Status         DeliveryStatus
	RetryCount     int
}

// Bound reports whether the message is bound to a conversation.
func (p *PendingMessage) Bound() bool {
	return p.ConversationID != ""
}

// Eligible reports whether the message may be picked for automatic
// delivery. SENDING counts as eligible to recover attempts abandoned by a
// crash or session teardown.
func (p *PendingMessage) Eligible() bool {
	return p.Status == StatusPending || p.Status == StatusSending
}
