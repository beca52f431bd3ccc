// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// DELIVERY ATTEMPT
// =============================================================================

// DeliveryAttempt is one execution of "try to send this conversation's next
// pending message". Attempts are transient: they are never persisted, and a
// process restart simply turns the interrupted attempt's queue entry back
// into an eligible row.
type DeliveryAttempt struct {
	// AttemptID identifies the attempt in logs.
	AttemptID string

	// ConversationID is the target conversation. May start empty and be
	// bound once the conversation is created upstream.
	ConversationID string

	// Message is the text being sent.
	Message string

	// QueueID references the pending_messages row this attempt originated
	// from, or 0 for an immediate (never queued) send.
	QueueID int64

	partial strings.Builder
}

// NewAttempt creates a delivery attempt for the given message.
func NewAttempt(conversationID, message string, queueID int64) *DeliveryAttempt {
	return &DeliveryAttempt{
		AttemptID:      uuid.NewString(),
		ConversationID: conversationID,
		Message:        message,
		QueueID:        queueID,
	}
}

// FromQueue reports whether the attempt originated from the pending queue.
func (a *DeliveryAttempt) FromQueue() bool {
	return a.QueueID != 0
}

// Accumulate appends partial streamed output.
func (a *DeliveryAttempt) Accumulate(delta string) {
	a.partial.WriteString(delta)
}

// Partial returns the output accumulated so far.
func (a *DeliveryAttempt) Partial() string {
	return a.partial.String()
}
