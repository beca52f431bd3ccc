// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package delivery

import (
	"log"

	"github.com/jeranaias/relaykit/internal/model"
)

// =============================================================================
// SUBSCRIBER EVENTS
// =============================================================================

// EventKind identifies a coordinator notification.
type EventKind int

const (
	// EventMessagesChanged means the conversation cache changed and the
	// message list should be re-read.
	EventMessagesChanged EventKind = iota

	// EventQueueItemChanged means a pending queue entry changed state.
	EventQueueItemChanged

	// EventPartial carries throttled partial streamed output. Partial is
	// the full accumulated text so far, not a delta.
	EventPartial

	// EventInterrupted means an attempt failed with a non-retryable
	// error; Partial preserves whatever output was accumulated.
	EventInterrupted

	// EventHalted means the credential was rejected and all delivery is
	// stopped for this session.
	EventHalted
)

// String returns the kind name for logs.
func (k EventKind) String() string {
	switch k {
	case EventMessagesChanged:
		return "messages-changed"
	case EventQueueItemChanged:
		return "queue-item-changed"
	case EventPartial:
		return "partial"
	case EventInterrupted:
		return "interrupted"
	case EventHalted:
		return "halted"
	}
	return "unknown"
}

// Event is a single coordinator notification.
type Event struct {
	Kind           EventKind
	ConversationID string

	// Item is set for EventQueueItemChanged.
	Item *model.PendingMessage

	// Partial is set for EventPartial and EventInterrupted.
	Partial string

	// Err is set for EventInterrupted and EventHalted.
	Err error
}

// emitEvent delivers an event to the subscriber channel, dropping it with
// a log line when the subscriber is not keeping up. Events are advisory;
// the durable stores remain the source of truth. Close tears the channel
// down, so an emit racing teardown (a late Retry, a coalescer trailing
// timer) is dropped under the lock rather than sent on a closed channel.
func (c *Coordinator) emitEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Printf("delivery: event channel full, dropped %s event", ev.Kind)
	}
}
