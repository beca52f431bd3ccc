// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jeranaias/relaykit/internal/stream"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnauthorized indicates the backend rejected the credential.
	// Fatal for the session; never retried automatically.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotConfigured indicates the client has no token configured.
	ErrNotConfigured = errors.New("transport token not configured")

	// ErrMalformedResponse indicates the backend returned a payload the
	// client could not interpret.
	ErrMalformedResponse = errors.New("malformed response")
)

// ServerError represents a non-auth HTTP error from the backend.
type ServerError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server error (HTTP %d)", e.Status)
}

// =============================================================================
// TRANSPORT INTERFACE
// =============================================================================

// RemoteMessage is one message row returned by a history fetch.
type RemoteMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"-"`

	// CreatedAtMillis is the wire representation of CreatedAt.
	CreatedAtMillis int64 `json:"created_at"`
}

// Transport is the network boundary consumed by the delivery coordinator.
// Implementations must report connectivity-class failures distinctly from
// protocol failures; see Classify.
type Transport interface {
	// CreateConversation creates a new remote conversation and returns
	// its id.
	CreateConversation(ctx context.Context) (string, error)

	// FetchMessages returns the authoritative message history for a
	// conversation, oldest first.
	FetchMessages(ctx context.Context, conversationID string) ([]RemoteMessage, error)

	// StreamChat sends text to a conversation and returns a scanner over
	// the response event stream. The caller owns the closer and must
	// close it when done with the scanner.
	StreamChat(ctx context.Context, conversationID, text string) (*stream.Scanner, io.Closer, error)

	// Reachable reports whether the backend host currently looks
	// reachable. Used to gate queue flushes and classify failures.
	Reachable() bool
}
