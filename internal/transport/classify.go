// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/jeranaias/relaykit/internal/stream"
)

// =============================================================================
// FAILURE CLASSES
// =============================================================================

// FailureClass buckets a delivery error into the retry taxonomy.
type FailureClass int

const (
	// FailureNone means no error.
	FailureNone FailureClass = iota

	// FailureUnauthorized means the credential was rejected. Delivery
	// halts for the session; never retried automatically.
	FailureUnauthorized

	// FailureOffline means the error pattern matches a connectivity
	// failure. Retried up to the ceiling with a fixed delay.
	FailureOffline

	// FailureProtocol means a server or protocol error unrelated to
	// connectivity. Surfaced with partial content, not auto-retried.
	FailureProtocol
)

// String returns the class name for logs.
func (c FailureClass) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureUnauthorized:
		return "unauthorized"
	case FailureOffline:
		return "offline"
	case FailureProtocol:
		return "protocol"
	}
	return "unknown"
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify maps an error from a transport call or stream read to its
// failure class. Connectivity-shaped errors (timeouts, unresolvable hosts,
// refused or reset connections, unreachable networks) are "likely offline";
// everything else network-delivered is a protocol error.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrUnauthorized) {
		return FailureUnauthorized
	}
	if IsLikelyOffline(err) {
		return FailureOffline
	}
	return FailureProtocol
}

// IsLikelyOffline reports whether err matches a known connectivity
// failure rather than a server-side rejection.
func IsLikelyOffline(err error) bool {
	if err == nil {
		return false
	}

	// Request deadline expiry behaves like a dead network.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Host unresolvable.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// Timeouts at any layer.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection-level failures.
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	// A stream that died mid-response without a done event is a dropped
	// connection, not a server rejection.
	if errors.Is(err, stream.ErrClosedBeforeDone) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
