// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package delivery implements the coordinator that turns "user wants to
// send X" into a confirmed, deduplicated, displayed exchange.
//
// One coordinator serves one conversation view. A single background
// worker goroutine performs all network and persistence work, which is
// what provides single-flight delivery per conversation without any
// locking beyond the durable stores' own serialization. UI-facing
// notifications leave through a buffered event channel; partial streamed
// output is throttled through a coalescer so bursty token arrival never
// floods the subscriber.
package delivery
