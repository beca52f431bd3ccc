// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport provides the HTTP client for the chat backend: request/
// response calls, streaming chat, a connectivity probe, and the error
// classification the delivery coordinator bases its retry decisions on.
package transport
