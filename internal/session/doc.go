// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session ties the stores, transport and delivery coordinators
// together for one logged-in session. The manager is the only component
// that opens the databases; everything else borrows them through it.
package session
