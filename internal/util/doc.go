// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across relaykit: crash-safe
// file writing and UTF-8 safe string truncation.
package util
