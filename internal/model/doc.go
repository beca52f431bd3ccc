// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model defines the data model shared by the delivery engine:
// pending (not yet confirmed sent) messages, cached conversations and
// their messages, and transient delivery attempts.
package model
