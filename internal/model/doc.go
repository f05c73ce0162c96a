// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// A Conversation is an append-only, ordered list of Messages plus identity
// and timestamps. Messages are value types and are treated as immutable once
// appended; the streaming accumulation for an in-flight assistant reply lives
// in the session layer, not here.
//
// MemoryItem carries externally stored user facts that the session layer
// injects (read-only) into the system prompt.
package model
