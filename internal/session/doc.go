// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session ties conversations to the chat transport.
//
// A Session owns one conversation and enforces a single in-flight send; the
// Manager owns what sessions share: the transport, the base system prompt,
// memory injection, and write-through persistence. The session layer is
// where streaming deltas become history — the transport only ever sees a
// callback, and history only ever sees completed turns.
package session
