// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package anthropic provides the client for the hosted Anthropic Messages
// API, the assistant's remote provider.
//
// Authentication uses the x-api-key header plus a pinned anthropic-version.
// Replies stream as Server-Sent Events: content_block_delta events with a
// text_delta payload carry the text, message_stop terminates the stream, and
// every other event type is ignored. The buffered Messages call is used when
// the caller wants the whole reply at once.
//
// ValidateCredential is an offline format check only. The health monitor
// calls it on every remote probe tick, and probing a metered endpoint over
// the network would incur cost for nothing.
package anthropic
