// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway is the façade the session layer talks to. It hides which
// provider is active: callers hand over history, a system prompt, and a
// delta callback, and the gateway handles provider selection, wire format
// conversion, and system prompt placement (leading system message for the
// local provider, out-of-band field for the remote one).
//
// Settings are re-read on every call. There is deliberately no caching of
// clients across calls; both underlying clients are cheap to construct and
// a stale credential or endpoint must never outlive a settings save.
package gateway
