// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package health tracks reachability of the configured chat provider for
// the connection indicator.
//
// A Monitor probes on a self-rescheduling timer: a fixed interval while the
// provider is healthy, geometric backoff (5s doubling to a 30s cap) while it
// is not. The state machine starts in Connecting and never returns there;
// failures map to Disconnected until the first success ever, and to
// Reconnecting afterwards, so the indicator can distinguish "never worked"
// from "worked and dropped".
//
// Probes carry sequence numbers. Rescheduling (CheckNow, a settings change)
// issues a new sequence, and a result whose sequence is no longer current is
// discarded, which keeps a slow probe against the old provider from
// overwriting status for the new one.
package health
