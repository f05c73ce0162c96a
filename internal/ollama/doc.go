// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the local Ollama model server.
//
// The client covers the three operations the assistant needs: a liveness
// probe (ListModels, which also reports the installed model inventory),
// non-streaming chat, and NDJSON streaming chat. Streaming responses arrive
// one JSON object per line; StreamReader buffers complete lines before
// decoding, skips malformed lines, and stops at done:true or EOF.
//
// Cancellation is context-driven. A cancelled stream surfaces the context's
// error (checkable with errors.Is against context.Canceled), which higher
// layers use to distinguish a user-initiated stop from a transport failure.
package ollama
