// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package settings persists the assistant's provider configuration.
//
// The record lives at ~/.stockroom/assistant.toml and selects between a
// local model server and the hosted remote API, along with endpoints,
// model identifiers, and the remote credential. The Store is deliberately
// forgiving on the read side: a missing or corrupt file yields defaults
// rather than an error, so the assistant always starts. Writes go through
// a merge-then-atomic-replace path so concurrent readers never observe a
// torn record, and the file is kept at mode 0600 because it can carry a
// credential.
//
// A Watcher built on fsnotify notifies interested components (the health
// monitor in particular) when the file changes underneath them.
package settings
