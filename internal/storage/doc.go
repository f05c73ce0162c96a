// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations as JSON files, one per
// conversation, under ~/.stockroom/conversations/.
//
// Files are written atomically (temp file, fsync, rename) so an interrupted
// save leaves the previous record intact. Listing reads every file and
// returns metadata newest-first; corrupted files are skipped rather than
// failing the listing. The store prunes the oldest records past a
// configurable cap after each save.
package storage
