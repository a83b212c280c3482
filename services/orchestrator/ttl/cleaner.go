// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl provides lifecycle cleanup for chat data.
//
// # Description
//
// Conversation history carries a rolling TTL in the embedded database and
// expires on its own. Everything else a chat accumulates — its vector index
// class, its source manifest, its uploaded files — has no natural expiry and
// must be removed explicitly when the chat is deleted. This package owns
// that cascade.
package ttl

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// =============================================================================
// Interfaces
// =============================================================================

// IndexDropper removes a chat's vector index and manifest.
type IndexDropper interface {
	Drop(ctx context.Context, chatID int64) error
}

// HistoryDeleter removes a chat's conversation history ahead of its TTL.
type HistoryDeleter interface {
	Delete(ctx context.Context, chatID int64) error
}

// UploadRemover deletes a stored upload by its URL.
type UploadRemover interface {
	RemoveByURL(url string) error
}

// =============================================================================
// Cleaner
// =============================================================================

// CleanupResult reports which parts of the cascade succeeded.
type CleanupResult struct {
	IndexDropped    bool
	HistoryDeleted  bool
	UploadsRemoved  int
	UploadsAttempts int
}

// Complete reports whether every step of the cascade succeeded.
func (r CleanupResult) Complete() bool {
	return r.IndexDropped && r.HistoryDeleted && r.UploadsRemoved == r.UploadsAttempts
}

// Cleaner cascades deletion of a chat's derived data.
//
// # Description
//
// Each step runs independently and best-effort: a Weaviate outage must not
// stop history deletion, and vice versa. Failures are logged and reflected
// in the CleanupResult; the chat entity itself is deleted by the caller
// before the cascade runs, so a partial cascade leaves only orphaned data
// that a re-run or the history TTL eventually clears.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cleaner struct {
	index   IndexDropper
	history HistoryDeleter
	uploads UploadRemover
}

// NewCleaner creates a Cleaner. uploads may be nil when upload files are
// managed elsewhere.
func NewCleaner(index IndexDropper, history HistoryDeleter, uploads UploadRemover) *Cleaner {
	return &Cleaner{index: index, history: history, uploads: uploads}
}

// Cleanup removes the chat's index, manifest, history, and local upload
// files. sources is the chat's source list as of deletion.
func (c *Cleaner) Cleanup(ctx context.Context, chatID int64, sources []datatypes.SourceDocument) CleanupResult {
	result := CleanupResult{}

	if err := c.index.Drop(ctx, chatID); err != nil {
		slog.Error("Failed to drop chat index", "chat_id", chatID, "error", err)
	} else {
		result.IndexDropped = true
	}

	if err := c.history.Delete(ctx, chatID); err != nil {
		slog.Error("Failed to delete chat history", "chat_id", chatID, "error", err)
	} else {
		result.HistoryDeleted = true
	}

	if c.uploads != nil {
		for _, src := range sources {
			result.UploadsAttempts++
			if err := c.uploads.RemoveByURL(src.URL); err != nil {
				slog.Warn("Failed to remove uploaded source", "chat_id", chatID, "url", src.URL, "error", err)
				continue
			}
			result.UploadsRemoved++
		}
	}

	if !result.Complete() {
		slog.Warn("Chat cleanup finished with leftovers", "chat_id", chatID,
			"index_dropped", result.IndexDropped,
			"history_deleted", result.HistoryDeleted,
			"uploads_removed", result.UploadsRemoved,
			"uploads_attempted", result.UploadsAttempts)
	}
	return result
}
