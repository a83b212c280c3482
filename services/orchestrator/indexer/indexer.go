// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package indexer maintains the per-chat document vector indexes.
//
// # Description
//
// Each chat owns one vector class holding embedded chunks of its source
// documents. The indexer keeps the class consistent with the chat's current
// source set via a manifest of sorted, deduplicated source URLs persisted in
// the embedded database. On sync, a matching manifest plus an existing class
// means nothing to do; any difference triggers a full purge and rebuild.
//
// A full rebuild rather than incremental diffing keeps the index trivially
// consistent with chunking and embedding parameters at the cost of re-work,
// which is acceptable at a cap of three documents per chat.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

var tracer = otel.Tracer("aleutian.chat.indexer")

// ErrNoIndex is returned by Query when the chat has no synced index.
var ErrNoIndex = errors.New("no documents indexed for this chat")

// Indexer synchronizes and queries per-chat document indexes.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Sync calls for the same chat collapse
// into a single resync via singleflight; callers all observe its result.
type Indexer struct {
	index    VectorIndex
	embedder llm.Embedder
	db       *store.DB
	fetcher  *sourceFetcher
	group    singleflight.Group
}

// New creates an Indexer.
//
// # Inputs
//
//   - index: Vector storage backend.
//   - embedder: Embedding provider for chunks and queries.
//   - db: Embedded database holding source manifests.
//   - uploadDir: Directory backing server-local source URLs.
func New(index VectorIndex, embedder llm.Embedder, db *store.DB, uploadDir string) *Indexer {
	return &Indexer{
		index:    index,
		embedder: embedder,
		db:       db,
		fetcher:  newSourceFetcher(uploadDir),
	}
}

// =============================================================================
// Manifest
// =============================================================================

func manifestKey(chatID int64) []byte {
	return []byte(fmt.Sprintf("chat:%d:sources", chatID))
}

// computeManifest reduces a source set to its canonical manifest: URLs
// sorted and deduplicated. Order and repetition of attachment do not affect
// index identity.
func computeManifest(sources []datatypes.SourceDocument) []string {
	seen := make(map[string]struct{}, len(sources))
	urls := make([]string, 0, len(sources))
	for _, src := range sources {
		if _, dup := seen[src.URL]; dup {
			continue
		}
		seen[src.URL] = struct{}{}
		urls = append(urls, src.URL)
	}
	sort.Strings(urls)
	return urls
}

func manifestsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (ix *Indexer) loadManifest(ctx context.Context, chatID int64) ([]string, bool, error) {
	var manifest []string
	found := false
	err := ix.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(chatID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read manifest for chat %d: %w", chatID, err)
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &manifest)
		})
	})
	if err != nil {
		return nil, false, err
	}
	return manifest, found, nil
}

func (ix *Indexer) saveManifest(ctx context.Context, chatID int64, manifest []string) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest for chat %d: %w", chatID, err)
	}
	return ix.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(manifestKey(chatID), data)
	})
}

// =============================================================================
// Sync
// =============================================================================

// Sync brings the chat's index in line with its current source set.
//
// # Description
//
// No-op when the index class exists and the stored manifest matches the
// canonical manifest of sources. Otherwise the class is purged and rebuilt:
// every source is fetched, parsed, split, and embedded, and the new manifest
// is persisted. A document that fails to fetch or parse is logged and
// skipped; the index is still marked synced so one bad URL cannot wedge the
// chat into resyncing forever. An empty source set is valid and yields an
// empty, synced index.
//
// # Limitations
//
//   - A resync is only as current as the source set passed in; callers
//     resync at turn start, not on attachment.
func (ix *Indexer) Sync(ctx context.Context, chatID int64, sources []datatypes.SourceDocument) error {
	ctx, span := tracer.Start(ctx, "indexer.Sync")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat.id", chatID), attribute.Int("chat.sources", len(sources)))

	manifest := computeManifest(sources)

	// Collapse concurrent resyncs of the same chat.
	_, err, _ := ix.group.Do(strconv.FormatInt(chatID, 10), func() (interface{}, error) {
		return nil, ix.sync(ctx, chatID, sources, manifest)
	})
	return err
}

func (ix *Indexer) sync(ctx context.Context, chatID int64, sources []datatypes.SourceDocument, manifest []string) error {
	class := datatypes.SourceClassName(chatID)

	exists, err := ix.index.Exists(ctx, class)
	if err != nil {
		return fmt.Errorf("check index for chat %d: %w", chatID, err)
	}
	stored, found, err := ix.loadManifest(ctx, chatID)
	if err != nil {
		return err
	}
	if exists && found && manifestsEqual(stored, manifest) {
		return nil
	}

	slog.Info("Rebuilding chat source index",
		"chat_id", chatID,
		"sources", len(manifest),
		"index_existed", exists)

	if err := ix.index.Drop(ctx, class); err != nil {
		return fmt.Errorf("purge index for chat %d: %w", chatID, err)
	}
	if err := ix.index.EnsureClass(ctx, class); err != nil {
		return fmt.Errorf("create index for chat %d: %w", chatID, err)
	}

	// Dedup by URL the same way the manifest does.
	indexed := make(map[string]struct{}, len(sources))
	var chunks []Chunk
	for _, src := range sources {
		if _, done := indexed[src.URL]; done {
			continue
		}
		indexed[src.URL] = struct{}{}

		data, err := ix.fetcher.fetch(ctx, src.URL)
		if err != nil {
			slog.Warn("Skipping source document", "chat_id", chatID, "url", src.URL, "error", err)
			continue
		}
		docChunks, err := loadChunks(ctx, src, data)
		if err != nil {
			slog.Warn("Skipping unparseable source document", "chat_id", chatID, "url", src.URL, "error", err)
			continue
		}
		chunks = append(chunks, docChunks...)
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := ix.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed sources for chat %d: %w", chatID, err)
		}
		for i := range chunks {
			chunks[i].Vector = vectors[i]
		}
		if err := ix.index.Insert(ctx, class, chunks); err != nil {
			return fmt.Errorf("index sources for chat %d: %w", chatID, err)
		}
	}

	// Persisted even for an empty or partially failed build: the index now
	// reflects this source set.
	if err := ix.saveManifest(ctx, chatID, manifest); err != nil {
		return err
	}

	slog.Info("Chat source index rebuilt", "chat_id", chatID, "chunks", len(chunks))
	return nil
}

// =============================================================================
// Query
// =============================================================================

// Query retrieves the topK chunks most similar to the query text.
func (ix *Indexer) Query(ctx context.Context, chatID int64, query string, topK int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "indexer.Query")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat.id", chatID))

	class := datatypes.SourceClassName(chatID)
	exists, err := ix.index.Exists(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("check index for chat %d: %w", chatID, err)
	}
	if !exists {
		return nil, ErrNoIndex
	}

	vector, err := ix.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ix.index.Search(ctx, class, vector, topK)
}

// =============================================================================
// Drop
// =============================================================================

// Drop removes the chat's index class and manifest. Used when a chat is
// deleted; dropping an absent index is a no-op.
func (ix *Indexer) Drop(ctx context.Context, chatID int64) error {
	class := datatypes.SourceClassName(chatID)
	if err := ix.index.Drop(ctx, class); err != nil {
		return fmt.Errorf("drop index for chat %d: %w", chatID, err)
	}
	return ix.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(manifestKey(chatID))
	})
}
