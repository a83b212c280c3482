// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when a chat does not exist or is owned by a
	// different user. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("chat not found")

	// ErrSourceQuota is returned when attaching sources would exceed
	// datatypes.MaxChatSources. Nothing is attached in that case.
	ErrSourceQuota = fmt.Errorf("a chat can hold at most %d source documents", datatypes.MaxChatSources)
)

// =============================================================================
// ChatStore
// =============================================================================

// ChatStore persists chat entities in the embedded database.
//
// # Description
//
// Chats are stored as JSON under "chat:{id}" with a monotonic id counter
// under "chat:seq". Every operation is owner-scoped: a chat owned by another
// user behaves exactly like a missing chat.
//
// # Thread Safety
//
// Safe for concurrent use. Creation is serialized to keep the id counter
// free of transaction conflicts.
type ChatStore struct {
	db *DB
	mu sync.Mutex
}

// NewChatStore creates a ChatStore on the given database.
func NewChatStore(db *DB) *ChatStore {
	return &ChatStore{db: db}
}

func chatKey(id int64) []byte {
	return []byte(fmt.Sprintf("chat:%d", id))
}

var chatSeqKey = []byte("chat:seq")

// Create stores a new chat for userID and returns it with its assigned id.
// An empty title defaults to "New Chat".
func (s *ChatStore) Create(ctx context.Context, userID, title string) (*datatypes.Chat, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if strings.TrimSpace(title) == "" {
		title = "New Chat"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	chat := &datatypes.Chat{
		UserID:    userID,
		Title:     title,
		Sources:   []datatypes.SourceDocument{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var next int64 = 1
		item, err := txn.Get(chatSeqKey)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &next)
			}); err != nil {
				return fmt.Errorf("decode chat sequence: %w", err)
			}
			next++
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read chat sequence: %w", err)
		}

		chat.ID = next
		seq, _ := json.Marshal(next)
		if err := txn.Set(chatSeqKey, seq); err != nil {
			return fmt.Errorf("write chat sequence: %w", err)
		}
		return s.put(txn, chat)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// Get returns the chat with the given id if it is owned by userID.
func (s *ChatStore) Get(ctx context.Context, userID string, id int64) (*datatypes.Chat, error) {
	var chat *datatypes.Chat
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		chat, err = s.get(txn, userID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// ListByUser returns all chats owned by userID, newest first.
func (s *ChatStore) ListByUser(ctx context.Context, userID string) ([]*datatypes.Chat, error) {
	var chats []*datatypes.Chat
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("chat:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			// The "chat:" keyspace also holds the sequence counter and the
			// per-chat history/sources keys; entity keys are exactly
			// "chat:{digits}".
			rest := strings.TrimPrefix(string(item.Key()), "chat:")
			if rest == "" || strings.ContainsAny(rest, ":") || !isDigits(rest) {
				continue
			}
			var chat datatypes.Chat
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &chat)
			}); err != nil {
				return fmt.Errorf("decode chat %s: %w", item.Key(), err)
			}
			if chat.UserID == userID {
				c := chat
				chats = append(chats, &c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Badger iterates keys lexicographically ("chat:10" before "chat:2"),
	// so creation order must be recovered from the monotonic ids.
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID > chats[j].ID })
	return chats, nil
}

// UpdateTitle renames an owned chat and returns the updated entity.
func (s *ChatStore) UpdateTitle(ctx context.Context, userID string, id int64, title string) (*datatypes.Chat, error) {
	var chat *datatypes.Chat
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var err error
		chat, err = s.get(txn, userID, id)
		if err != nil {
			return err
		}
		chat.Title = title
		chat.UpdatedAt = time.Now().UTC()
		return s.put(txn, chat)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// Delete removes an owned chat entity. Associated history, manifest, and
// vector index are cleaned by ttl.Cleaner, not here.
func (s *ChatStore) Delete(ctx context.Context, userID string, id int64) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := s.get(txn, userID, id); err != nil {
			return err
		}
		return txn.Delete(chatKey(id))
	})
}

// AddSources attaches documents to an owned chat.
//
// # Description
//
// The whole batch is validated against the quota first: if the result would
// exceed datatypes.MaxChatSources, ErrSourceQuota is returned and nothing is
// attached. Duplicate URLs already on the chat are rejected the same way a
// quota breach is, since re-attaching is always a client error.
func (s *ChatStore) AddSources(ctx context.Context, userID string, id int64, srcs []datatypes.SourceDocument) (*datatypes.Chat, error) {
	var chat *datatypes.Chat
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var err error
		chat, err = s.get(txn, userID, id)
		if err != nil {
			return err
		}
		if len(chat.Sources)+len(srcs) > datatypes.MaxChatSources {
			return ErrSourceQuota
		}
		for _, src := range srcs {
			for _, existing := range chat.Sources {
				if existing.URL == src.URL {
					return fmt.Errorf("source %s is already attached", src.URL)
				}
			}
		}
		chat.Sources = append(chat.Sources, srcs...)
		chat.UpdatedAt = time.Now().UTC()
		return s.put(txn, chat)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// RemoveSource detaches the source identified by ref, which may be the full
// source URL or its final path segment (the upload id). The removed document
// is returned so the caller can delete the underlying file.
func (s *ChatStore) RemoveSource(ctx context.Context, userID string, id int64, ref string) (*datatypes.Chat, *datatypes.SourceDocument, error) {
	var chat *datatypes.Chat
	var removed *datatypes.SourceDocument
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var err error
		chat, err = s.get(txn, userID, id)
		if err != nil {
			return err
		}
		kept := chat.Sources[:0]
		for _, src := range chat.Sources {
			if removed == nil && (src.URL == ref || path.Base(src.URL) == ref) {
				r := src
				removed = &r
				continue
			}
			kept = append(kept, src)
		}
		if removed == nil {
			return fmt.Errorf("source %s: %w", ref, ErrNotFound)
		}
		chat.Sources = kept
		chat.UpdatedAt = time.Now().UTC()
		return s.put(txn, chat)
	})
	if err != nil {
		return nil, nil, err
	}
	return chat, removed, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (s *ChatStore) get(txn *badger.Txn, userID string, id int64) (*datatypes.Chat, error) {
	item, err := txn.Get(chatKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read chat %d: %w", id, err)
	}

	var chat datatypes.Chat
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &chat)
	}); err != nil {
		return nil, fmt.Errorf("decode chat %d: %w", id, err)
	}
	if chat.UserID != userID {
		return nil, ErrNotFound
	}
	return &chat, nil
}

func (s *ChatStore) put(txn *badger.Txn, chat *datatypes.Chat) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("encode chat %d: %w", chat.ID, err)
	}
	return txn.Set(chatKey(chat.ID), data)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
