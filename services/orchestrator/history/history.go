// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history persists per-chat conversation logs.
//
// # Description
//
// Each chat's history is an append-only, role-tagged message list stored as
// one JSON value under "chat:{id}:history". The whole entry carries a TTL
// that is refreshed on every append, so an abandoned conversation expires as
// a unit while an active one never does. Reading a missing or expired
// history yields an empty log, never an error.
//
// Messages are stored with internal role markers ("human", "ai", "system")
// and translated to the client vocabulary ("user", "assistant", "system")
// on read.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

// DefaultTTL is how long an untouched history survives. Every append
// restarts the clock.
const DefaultTTL = 7 * 24 * time.Hour

// Stored role markers.
const (
	markerHuman  = "human"
	markerAI     = "ai"
	markerSystem = "system"
)

// storedMessage is the on-disk message shape.
type storedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store reads and writes per-chat conversation history.
//
// Thread Safety: safe for concurrent use; writers to the same chat are
// serialized by the database transaction layer.
type Store struct {
	db  *store.DB
	ttl time.Duration
}

// NewStore creates a history store with DefaultTTL.
func NewStore(db *store.DB) *Store {
	return NewStoreWithTTL(db, DefaultTTL)
}

// NewStoreWithTTL creates a history store with a custom expiry. A zero ttl
// disables expiry.
func NewStoreWithTTL(db *store.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

func historyKey(chatID int64) []byte {
	return []byte(fmt.Sprintf("chat:%d:history", chatID))
}

// Append appends one message with the given client-vocabulary role.
func (s *Store) Append(ctx context.Context, chatID int64, role, content string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return s.append(txn, chatID, storedMessage{Role: toMarker(role), Content: content})
	})
}

// AppendExchange appends a completed user/assistant turn atomically.
//
// # Description
//
// Both messages land in a single transaction: either the full exchange is
// recorded or nothing is. This is the persistence policy for streamed turns,
// where a cancelled or failed generation must leave no half-recorded turn
// behind.
func (s *Store) AppendExchange(ctx context.Context, chatID int64, userInput, assistantReply string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return s.append(txn, chatID,
			storedMessage{Role: markerHuman, Content: userInput},
			storedMessage{Role: markerAI, Content: assistantReply},
		)
	})
}

// ReadAll returns the chat's messages in append order, with roles translated
// to the client vocabulary. A missing or expired history is an empty slice.
func (s *Store) ReadAll(ctx context.Context, chatID int64) ([]datatypes.Message, error) {
	var stored []storedMessage
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		stored, err = readLog(txn, chatID)
		return err
	})
	if err != nil {
		return nil, err
	}

	messages := make([]datatypes.Message, 0, len(stored))
	for _, m := range stored {
		messages = append(messages, datatypes.Message{Role: toRole(m.Role), Content: m.Content})
	}
	return messages, nil
}

// Delete removes a chat's history immediately, without waiting for the TTL.
func (s *Store) Delete(ctx context.Context, chatID int64) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(historyKey(chatID))
	})
}

func (s *Store) append(txn *badger.Txn, chatID int64, msgs ...storedMessage) error {
	log, err := readLog(txn, chatID)
	if err != nil {
		return err
	}
	log = append(log, msgs...)

	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode history for chat %d: %w", chatID, err)
	}

	entry := badger.NewEntry(historyKey(chatID), data)
	if s.ttl > 0 {
		entry = entry.WithTTL(s.ttl)
	}
	return txn.SetEntry(entry)
}

func readLog(txn *badger.Txn, chatID int64) ([]storedMessage, error) {
	item, err := txn.Get(historyKey(chatID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history for chat %d: %w", chatID, err)
	}

	var log []storedMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &log)
	}); err != nil {
		return nil, fmt.Errorf("decode history for chat %d: %w", chatID, err)
	}
	return log, nil
}

func toMarker(role string) string {
	switch role {
	case datatypes.RoleUser:
		return markerHuman
	case datatypes.RoleAssistant:
		return markerAI
	case datatypes.RoleSystem:
		return markerSystem
	default:
		return role
	}
}

func toRole(marker string) string {
	switch marker {
	case markerHuman:
		return datatypes.RoleUser
	case markerAI:
		return datatypes.RoleAssistant
	case markerSystem:
		return datatypes.RoleSystem
	default:
		return marker
	}
}
