// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the chat entities and the request/event types of the
// streaming turn protocol.
package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxChatSources is the maximum number of source documents per chat.
	MaxChatSources = 3

	// MaxMessageContentBytes is the maximum size of a single user message.
	// Checked in bytes, not runes, to bound memory use.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxTitleBytes is the maximum chat title length.
	MaxTitleBytes = 256
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("maxtitlebytes", validateMaxTitleBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// validateMaxTitleBytes validates that a string field does not exceed
// MaxTitleBytes.
func validateMaxTitleBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxTitleBytes
}

// =============================================================================
// Chat Entities
// =============================================================================

// Chat represents a persisted conversation owned by a single user.
//
// # Description
//
// A chat carries a title, the set of source documents grounding its retrieval
// index, and bookkeeping timestamps. Message history is stored separately
// (see the history package) and expires independently; the chat entity
// itself lives until deleted.
//
// # Fields
//
//   - ID: Monotonic identifier assigned by the chat store.
//   - UserID: Owner. All reads and writes are scoped to this user.
//   - Title: Display title. Defaults to "New Chat" when empty on create.
//   - Sources: Attached documents, at most MaxChatSources.
type Chat struct {
	ID        int64            `json:"id"`
	UserID    string           `json:"user_id"`
	Title     string           `json:"title"`
	Sources   []SourceDocument `json:"sources"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// SourceDocument describes one document attached to a chat.
//
// URL is either a server-local upload path (leading slash) or an absolute
// http(s) URL. Name is the original filename, MIME the detected content type.
type SourceDocument struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	MIME string `json:"mime"`
}

// SourceClassName returns the Weaviate class holding the vector index for one
// chat. Each chat gets its own class so a purge-and-rebuild stays isolated.
func SourceClassName(chatID int64) string {
	return fmt.Sprintf("ChatSources%d", chatID)
}

// =============================================================================
// Messages
// =============================================================================

// Conversation roles as exposed to API clients.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single conversation entry as returned to clients.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// Streaming Turn Events
// =============================================================================

// TurnEvent is one frame of the streaming turn protocol.
//
// # Description
//
// Exactly one field is populated per event. The wire shapes are
// {"started":true}, {"content":"..."}, {"done":true} and {"error":"..."}.
// A stream carries one started event, zero or more content events, and
// exactly one terminal event (done or error).
type TurnEvent struct {
	Started bool   `json:"started,omitempty"`
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e TurnEvent) Terminal() bool {
	return e.Done || e.Error != ""
}

// =============================================================================
// API Request Types
// =============================================================================

// CreateChatRequest is the body of POST /v1/chats.
type CreateChatRequest struct {
	Title string `json:"title" validate:"maxtitlebytes"`
}

// Validate validates the CreateChatRequest fields.
func (r *CreateChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// UpdateChatRequest is the body of PUT /v1/chats/:id.
type UpdateChatRequest struct {
	Title string `json:"title" validate:"required,maxtitlebytes"`
}

// Validate validates the UpdateChatRequest fields.
func (r *UpdateChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// TurnRequest is the body of the streaming message endpoint.
//
// The original web client sent the field as "message"; newer clients send
// "content". Both are accepted and trimmed.
type TurnRequest struct {
	Content string `json:"content" validate:"maxbytes"`
	Message string `json:"message" validate:"maxbytes"`
}

// Validate validates the TurnRequest fields.
func (r *TurnRequest) Validate() error {
	return chatValidate.Struct(r)
}

// Text returns the trimmed user input, preferring "content" over "message".
// An empty result means the request carries no usable input.
func (r TurnRequest) Text() string {
	if s := strings.TrimSpace(r.Content); s != "" {
		return s
	}
	return strings.TrimSpace(r.Message)
}
