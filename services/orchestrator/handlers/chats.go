// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/history"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
)

// =============================================================================
// Shared Helpers
// =============================================================================

// currentUserID returns the authenticated user id, aborting with 401 when
// the auth middleware did not run or rejected the request.
func currentUserID(c *gin.Context) (string, bool) {
	info := middleware.GetAuthInfo(c)
	if info == nil || info.UserID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return "", false
	}
	return info.UserID, true
}

// parseChatID parses the :id route parameter, aborting with 400 on garbage.
func parseChatID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}
	return id, true
}

// writeStoreError maps store errors onto HTTP statuses.
func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
	case errors.Is(err, store.ErrSourceQuota):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("chat store operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// =============================================================================
// Chat CRUD
// =============================================================================

// ListChats returns the authenticated user's chats, newest first.
func ListChats(chats *store.ChatStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			return
		}
		list, err := chats.ListByUser(c.Request.Context(), userID)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		if list == nil {
			list = []*datatypes.Chat{}
		}
		c.JSON(http.StatusOK, list)
	}
}

// CreateChat creates a chat for the authenticated user.
func CreateChat(chats *store.ChatStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			return
		}
		var req datatypes.CreateChatRequest
		// An absent body is fine; anything unparseable is not.
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		chat, err := chats.Create(c.Request.Context(), userID, req.Title)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		slog.Info("Created chat", "chat_id", chat.ID, "user_id", userID)
		c.JSON(http.StatusCreated, chat)
	}
}

// GetChat returns one owned chat.
func GetChat(chats *store.ChatStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			return
		}
		id, ok := parseChatID(c)
		if !ok {
			return
		}
		chat, err := chats.Get(c.Request.Context(), userID, id)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, chat)
	}
}

// UpdateChat renames an owned chat.
func UpdateChat(chats *store.ChatStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			return
		}
		id, ok := parseChatID(c)
		if !ok {
			return
		}
		var req datatypes.UpdateChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		chat, err := chats.UpdateTitle(c.Request.Context(), userID, id, req.Title)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, chat)
	}
}

// DeleteChat removes an owned chat and cascades cleanup of its index,
// manifest, history, and uploaded files.
func DeleteChat(chats *store.ChatStore, cleaner *ttl.Cleaner) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			return
		}
		id, ok := parseChatID(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		chat, err := chats.Get(ctx, userID, id)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		if err := chats.Delete(ctx, userID, id); err != nil {
			writeStoreError(c, err)
			return
		}

		// Cleanup is best-effort; the entity is already gone and leftovers
		// are logged inside the cleaner.
		result := cleaner.Cleanup(ctx, id, chat.Sources)
		slog.Info("Deleted chat", "chat_id", id, "user_id", userID, "cleanup_complete", result.Complete())
		c.JSON(http.StatusOK, gin.H{"deleted": id})
	}
}

// GetChatMessages returns the chat's conversation history in client
// vocabulary roles. An expired or empty history is an empty list.
func GetChatMessages(chats *store.ChatStore, hist *history.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			return
		}
		id, ok := parseChatID(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if _, err := chats.Get(ctx, userID, id); err != nil {
			writeStoreError(c, err)
			return
		}

		messages, err := hist.ReadAll(ctx, id)
		if err != nil {
			slog.Error("failed to read chat history", "chat_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read chat history"})
			return
		}
		c.JSON(http.StatusOK, messages)
	}
}
