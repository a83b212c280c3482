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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/uploads"
)

// AddChatSources attaches uploaded documents to an owned chat.
//
// # Description
//
// Accepts multipart form uploads under the "files" field. The whole batch
// is validated before anything is stored: every file must be a PDF, and the
// resulting source count must stay within the per-chat cap. A batch that
// would exceed the cap is rejected outright with 400 and attaches nothing.
// The index itself is rebuilt lazily at the next turn, when the manifest
// diff is detected.
func AddChatSources(chats *store.ChatStore, files *uploads.Service) gin.HandlerFunc {
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

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}
		headers := form.File["files"]
		if len(headers) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
			return
		}

		// Validate the whole batch before storing anything.
		if len(chat.Sources)+len(headers) > datatypes.MaxChatSources {
			c.JSON(http.StatusBadRequest, gin.H{"error": store.ErrSourceQuota.Error()})
			return
		}
		for _, h := range headers {
			if err := uploads.CheckPDF(h.Filename, h.Header.Get("Content-Type")); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		stored := make([]datatypes.SourceDocument, 0, len(headers))
		rollback := func() {
			for _, src := range stored {
				if err := files.RemoveByURL(src.URL); err != nil {
					slog.Warn("failed to roll back upload", "url", src.URL, "error", err)
				}
			}
		}
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				rollback()
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
				return
			}
			src, err := files.Store(h.Filename, h.Header.Get("Content-Type"), f)
			f.Close()
			if err != nil {
				rollback()
				slog.Error("failed to store upload", "filename", h.Filename, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
				return
			}
			stored = append(stored, src)
		}

		chat, err = chats.AddSources(ctx, userID, id, stored)
		if err != nil {
			rollback()
			writeStoreError(c, err)
			return
		}

		slog.Info("Attached sources to chat", "chat_id", id, "count", len(stored))
		c.JSON(http.StatusOK, chat)
	}
}

// RemoveChatSource detaches one source from an owned chat and deletes its
// stored file. The :sourceId parameter is the upload filename or the full
// source URL.
func RemoveChatSource(chats *store.ChatStore, files *uploads.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			return
		}
		id, ok := parseChatID(c)
		if !ok {
			return
		}
		ref := c.Param("sourceId")
		if ref == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source id is required"})
			return
		}

		chat, removed, err := chats.RemoveSource(c.Request.Context(), userID, id, ref)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
				return
			}
			writeStoreError(c, err)
			return
		}

		if err := files.RemoveByURL(removed.URL); err != nil {
			slog.Warn("failed to remove stored upload", "url", removed.URL, "error", err)
		}

		slog.Info("Detached source from chat", "chat_id", id, "url", removed.URL)
		c.JSON(http.StatusOK, chat)
	}
}
