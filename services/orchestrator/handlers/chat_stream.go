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
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

var tracer = otel.Tracer("aleutian.chat.handlers")

// keepAliveInterval is how long a stream may sit idle before a comment
// frame is written. Overridden in tests.
var keepAliveInterval = 15 * time.Second

// StreamChatMessage handles POST /v1/chats/:id/messages/stream.
//
// # Description
//
// Runs one streamed conversation turn over SSE. Validation failures (bad
// chat id, foreign chat, empty input) are answered as plain JSON errors
// before any stream bytes are written; once streaming starts, failures
// arrive as {"error": ...} frames instead. The response is a sequence of
// data-only SSE frames:
//
//	data: {"started":true}
//	data: {"content":"..."}     (repeated)
//	data: {"done":true}         (or data: {"error":"..."})
//
// While the stream is idle an SSE comment frame (": keepalive") is written
// periodically so intermediary proxies keep the connection open.
//
// # Inputs (HTTP)
//
//   - :id — the chat id; must be owned by the authenticated user.
//   - Body — JSON {"content": "..."} ({"message": ...} also accepted).
//
// # Limitations
//
//   - One turn per request; concurrent turns on one chat race on history
//     order but never corrupt it.
func StreamChatMessage(chats *store.ChatStore, turns services.TurnStreamer) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			return
		}
		id, ok := parseChatID(c)
		if !ok {
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "handlers.StreamChatMessage")
		defer span.End()
		span.SetAttributes(attribute.Int64("chat.id", id))

		chat, err := chats.Get(ctx, userID, id)
		if err != nil {
			writeStoreError(c, err)
			return
		}

		var req datatypes.TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		events, err := turns.StreamTurn(ctx, chat, req.Text())
		if err != nil {
			if errors.Is(err, services.ErrEmptyMessage) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "message content must not be empty"})
				return
			}
			slog.Error("failed to start turn", "chat_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start turn"})
			return
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		keepalive := time.NewTicker(keepAliveInterval)
		defer keepalive.Stop()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := writer.WriteEvent(event); err != nil {
					// Client went away mid-stream; cancelling the request
					// context (gin does this on disconnect) stops the turn.
					slog.Info("client disconnected during stream", "chat_id", id, "error", err)
					return
				}
			case <-keepalive.C:
				// Comment frames keep proxies from timing out an idle
				// connection while the model is still thinking.
				if err := writer.WriteKeepAlive(); err != nil {
					slog.Info("client disconnected during keepalive", "chat_id", id, "error", err)
					return
				}
			}
		}
	}
}
