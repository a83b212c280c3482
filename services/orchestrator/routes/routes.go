// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the orchestrator's HTTP surface.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/history"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/uploads"
)

// Deps carries everything the route tree needs.
type Deps struct {
	Auth    extensions.AuthProvider
	Chats   *store.ChatStore
	History *history.Store
	Files   *uploads.Service
	Cleaner *ttl.Cleaner
	Turns   services.TurnStreamer
}

// SetupRoutes registers all HTTP routes on the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.Static("/uploads", deps.Files.Dir())

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.Auth))
	{
		chats := v1.Group("/chats")
		{
			chats.GET("", handlers.ListChats(deps.Chats))
			chats.POST("", handlers.CreateChat(deps.Chats))
			chats.GET("/:id", handlers.GetChat(deps.Chats))
			chats.PUT("/:id", handlers.UpdateChat(deps.Chats))
			chats.DELETE("/:id", handlers.DeleteChat(deps.Chats, deps.Cleaner))
			chats.GET("/:id/messages", handlers.GetChatMessages(deps.Chats, deps.History))
			chats.POST("/:id/messages/stream", handlers.StreamChatMessage(deps.Chats, deps.Turns))
			chats.POST("/:id/sources", handlers.AddChatSources(deps.Chats, deps.Files))
			chats.DELETE("/:id/sources/:sourceId", handlers.RemoveChatSource(deps.Chats, deps.Files))
		}
	}
}
