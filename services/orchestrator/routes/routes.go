// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes maps the HTTP surface onto the handler set.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/handlers"
)

// SetupRoutes registers every endpoint. Middleware (CORS, rate limiting,
// tracing) is attached by the caller before this runs.
func SetupRoutes(router *gin.Engine, h *handlers.Handlers) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		sessions := api.Group("/sessions")
		{
			sessions.POST("", h.CreateSession)
			sessions.GET("", h.ListSessions)
			sessions.GET("/:id", h.GetSession)
			sessions.PATCH("/:id", h.UpdateSession)
			sessions.DELETE("/:id", h.DeleteSession)

			sessions.POST("/:id/documents", h.UploadDocument)
			sessions.GET("/:id/documents", h.ListDocuments)

			sessions.POST("/:id/chat", h.Chat)
			sessions.GET("/:id/chat/history", h.ChatHistory)

			sessions.GET("/:id/audit", h.AuditSummary)
			sessions.GET("/:id/audit/export", h.AuditExport)
		}

		models := api.Group("/models")
		{
			models.GET("", h.ListModels)
			models.GET("/settings", h.GetModelSettings)
			models.POST("/settings", h.UpdateModelSettings)
		}
	}
}
