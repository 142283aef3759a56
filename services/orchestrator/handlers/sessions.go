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

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/contextbuilder"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/storage"
)

// CreateSession handles POST /api/sessions.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req datatypes.SessionCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		abortDetail(c, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		abortDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	title := req.Title
	if title == "" {
		title = "New Session"
	}
	domain := req.Domain
	if domain == "" {
		domain = "general"
	}
	if !contextbuilder.IsSupportedDomain(domain) {
		abortDetail(c, http.StatusUnprocessableEntity, "unsupported domain: "+domain)
		return
	}

	session, err := h.store.CreateSession(c.Request.Context(), title, domain)
	if err != nil {
		slog.Error("session creation failed", "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(session))
}

// ListSessions handles GET /api/sessions.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		slog.Error("session listing failed", "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}
	out := datatypes.SessionList{Sessions: make([]datatypes.SessionResponse, 0, len(sessions))}
	for i := range sessions {
		out.Sessions = append(out.Sessions, toSessionResponse(&sessions[i]))
	}
	c.JSON(http.StatusOK, out)
}

// GetSession handles GET /api/sessions/{id}.
func (h *Handlers) GetSession(c *gin.Context) {
	session, ok := h.requireSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(session))
}

// UpdateSession handles PATCH /api/sessions/{id}.
func (h *Handlers) UpdateSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	var req datatypes.SessionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		abortDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.Domain != nil && !contextbuilder.IsSupportedDomain(*req.Domain) {
		abortDetail(c, http.StatusUnprocessableEntity, "unsupported domain: "+*req.Domain)
		return
	}

	session, err := h.store.UpdateSession(c.Request.Context(), id, req.Title, req.Domain)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			abortDetail(c, http.StatusNotFound, "session not found")
		} else {
			slog.Error("session update failed", "session_id", id, "error", err)
			abortDetail(c, http.StatusInternalServerError, "internal error")
		}
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(session))
}

// DeleteSession handles DELETE /api/sessions/{id}. Vault entries,
// documents, chunks, messages and audit records cascade with the row.
func (h *Handlers) DeleteSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteSession(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			abortDetail(c, http.StatusNotFound, "session not found")
		} else {
			slog.Error("session deletion failed", "session_id", id, "error", err)
			abortDetail(c, http.StatusInternalServerError, "internal error")
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
