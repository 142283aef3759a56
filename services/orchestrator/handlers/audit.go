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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

const integrityNote = "Each audit log entry includes a SHA-256 hash of its payload. " +
	"Verify with: echo -n '<payload_blinded>' | sha256sum"

// AuditSummary handles GET /api/sessions/{id}/audit.
func (h *Handlers) AuditSummary(c *gin.Context) {
	session, ok := h.requireSession(c)
	if !ok {
		return
	}
	records, err := h.store.GetAuditRecords(c.Request.Context(), session.ID)
	if err != nil {
		slog.Error("audit load failed", "session_id", session.ID, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}

	summary := datatypes.AuditSummaryResponse{
		SessionID:    session.ID,
		TotalEvents:  len(records),
		EventsByType: make(map[string]int),
	}
	for _, rec := range records {
		summary.EventsByType[rec.EventType]++
		summary.TotalTokens += rec.TokenEstimate
	}
	c.JSON(http.StatusOK, summary)
}

// =============================================================================
// Export
// =============================================================================

type auditExportLog struct {
	ID                  uuid.UUID      `json:"id"`
	EventType           string         `json:"event_type"`
	Provider            string         `json:"provider,omitempty"`
	Model               string         `json:"model,omitempty"`
	PayloadBlinded      string         `json:"payload_blinded"`
	PayloadHash         string         `json:"payload_hash"`
	PayloadHashVerified bool           `json:"payload_hash_verified"`
	TokenEstimate       int            `json:"token_estimate,omitempty"`
	Metadata            map[string]any `json:"metadata"`
	CreatedAt           time.Time      `json:"created_at"`
}

type auditExportMessage struct {
	ID             uuid.UUID `json:"id"`
	Role           string    `json:"role"`
	BlindedContent string    `json:"blinded_content"`
	CreatedAt      time.Time `json:"created_at"`
}

type auditExportDocument struct {
	ID        uuid.UUID `json:"id"`
	Filename  string    `json:"filename"`
	PIICount  int       `json:"pii_count"`
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"created_at"`
}

type auditExportVaultStats struct {
	TotalEntities  int            `json:"total_entities"`
	EntitiesByType map[string]int `json:"entities_by_type"`
}

type auditExportReport struct {
	ReportType    string                     `json:"report_type"`
	Version       string                     `json:"version"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	Session       datatypes.SessionResponse  `json:"session"`
	AuditLogs     []auditExportLog           `json:"audit_logs"`
	Messages      []auditExportMessage       `json:"messages"`
	Documents     []auditExportDocument      `json:"documents"`
	VaultStats    auditExportVaultStats      `json:"vault_stats"`
	IntegrityNote string                     `json:"integrity_note"`
}

// AuditExport handles GET /api/sessions/{id}/audit/export: a downloadable
// JSON report proving exactly what crossed the trust boundary. Every
// payload hash is recomputed at export time so tampering with the stored
// rows is visible.
func (h *Handlers) AuditExport(c *gin.Context) {
	session, ok := h.requireSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	records, err := h.store.GetAuditRecords(ctx, session.ID)
	if err != nil {
		slog.Error("audit load failed", "session_id", session.ID, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}
	messages, err := h.store.GetMessages(ctx, session.ID)
	if err != nil {
		slog.Error("message load failed", "session_id", session.ID, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}
	documents, err := h.store.GetDocuments(ctx, session.ID)
	if err != nil {
		slog.Error("document load failed", "session_id", session.ID, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}
	entityCounts, err := h.store.CountVaultEntriesByType(ctx, session.ID)
	if err != nil {
		slog.Error("vault stats failed", "session_id", session.ID, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}

	report := auditExportReport{
		ReportType:    "blinder_audit_export",
		Version:       "1.0",
		GeneratedAt:   time.Now().UTC(),
		Session:       toSessionResponse(session),
		AuditLogs:     make([]auditExportLog, 0, len(records)),
		Messages:      make([]auditExportMessage, 0, len(messages)),
		Documents:     make([]auditExportDocument, 0, len(documents)),
		IntegrityNote: integrityNote,
	}

	for _, rec := range records {
		report.AuditLogs = append(report.AuditLogs, auditExportLog{
			ID:                  rec.ID,
			EventType:           rec.EventType,
			Provider:            rec.Provider,
			Model:               rec.Model,
			PayloadBlinded:      rec.PayloadBlinded,
			PayloadHash:         rec.PayloadHash,
			PayloadHashVerified: verifyPayloadHash(rec.PayloadBlinded, rec.PayloadHash),
			TokenEstimate:       rec.TokenEstimate,
			Metadata:            rec.Metadata,
			CreatedAt:           rec.CreatedAt,
		})
	}
	for _, m := range messages {
		report.Messages = append(report.Messages, auditExportMessage{
			ID:             m.ID,
			Role:           m.Role,
			BlindedContent: m.BlindedContent,
			CreatedAt:      m.CreatedAt,
		})
	}
	for _, d := range documents {
		report.Documents = append(report.Documents, auditExportDocument{
			ID:        d.ID,
			Filename:  d.Filename,
			PIICount:  d.PIICount,
			Processed: d.Processed,
			CreatedAt: d.CreatedAt,
		})
	}
	report.VaultStats.EntitiesByType = entityCounts
	for _, n := range entityCounts {
		report.VaultStats.TotalEntities += n
	}

	if h.archiver.Enabled() {
		go func() {
			archiveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.archiver.StoreExport(archiveCtx, session.ID, report); err != nil {
				slog.Warn("audit export archival failed", "session_id", session.ID, "error", err)
			}
		}()
	}

	c.Header("Content-Disposition",
		`attachment; filename="blinder_audit_`+session.ID.String()+`.json"`)
	c.JSON(http.StatusOK, report)
}

func verifyPayloadHash(payload, storedHash string) bool {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]) == storedHash
}
