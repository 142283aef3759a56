// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the orchestrator:
// sessions, document ingest, the streaming chat endpoint, audit reporting
// and the model settings surface.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianBlinder/pkg/crypto"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/pipeline"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/sanitizer"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/vault"
	"github.com/AleutianAI/AleutianBlinder/services/llm"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/archive"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/config"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/storage"
	"github.com/AleutianAI/AleutianBlinder/services/retrieval"
)

// Store is the slice of the storage layer the handlers depend on. Satisfied
// by *storage.Store; faked in tests.
type Store interface {
	CreateSession(ctx context.Context, title, domain string) (*storage.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*storage.Session, error)
	ListSessions(ctx context.Context) ([]storage.Session, error)
	UpdateSession(ctx context.Context, id uuid.UUID, title, domain *string) (*storage.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error

	GetVaultEntries(ctx context.Context, sessionID uuid.UUID) ([]storage.VaultRecord, error)
	SaveVaultEntries(ctx context.Context, sessionID uuid.UUID, records []storage.VaultRecord) error
	CountVaultEntriesByType(ctx context.Context, sessionID uuid.UUID) (map[string]int, error)

	CreateDocument(ctx context.Context, sessionID uuid.UUID, filename, contentType, rawText string) (*storage.Document, error)
	MarkDocumentProcessed(ctx context.Context, docID uuid.UUID, blindedText string, piiCount int) (*storage.Document, error)
	GetDocuments(ctx context.Context, sessionID uuid.UUID) ([]storage.Document, error)
	InsertChunks(ctx context.Context, sessionID, documentID uuid.UUID, contents []string, embeddings [][]float32) error
	HasChunks(ctx context.Context, sessionID uuid.UUID) (bool, error)

	CreateMessage(ctx context.Context, msg *storage.Message) (*storage.Message, error)
	GetMessages(ctx context.Context, sessionID uuid.UUID) ([]storage.Message, error)

	AppendAudit(ctx context.Context, rec *storage.AuditRecord) (*storage.AuditRecord, error)
	GetAuditRecords(ctx context.Context, sessionID uuid.UUID) ([]storage.AuditRecord, error)
}

var _ Store = (*storage.Store)(nil)

// Handlers bundles the shared dependencies every endpoint needs. All fields
// are safe for concurrent use; per-request state (the vault above all) is
// created inside each handler.
type Handlers struct {
	cfg       config.Config
	store     Store
	pipeline  *pipeline.Pipeline
	embedder  *retrieval.Embedder
	retriever *retrieval.Retriever
	extractor *ExtractorClient
	settings  *Settings
	metrics   *observability.Metrics
	archiver  *archive.Archiver
	newLLM    func(cfg llm.Config, provider, model string) (llm.Client, error)
}

// New wires the handler set. metrics and archiver may be nil in tests; a
// nil archiver simply disables export archival.
func New(cfg config.Config, store Store, p *pipeline.Pipeline,
	embedder *retrieval.Embedder, retriever *retrieval.Retriever,
	metrics *observability.Metrics, archiver *archive.Archiver) *Handlers {
	return &Handlers{
		cfg:       cfg,
		store:     store,
		pipeline:  p,
		embedder:  embedder,
		retriever: retriever,
		extractor: NewExtractorClient(cfg.ExtractorURL),
		settings:  NewSettings(cfg),
		metrics:   metrics,
		archiver:  archiver,
		newLLM:    llm.Create,
	}
}

// Settings exposes the runtime model settings, mainly for route wiring and
// tests.
func (h *Handlers) Settings() *Settings { return h.settings }

// abortDetail writes the standard error envelope and stops the chain.
func abortDetail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

// sessionID parses the path parameter, answering 422 on garbage.
func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortDetail(c, http.StatusUnprocessableEntity, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

// requireSession loads the session or answers 404/500.
func (h *Handlers) requireSession(c *gin.Context) (*storage.Session, bool) {
	id, ok := sessionID(c)
	if !ok {
		return nil, false
	}
	session, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			abortDetail(c, http.StatusNotFound, "session not found")
		} else {
			slog.Error("session lookup failed", "session_id", id, "error", err)
			abortDetail(c, http.StatusInternalServerError, "internal error")
		}
		return nil, false
	}
	return session, true
}

// loadVault rehydrates the per-request vault for a session: derive the
// session key from the master key and salt, decrypt every stored entry and
// load the bindings. The caller owns the returned vault and must Destroy it.
func (h *Handlers) loadVault(ctx context.Context, session *storage.Session) (*vault.Vault, error) {
	if crypto.WeakMasterKey(h.cfg.MasterKey) {
		return nil, crypto.ErrWeakMasterKey
	}
	key := crypto.DeriveKey(h.cfg.MasterKey, session.Salt)
	v := vault.New(session.Salt, key)

	records, err := h.store.GetVaultEntries(ctx, session.ID)
	if err != nil {
		v.Destroy()
		return nil, err
	}

	entries := make([]vault.Entry, 0, len(records))
	for _, rec := range records {
		realValue, err := v.DecryptValue(rec.EncryptedValue, rec.Nonce)
		if err != nil {
			v.Destroy()
			slog.Error("vault entry decryption failed",
				"session_id", session.ID, "pseudonym", rec.Pseudonym, "error", err)
			return nil, err
		}
		entries = append(entries, vault.Entry{
			EntityType: rec.EntityType,
			Pseudonym:  rec.Pseudonym,
			RealValue:  realValue,
			Aliases:    rec.Aliases,
		})
	}
	v.LoadEntries(entries)
	return v, nil
}

// persistNewVaultEntries encrypts and stores every vault entry minted since
// the request started. known holds the pseudonyms that were already
// persisted when the vault was loaded.
func (h *Handlers) persistNewVaultEntries(ctx context.Context, sessionID uuid.UUID,
	v *vault.Vault, known map[string]bool) error {
	var records []storage.VaultRecord
	for _, entry := range v.Entries() {
		if known[entry.Pseudonym] {
			continue
		}
		ciphertext, nonce, err := v.EncryptValue(entry.RealValue)
		if err != nil {
			return err
		}
		records = append(records, storage.VaultRecord{
			SessionID:      sessionID,
			EntityType:     entry.EntityType,
			Pseudonym:      entry.Pseudonym,
			EncryptedValue: ciphertext,
			Nonce:          nonce,
			Aliases:        entry.Aliases,
		})
	}
	if len(records) == 0 {
		return nil
	}
	if err := h.store.SaveVaultEntries(ctx, sessionID, records); err != nil {
		return err
	}
	byType := make(map[string]int)
	for _, rec := range records {
		byType[rec.EntityType]++
	}
	h.metrics.RecordEntities(byType)
	return nil
}

// pseudonymSet collects the pseudonyms currently in the vault, used to diff
// newly minted entries after processing.
func pseudonymSet(v *vault.Vault) map[string]bool {
	set := make(map[string]bool)
	for _, entry := range v.Entries() {
		set[entry.Pseudonym] = true
	}
	return set
}

// pseudonymLegend renders "pseudonym (TYPE)" lines for the context builder.
func pseudonymLegend(v *vault.Vault) []string {
	entries := v.Entries()
	legend := make([]string, 0, len(entries))
	for _, entry := range entries {
		legend = append(legend, entry.Pseudonym+" ("+entry.EntityType+")")
	}
	return legend
}

// =============================================================================
// Response converters
// =============================================================================

func toSessionResponse(s *storage.Session) datatypes.SessionResponse {
	return datatypes.SessionResponse{
		ID:        s.ID,
		Title:     s.Title,
		Domain:    s.Domain,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func toDocumentResponse(d *storage.Document) datatypes.DocumentResponse {
	return datatypes.DocumentResponse{
		ID:          d.ID,
		SessionID:   d.SessionID,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		PIICount:    d.PIICount,
		Processed:   d.Processed,
		CreatedAt:   d.CreatedAt,
	}
}

func toThreatResponses(threats []sanitizer.Threat) []datatypes.ThreatResponse {
	out := make([]datatypes.ThreatResponse, 0, len(threats))
	for _, t := range threats {
		out = append(out, datatypes.ThreatResponse{
			ThreatType:  t.ThreatType,
			Description: t.Description,
			Severity:    string(t.Severity),
		})
	}
	return out
}

func toMessageResponse(m *storage.Message) datatypes.MessageResponse {
	resp := datatypes.MessageResponse{
		ID:             m.ID,
		SessionID:      m.SessionID,
		Role:           m.Role,
		LawyerContent:  m.LawyerContent,
		BlindedContent: m.BlindedContent,
		CreatedAt:      m.CreatedAt,
	}
	if len(m.Threats) > 0 {
		if err := json.Unmarshal(m.Threats, &resp.ThreatsDetected); err != nil {
			slog.Warn("stored threats unreadable", "message_id", m.ID, "error", err)
		}
	}
	if len(m.Citations) > 0 {
		if err := json.Unmarshal(m.Citations, &resp.Citations); err != nil {
			slog.Warn("stored citations unreadable", "message_id", m.ID, "error", err)
		}
	}
	return resp
}
