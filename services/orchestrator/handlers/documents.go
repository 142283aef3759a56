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
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianBlinder/services/blinder/pipeline"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/vault"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianBlinder/services/retrieval"
	"github.com/AleutianAI/AleutianBlinder/services/retrieval/tabular"
)

// allowedExtensions is the upload allowlist. Everything else is rejected
// before any byte is processed.
var allowedExtensions = map[string]bool{
	".pdf": true, ".docx": true, ".doc": true,
	".xlsx": true, ".xls": true,
	".csv": true, ".txt": true, ".tsv": true,
}

// tabularExtensions get column-mode blinding so every cell of a PII column
// is pseudonymised, not just the cells the detector recognises.
var tabularExtensions = map[string]bool{
	".csv": true, ".tsv": true, ".xlsx": true, ".xls": true,
}

// UploadDocument handles POST /api/sessions/{id}/documents: extract text,
// blind it through the session vault, index the blinded chunks and drop the
// raw text.
func (h *Handlers) UploadDocument(c *gin.Context) {
	session, ok := h.requireSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if c.Request.ContentLength > datatypes.MaxUploadBytes {
		abortDetail(c, http.StatusRequestEntityTooLarge, "file exceeds the 50 MiB upload limit")
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		abortDetail(c, http.StatusUnprocessableEntity, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	if header.Size > datatypes.MaxUploadBytes {
		abortDetail(c, http.StatusRequestEntityTooLarge, "file exceeds the 50 MiB upload limit")
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		abortDetail(c, http.StatusUnprocessableEntity, "unsupported file type: "+ext)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, datatypes.MaxUploadBytes+1))
	if err != nil {
		slog.Error("upload read failed", "filename", header.Filename, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}
	if len(data) > datatypes.MaxUploadBytes {
		abortDetail(c, http.StatusRequestEntityTooLarge, "file exceeds the 50 MiB upload limit")
		return
	}
	if len(data) == 0 {
		abortDetail(c, http.StatusUnprocessableEntity, "file is empty")
		return
	}

	text, err := h.extractText(ctx, header.Filename, ext, data)
	if err != nil {
		slog.Error("text extraction failed", "filename", header.Filename, "error", err)
		abortDetail(c, http.StatusBadGateway, "document text extraction failed")
		return
	}

	doc, err := h.store.CreateDocument(ctx, session.ID, header.Filename, header.Header.Get("Content-Type"), text)
	if err != nil {
		slog.Error("document persistence failed", "filename", header.Filename, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}

	v, err := h.loadVault(ctx, session)
	if err != nil {
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}
	defer v.Destroy()
	known := pseudonymSet(v)
	before := v.CountsByType()

	result, err := h.blindDocument(ctx, ext, text, v)
	if err != nil {
		if hst, isThreat := pipeline.IsHighSeverityThreat(err); isThreat {
			h.metrics.RecordDocument("blocked")
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"detail":  "document blocked: high-severity threats detected",
				"threats": toThreatResponses(hst.Threats),
			})
			return
		}
		slog.Error("document blinding failed", "document_id", doc.ID, "error", err)
		h.metrics.RecordDocument("error")
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}
	for _, threat := range result.Threats {
		h.metrics.RecordThreat(threat.ThreatType, string(threat.Severity))
	}

	if err := h.persistNewVaultEntries(ctx, session.ID, v, known); err != nil {
		slog.Error("vault persistence failed", "session_id", session.ID, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}

	doc, err = h.store.MarkDocumentProcessed(ctx, doc.ID, result.BlindedText, result.PIICount)
	if err != nil {
		slog.Error("document finalisation failed", "document_id", doc.ID, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}

	h.indexChunks(ctx, session.ID, doc.ID, result.BlindedText)
	h.metrics.RecordDocument("success")

	c.JSON(http.StatusCreated, datatypes.DocumentUploadResponse{
		Document:   toDocumentResponse(doc),
		PIISummary: summarizeNewEntities(before, v.CountsByType()),
		Threats:    toThreatResponses(result.Threats),
	})
}

// ListDocuments handles GET /api/sessions/{id}/documents.
func (h *Handlers) ListDocuments(c *gin.Context) {
	session, ok := h.requireSession(c)
	if !ok {
		return
	}
	docs, err := h.store.GetDocuments(c.Request.Context(), session.ID)
	if err != nil {
		slog.Error("document listing failed", "session_id", session.ID, "error", err)
		abortDetail(c, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]datatypes.DocumentResponse, 0, len(docs))
	for i := range docs {
		out = append(out, toDocumentResponse(&docs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

// extractText turns the upload into plain text. Plain-text formats decode
// in process; binary formats go through the extractor sidecar.
func (h *Handlers) extractText(ctx context.Context, filename, ext string, data []byte) (string, error) {
	switch ext {
	case ".txt", ".csv", ".tsv":
		return string(data), nil
	default:
		return h.extractor.Extract(ctx, filename, data)
	}
}

// blindDocument picks the processing mode: column-mode for tabular formats
// whose structure parses, full-document detection otherwise.
func (h *Handlers) blindDocument(ctx context.Context, ext, text string, v *vault.Vault) (pipeline.Result, error) {
	if tabularExtensions[ext] {
		if header, rows, ok := parseTable(ext, text); ok {
			return h.pipeline.ProcessTable(ctx, header, rows, v)
		}
		slog.Warn("tabular file did not parse as a table, using document mode")
	}
	return h.pipeline.ProcessDocument(ctx, text, false, v)
}

// parseTable extracts header and rows from csv/tsv content, or from the
// pipe-delimited text the extractor emits for spreadsheets.
func parseTable(ext, text string) ([]string, [][]string, bool) {
	switch ext {
	case ".csv", ".tsv":
		r := csv.NewReader(strings.NewReader(text))
		if ext == ".tsv" {
			r.Comma = '\t'
		}
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		if err != nil || len(records) < 2 {
			return nil, nil, false
		}
		return records[0], records[1:], true
	default:
		table, ok := tabular.Parse(text)
		if !ok {
			return nil, nil, false
		}
		return table.Header, table.Rows, true
	}
}

// indexChunks chunks and embeds the blinded text for hybrid retrieval.
// Indexing failures degrade retrieval quality but never fail the upload;
// the context builder falls back to document stuffing.
func (h *Handlers) indexChunks(ctx context.Context, sessionID, docID uuid.UUID, blinded string) {
	chunks := retrieval.ChunkText(blinded)
	if len(chunks) == 0 {
		return
	}
	embeddings, err := h.embedder.Embed(ctx, chunks)
	if err != nil {
		slog.Warn("chunk embedding failed, document not indexed",
			"document_id", docID, "error", err)
		return
	}
	if err := h.store.InsertChunks(ctx, sessionID, docID, chunks, embeddings); err != nil {
		slog.Warn("chunk indexing failed", "document_id", docID, "error", err)
	}
}

// summarizeNewEntities diffs the vault's per-type counts across one
// document's processing.
func summarizeNewEntities(before, after map[string]int) map[string]int {
	summary := make(map[string]int)
	for entityType, count := range after {
		if delta := count - before[entityType]; delta > 0 {
			summary[entityType] = delta
		}
	}
	return summary
}

// =============================================================================
// Extractor sidecar client
// =============================================================================

// ExtractorClient talks to the text extraction sidecar that converts PDF
// and Office formats to plain text.
type ExtractorClient struct {
	baseURL string
	http    *http.Client
}

// NewExtractorClient builds a client for the extractor base URL.
func NewExtractorClient(baseURL string) *ExtractorClient {
	return &ExtractorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Extract uploads the file and returns the extracted plain text.
func (e *ExtractorClient) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/extract", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("extractor request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("extractor returned status %d: %s", resp.StatusCode, payload)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("extractor response unreadable: %w", err)
	}
	return out.Text, nil
}
