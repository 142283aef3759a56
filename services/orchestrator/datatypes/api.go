// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request and response structures for the
// orchestrator's HTTP surface. Validation uses go-playground/validator with
// custom checks for provider names and API key formats.
package datatypes

import (
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxChatMessageBytes is the largest accepted chat message.
	MaxChatMessageBytes = 100_000

	// MaxTitleLength bounds session titles.
	MaxTitleLength = 255

	// MaxDomainLength bounds domain identifiers.
	MaxDomainLength = 50

	// MaxUploadBytes is the document upload size limit.
	MaxUploadBytes = 50 << 20
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var (
	apiValidate *validator.Validate

	openaiKeyRe    = regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`)
	anthropicKeyRe = regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{20,}$`)
)

func init() {
	apiValidate = validator.New()
	_ = apiValidate.RegisterValidation("openai_key", func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		return v == "" || openaiKeyRe.MatchString(v)
	})
	_ = apiValidate.RegisterValidation("anthropic_key", func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		return v == "" || anthropicKeyRe.MatchString(v)
	})
}

// =============================================================================
// Sessions
// =============================================================================

// SessionCreateRequest is the body of POST /api/sessions. An empty title
// defaults to "New Session" in the handler.
type SessionCreateRequest struct {
	Title  string `json:"title" validate:"max=255"`
	Domain string `json:"domain,omitempty" validate:"omitempty,max=50"`
}

func (r *SessionCreateRequest) Validate() error { return apiValidate.Struct(r) }

// SessionUpdateRequest is the body of PATCH /api/sessions/{id}. Nil fields
// are left untouched.
type SessionUpdateRequest struct {
	Title  *string `json:"title,omitempty" validate:"omitempty,max=255"`
	Domain *string `json:"domain,omitempty" validate:"omitempty,max=50"`
}

func (r *SessionUpdateRequest) Validate() error { return apiValidate.Struct(r) }

// SessionResponse mirrors a stored session.
type SessionResponse struct {
	ID        uuid.UUID  `json:"id"`
	Title     string     `json:"title"`
	Domain    string     `json:"domain"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// SessionList wraps GET /api/sessions.
type SessionList struct {
	Sessions []SessionResponse `json:"sessions"`
}

// =============================================================================
// Documents
// =============================================================================

// DocumentResponse mirrors a stored document. Raw text is never part of any
// response shape.
type DocumentResponse struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	PIICount    int       `json:"pii_count"`
	Processed   bool      `json:"processed"`
	CreatedAt   time.Time `json:"created_at"`
}

// ThreatResponse is one sanitizer finding surfaced to the client.
type ThreatResponse struct {
	ThreatType  string `json:"threat_type"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// DocumentUploadResponse is the body of POST /api/sessions/{id}/documents.
type DocumentUploadResponse struct {
	Document   DocumentResponse `json:"document"`
	PIISummary map[string]int   `json:"pii_summary"`
	Threats    []ThreatResponse `json:"threats"`
}

// =============================================================================
// Chat
// =============================================================================

// ChatRequest is the body of POST /api/sessions/{id}/chat.
//
// # Validation
//
//   - Message: required, 1 to 100000 bytes
//   - Provider: optional, one of ollama/openai/anthropic
//   - Model: optional, max 100 chars
type ChatRequest struct {
	Message  string `json:"message" validate:"required,min=1,max=100000"`
	Provider string `json:"provider,omitempty" validate:"omitempty,oneof=ollama openai anthropic"`
	Model    string `json:"model,omitempty" validate:"omitempty,max=100"`
}

func (r *ChatRequest) Validate() error { return apiValidate.Struct(r) }

// CitationResponse is one source attribution attached to an assistant
// message. Marker is the inline [N] number when the model cited
// explicitly; zero for post-hoc citations.
type CitationResponse struct {
	DocumentID     string  `json:"document_id"`
	Filename       string  `json:"filename"`
	ChunkIndex     int     `json:"chunk_index"`
	Score          float64 `json:"score"`
	SnippetBlinded string  `json:"snippet_blinded"`
	SnippetClear   string  `json:"snippet_lawyer"`
	Marker         int     `json:"marker,omitempty"`
}

// MessageResponse is one stored conversation turn. LawyerContent carries the
// restored text for display; BlindedContent is what the provider saw.
type MessageResponse struct {
	ID              uuid.UUID          `json:"id"`
	SessionID       uuid.UUID          `json:"session_id"`
	Role            string             `json:"role"`
	LawyerContent   string             `json:"lawyer_content"`
	BlindedContent  string             `json:"blinded_content"`
	ThreatsDetected []ThreatResponse   `json:"threats_detected"`
	Citations       []CitationResponse `json:"citations"`
	CreatedAt       time.Time          `json:"created_at"`
}

// ChatHistoryResponse wraps GET /api/sessions/{id}/chat/history.
type ChatHistoryResponse struct {
	Messages []MessageResponse `json:"messages"`
}

// =============================================================================
// Audit
// =============================================================================

// AuditLogResponse mirrors one append-only audit record.
type AuditLogResponse struct {
	ID            uuid.UUID      `json:"id"`
	SessionID     uuid.UUID      `json:"session_id"`
	EventType     string         `json:"event_type"`
	Provider      string         `json:"provider,omitempty"`
	Model         string         `json:"model,omitempty"`
	PayloadHash   string         `json:"payload_hash"`
	TokenEstimate int            `json:"token_estimate,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AuditSummaryResponse wraps GET /api/sessions/{id}/audit.
type AuditSummaryResponse struct {
	SessionID    uuid.UUID      `json:"session_id"`
	TotalEvents  int            `json:"total_events"`
	EventsByType map[string]int `json:"events_by_type"`
	TotalTokens  int            `json:"total_tokens"`
}

// =============================================================================
// Models & Settings
// =============================================================================

// ModelEntry is one selectable model in the provider inventory.
type ModelEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Context  string `json:"context"`
	Provider string `json:"provider"`
}

// ProviderStatus reports one provider's reachability and models.
type ProviderStatus struct {
	Provider  string       `json:"provider"`
	Available bool         `json:"available"`
	Models    []ModelEntry `json:"models"`
}

// ModelsResponse wraps GET /api/models.
type ModelsResponse struct {
	Providers       []ProviderStatus `json:"providers"`
	DefaultProvider string           `json:"default_provider"`
	DefaultModel    string           `json:"default_model"`
}

// ModelSettingsUpdate is the body of POST /api/models/settings. Keys are
// format-checked before being accepted; an empty string clears a key.
type ModelSettingsUpdate struct {
	DefaultProvider *string `json:"default_provider,omitempty" validate:"omitempty,oneof=ollama openai anthropic"`
	DefaultModel    *string `json:"default_model,omitempty" validate:"omitempty,max=100"`
	OpenAIAPIKey    *string `json:"openai_api_key,omitempty" validate:"omitempty,openai_key"`
	AnthropicAPIKey *string `json:"anthropic_api_key,omitempty" validate:"omitempty,anthropic_key"`
}

func (r *ModelSettingsUpdate) Validate() error { return apiValidate.Struct(r) }

// ModelSettingsResponse reports the current configuration. API keys are
// never echoed; only their presence is reported.
type ModelSettingsResponse struct {
	DefaultProvider    string `json:"default_provider"`
	OllamaModel        string `json:"ollama_model"`
	OpenAIModel        string `json:"openai_model"`
	AnthropicModel     string `json:"anthropic_model"`
	OpenAIAPIKeySet    bool   `json:"openai_api_key_set"`
	AnthropicAPIKeySet bool   `json:"anthropic_api_key_set"`
}
