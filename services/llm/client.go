// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm abstracts chat completion over multiple backends. Every
// provider only ever receives pseudonymized text; the blinding pipeline
// runs before anything reaches this package.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

const (
	// chatTimeout bounds a full chat request, streaming included.
	chatTimeout = 300 * time.Second
	// probeTimeout bounds reachability checks.
	probeTimeout = 10 * time.Second
)

// Client is the capability set every LLM backend implements.
type Client interface {
	// ChatStream starts a streaming completion. The returned channel is
	// finite and not restartable: it closes after the final chunk, or
	// after one chunk carrying Err. Cancelling ctx terminates the stream.
	ChatStream(ctx context.Context, messages []datatypes.Message) (<-chan StreamChunk, error)
	// ChatComplete returns the full response as a single string.
	ChatComplete(ctx context.Context, messages []datatypes.Message) (string, error)
	// ContextWindow returns the model's context window size in tokens.
	ContextWindow(ctx context.Context) int
	// IsAvailable reports whether the backend is reachable and the model
	// exists.
	IsAvailable(ctx context.Context) bool
	ModelName() string
	ProviderName() string
}

// StreamChunk is one content delta from a streaming completion. Err is set
// on at most the final chunk.
type StreamChunk struct {
	Content string
	Err     error
}

// ============================================================================
// Errors
// ============================================================================

// ProviderMisconfiguredError means a required configuration value is
// missing; no network call was attempted.
type ProviderMisconfiguredError struct {
	Provider string
	Setting  string
}

func (e *ProviderMisconfiguredError) Error() string {
	return fmt.Sprintf("provider %s is not configured: %s is required", e.Provider, e.Setting)
}

// IsProviderMisconfigured reports whether err is a
// ProviderMisconfiguredError.
func IsProviderMisconfigured(err error) bool {
	var pm *ProviderMisconfiguredError
	return errors.As(err, &pm)
}

// ProviderError is a non-2xx response from a provider API. The status code
// drives the safe user-facing message in the orchestrator.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s returned status %d", e.Provider, e.StatusCode)
}

// AsProviderError extracts a ProviderError from err.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ============================================================================
// Context window registry
// ============================================================================

// contextWindows maps known model identifiers to their window in tokens.
// Local models are probed instead.
var contextWindows = map[string]int{
	"gpt-4o":        128_000,
	"gpt-4o-mini":   128_000,
	"gpt-4-turbo":   128_000,
	"gpt-4":         8_192,
	"gpt-3.5-turbo": 16_385,
	"o1":            200_000,
	"o1-mini":       128_000,
	"o3-mini":       200_000,

	"claude-sonnet-4-5-20250929": 200_000,
	"claude-haiku-4-5-20251001":  200_000,
	"claude-opus-4-6":            200_000,
	"claude-3-5-sonnet-20241022": 200_000,
	"claude-3-haiku-20240307":    200_000,
}

func windowFor(model string, fallback int) int {
	if w, ok := contextWindows[model]; ok {
		return w
	}
	return fallback
}

// ModelInfo describes a selectable model for the settings surface.
type ModelInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Context string `json:"context"`
}

// ProviderModels lists the static model catalogue per provider. Ollama
// models are discovered from the local instance instead.
var ProviderModels = map[string][]ModelInfo{
	"ollama": {},
	"openai": {
		{ID: "gpt-4o", Name: "GPT-4o", Context: "128K"},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Context: "128K"},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Context: "128K"},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Context: "16K"},
		{ID: "o3-mini", Name: "o3-mini", Context: "200K"},
	},
	"anthropic": {
		{ID: "claude-sonnet-4-5-20250929", Name: "Claude Sonnet 4.5", Context: "200K"},
		{ID: "claude-haiku-4-5-20251001", Name: "Claude Haiku 4.5", Context: "200K"},
	},
}

// ============================================================================
// Factory
// ============================================================================

// Config carries the provider settings the factory needs.
type Config struct {
	OllamaBaseURL   string
	OllamaModel     string
	OpenAIAPIKey    string
	OpenAIModel     string
	AnthropicAPIKey string
	AnthropicModel  string
}

// Create builds a client for the given provider. model overrides the
// configured default when non-empty. Missing credentials fail before any
// network call.
func Create(cfg Config, provider, model string) (Client, error) {
	switch provider {
	case "ollama":
		if model == "" {
			model = cfg.OllamaModel
		}
		return NewOllamaClient(cfg.OllamaBaseURL, model), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, &ProviderMisconfiguredError{Provider: "openai", Setting: "openai_api_key"}
		}
		if model == "" {
			model = cfg.OpenAIModel
		}
		return NewOpenAIClient(cfg.OpenAIAPIKey, model), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, &ProviderMisconfiguredError{Provider: "anthropic", Setting: "anthropic_api_key"}
		}
		if model == "" {
			model = cfg.AnthropicModel
		}
		return NewAnthropicClient(cfg.AnthropicAPIKey, model), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", provider)
	}
}
