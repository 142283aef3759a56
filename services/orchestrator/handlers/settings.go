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
	"sync"

	"github.com/AleutianAI/AleutianBlinder/services/llm"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/config"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

// Settings holds the model configuration that can be changed at runtime
// through the settings endpoint. Changes live in process memory only; a
// restart reverts to the environment.
type Settings struct {
	mu              sync.RWMutex
	defaultProvider string
	llmConfig       llm.Config
}

// NewSettings seeds the runtime settings from the startup configuration.
func NewSettings(cfg config.Config) *Settings {
	return &Settings{
		defaultProvider: cfg.DefaultProvider,
		llmConfig: llm.Config{
			OllamaBaseURL:   cfg.OllamaBaseURL,
			OllamaModel:     cfg.OllamaModel,
			OpenAIAPIKey:    cfg.OpenAIAPIKey,
			OpenAIModel:     cfg.OpenAIModel,
			AnthropicAPIKey: cfg.AnthropicAPIKey,
			AnthropicModel:  cfg.AnthropicModel,
		},
	}
}

// Snapshot returns the current default provider and a copy of the provider
// configuration for a single request.
func (s *Settings) Snapshot() (string, llm.Config) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultProvider, s.llmConfig
}

// Apply merges a validated settings update. An empty API key string clears
// the key.
func (s *Settings) Apply(upd datatypes.ModelSettingsUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upd.DefaultProvider != nil {
		s.defaultProvider = *upd.DefaultProvider
	}
	if upd.DefaultModel != nil && *upd.DefaultModel != "" {
		switch s.defaultProvider {
		case "ollama":
			s.llmConfig.OllamaModel = *upd.DefaultModel
		case "openai":
			s.llmConfig.OpenAIModel = *upd.DefaultModel
		case "anthropic":
			s.llmConfig.AnthropicModel = *upd.DefaultModel
		}
	}
	if upd.OpenAIAPIKey != nil {
		s.llmConfig.OpenAIAPIKey = *upd.OpenAIAPIKey
	}
	if upd.AnthropicAPIKey != nil {
		s.llmConfig.AnthropicAPIKey = *upd.AnthropicAPIKey
	}
}

// Describe reports the current settings with keys reduced to presence
// booleans. Key material never leaves the process.
func (s *Settings) Describe() datatypes.ModelSettingsResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return datatypes.ModelSettingsResponse{
		DefaultProvider:    s.defaultProvider,
		OllamaModel:        s.llmConfig.OllamaModel,
		OpenAIModel:        s.llmConfig.OpenAIModel,
		AnthropicModel:     s.llmConfig.AnthropicModel,
		OpenAIAPIKeySet:    s.llmConfig.OpenAIAPIKey != "",
		AnthropicAPIKeySet: s.llmConfig.AnthropicAPIKey != "",
	}
}

// DefaultModelFor reports the configured model for a provider.
func (s *Settings) DefaultModelFor(provider string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch provider {
	case "ollama":
		return s.llmConfig.OllamaModel
	case "openai":
		return s.llmConfig.OpenAIModel
	case "anthropic":
		return s.llmConfig.AnthropicModel
	}
	return ""
}
