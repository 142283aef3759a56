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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/config"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

func testSettings() *Settings {
	return NewSettings(config.Config{
		DefaultProvider: "ollama",
		OllamaBaseURL:   "http://localhost:11434",
		OllamaModel:     "llama3",
		OpenAIModel:     "gpt-4o",
		AnthropicModel:  "claude-sonnet-4-5-20250929",
	})
}

func strp(s string) *string { return &s }

// TestSettings_ApplyProviderAndModel routes the model update to the active
// provider.
func TestSettings_ApplyProviderAndModel(t *testing.T) {
	s := testSettings()

	s.Apply(datatypes.ModelSettingsUpdate{
		DefaultProvider: strp("openai"),
		DefaultModel:    strp("o3-mini"),
	})

	provider, cfg := s.Snapshot()
	assert.Equal(t, "openai", provider)
	assert.Equal(t, "o3-mini", cfg.OpenAIModel)
	assert.Equal(t, "llama3", cfg.OllamaModel, "other providers untouched")
}

// TestSettings_KeyLifecycle sets and clears API keys; Describe never leaks
// the key material.
func TestSettings_KeyLifecycle(t *testing.T) {
	s := testSettings()

	s.Apply(datatypes.ModelSettingsUpdate{
		OpenAIAPIKey: strp("sk-" + "0123456789abcdefghij"),
	})
	desc := s.Describe()
	assert.True(t, desc.OpenAIAPIKeySet)
	assert.False(t, desc.AnthropicAPIKeySet)

	s.Apply(datatypes.ModelSettingsUpdate{OpenAIAPIKey: strp("")})
	assert.False(t, s.Describe().OpenAIAPIKeySet)
}

// TestSettings_DefaultModelFor reports the per-provider default.
func TestSettings_DefaultModelFor(t *testing.T) {
	s := testSettings()
	assert.Equal(t, "llama3", s.DefaultModelFor("ollama"))
	assert.Equal(t, "gpt-4o", s.DefaultModelFor("openai"))
	assert.Equal(t, "", s.DefaultModelFor("nope"))
}
