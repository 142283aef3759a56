// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies a bare environment yields working settings.
func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "CORS_ORIGINS", "DEFAULT_PROVIDER", "CHUNK_SIZE",
		"PII_CONFIDENCE_THRESHOLD", "CONTEXT_WINDOW_THRESHOLD", "RRF_K",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "ollama", cfg.DefaultProvider)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, 512, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.Equal(t, 384, cfg.EmbeddingDimensions)
	assert.Equal(t, 10, cfg.RAGTopK)
	assert.Equal(t, 60, cfg.RRFK)
	assert.InDelta(t, 0.7, cfg.PIIConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.8, cfg.ContextWindowThreshold, 1e-9)
}

// TestLoad_Overrides reads values from the environment.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DEFAULT_PROVIDER", "anthropic")
	t.Setenv("CHUNK_SIZE", "1024")
	t.Setenv("PII_CONFIDENCE_THRESHOLD", "0.85")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Load()
	assert.Equal(t, "anthropic", cfg.DefaultProvider)
	assert.Equal(t, 1024, cfg.ChunkSize)
	assert.InDelta(t, 0.85, cfg.PIIConfidenceThreshold, 1e-9)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

// TestLoad_MalformedNumbersFallBack keeps startup alive on bad input.
func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "not-a-number")
	t.Setenv("CONTEXT_WINDOW_THRESHOLD", "eighty percent")

	cfg := Load()
	assert.Equal(t, 512, cfg.ChunkSize)
	assert.InDelta(t, 0.8, cfg.ContextWindowThreshold, 1e-9)
}

// TestLLMConfig mirrors the provider settings.
func TestLLMConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "o3-mini")

	settings := Load().LLMConfig()
	assert.Equal(t, "sk-test", settings.OpenAIAPIKey)
	assert.Equal(t, "o3-mini", settings.OpenAIModel)
	assert.Equal(t, "llama3", settings.OllamaModel)
}
