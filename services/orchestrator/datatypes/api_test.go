// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func strp(s string) *string { return &s }

// TestChatRequest_Validation exercises the size and provider bounds.
func TestChatRequest_Validation(t *testing.T) {
	valid := ChatRequest{Message: "what does the contract say?"}
	assert.NoError(t, valid.Validate())

	empty := ChatRequest{Message: ""}
	assert.Error(t, empty.Validate())

	huge := ChatRequest{Message: strings.Repeat("a", MaxChatMessageBytes+1)}
	assert.Error(t, huge.Validate())

	badProvider := ChatRequest{Message: "hi", Provider: "mistral"}
	assert.Error(t, badProvider.Validate())

	withOverride := ChatRequest{Message: "hi", Provider: "anthropic", Model: "claude-sonnet-4-5-20250929"}
	assert.NoError(t, withOverride.Validate())
}

// TestSessionRequests_Validation bounds title and domain lengths.
func TestSessionRequests_Validation(t *testing.T) {
	ok := SessionCreateRequest{Title: "Q3 contract review", Domain: "legal"}
	assert.NoError(t, ok.Validate())

	longTitle := SessionCreateRequest{Title: strings.Repeat("t", MaxTitleLength+1)}
	assert.Error(t, longTitle.Validate())

	patch := SessionUpdateRequest{Title: strp("renamed")}
	assert.NoError(t, patch.Validate())

	badPatch := SessionUpdateRequest{Domain: strp(strings.Repeat("d", MaxDomainLength+1))}
	assert.Error(t, badPatch.Validate())
}

// TestModelSettingsUpdate_KeyFormats rejects malformed API keys.
func TestModelSettingsUpdate_KeyFormats(t *testing.T) {
	ok := ModelSettingsUpdate{
		OpenAIAPIKey:    strp("sk-" + strings.Repeat("a", 24)),
		AnthropicAPIKey: strp("sk-ant-" + strings.Repeat("b", 24)),
	}
	assert.NoError(t, ok.Validate())

	// Empty string clears a key and is always accepted.
	clear := ModelSettingsUpdate{OpenAIAPIKey: strp("")}
	assert.NoError(t, clear.Validate())

	short := ModelSettingsUpdate{OpenAIAPIKey: strp("sk-short")}
	assert.Error(t, short.Validate())

	wrongPrefix := ModelSettingsUpdate{AnthropicAPIKey: strp("sk-" + strings.Repeat("c", 24))}
	assert.Error(t, wrongPrefix.Validate())

	badProvider := ModelSettingsUpdate{DefaultProvider: strp("azure")}
	assert.Error(t, badProvider.Validate())
}
