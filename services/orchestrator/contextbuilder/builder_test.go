// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextbuilder

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBlinder/services/llm"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
)

// stubClient satisfies llm.Client with canned answers.
type stubClient struct {
	window   int
	complete string
	err      error
}

var _ llm.Client = (*stubClient)(nil)

func (s *stubClient) ChatStream(context.Context, []datatypes.Message) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (s *stubClient) ChatComplete(context.Context, []datatypes.Message) (string, error) {
	return s.complete, s.err
}

func (s *stubClient) ContextWindow(context.Context) int { return s.window }
func (s *stubClient) IsAvailable(context.Context) bool  { return true }
func (s *stubClient) ModelName() string                 { return "stub" }
func (s *stubClient) ProviderName() string              { return "stub" }

// TestBuildMessages_StuffMode keeps full documents when they fit.
func TestBuildMessages_StuffMode(t *testing.T) {
	b := New(&stubClient{window: 128_000}, 0.8)

	messages := b.BuildMessages(context.Background(), Request{
		BlindedDocuments: []string{"[PERSON_1] signed the lease.", "[ORG_1] filed a complaint."},
		NewPrompt:        "who signed the lease?",
		Domain:           "legal",
		PseudonymLegend:  []string{"[PERSON_1] (PERSON)", "[ORG_1] (ORG)"},
	})

	require.Len(t, messages, 4, "system, document, ack, prompt")
	assert.Equal(t, datatypes.RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "DOMAIN: Legal")

	doc := messages[1]
	assert.Equal(t, datatypes.RoleUser, doc.Role)
	assert.Contains(t, doc.Content, "### BEGIN DOCUMENT ###")
	assert.Contains(t, doc.Content, "### END DOCUMENT ###")
	assert.Contains(t, doc.Content, "--- Document 1 ---")
	assert.Contains(t, doc.Content, "--- Document 2 ---")
	assert.Contains(t, doc.Content, "### PSEUDONYM LEGEND ###")
	assert.Contains(t, doc.Content, "- [PERSON_1] (PERSON)")

	assert.Equal(t, datatypes.RoleAssistant, messages[2].Role)
	assert.Equal(t, "who signed the lease?", messages[3].Content)
}

// TestBuildMessages_RetrievedChunks bypasses the window check entirely.
func TestBuildMessages_RetrievedChunks(t *testing.T) {
	b := New(&stubClient{window: 1}, 0.8)

	messages := b.BuildMessages(context.Background(), Request{
		RetrievedChunks: []string{"chunk one", "chunk two"},
		SourceMetadata: []SourceMeta{
			{Index: 1, Filename: "a.txt", DocumentID: "doc-a"},
			{Index: 2, Filename: "b.txt", DocumentID: "doc-b"},
		},
		NewPrompt: "summarize",
		Domain:    "general",
	})

	require.Len(t, messages, 4)
	doc := messages[1].Content
	assert.Contains(t, doc, "[Source 1] (a.txt):\nchunk one")
	assert.Contains(t, doc, "[Source 2] (b.txt):\nchunk two")
	assert.Contains(t, doc, "\n\n---\n\n")
}

// TestBuildMessages_NoDocuments emits only system, history and prompt.
func TestBuildMessages_NoDocuments(t *testing.T) {
	b := New(&stubClient{window: 8192}, 0.8)

	history := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "earlier question"},
		{Role: datatypes.RoleAssistant, Content: "earlier answer"},
	}
	messages := b.BuildMessages(context.Background(), Request{
		History:   history,
		NewPrompt: "follow up",
		Domain:    "hr",
	})

	require.Len(t, messages, 4, "system + 2 history + prompt")
	assert.Equal(t, "earlier question", messages[1].Content)
	assert.Equal(t, "follow up", messages[3].Content)
}

// TestBuildMessages_FallbackRetrieval fits the best-overlapping chunks when
// the documents exceed the window.
func TestBuildMessages_FallbackRetrieval(t *testing.T) {
	// ~2500 tokens of filler per document against a tiny window forces
	// the retrieve-and-fit path.
	filler := strings.Repeat("inventory warehouse ledger audit ", 600)
	relevant := "The defendant [PERSON_1] breached the lease agreement in March. " + filler

	b := New(&stubClient{window: 6000}, 0.8)
	messages := b.BuildMessages(context.Background(), Request{
		BlindedDocuments: []string{relevant},
		NewPrompt:        "when did the defendant breach the lease?",
		Domain:           "legal",
	})

	require.GreaterOrEqual(t, len(messages), 2)
	doc := messages[1].Content
	assert.Contains(t, doc, "### BEGIN DOCUMENT ###")
	assert.Contains(t, doc, "defendant", "highest-overlap chunk selected first")
}

// TestSystemPrompt_UnknownDomainFallsBack uses the general expert layer.
func TestSystemPrompt_UnknownDomainFallsBack(t *testing.T) {
	assert.Contains(t, SystemPrompt("astrology"), "DOMAIN: General")
	assert.Contains(t, SystemPrompt("finance"), "DOMAIN: Finance")
	assert.True(t, IsSupportedDomain("healthcare"))
	assert.False(t, IsSupportedDomain("astrology"))
}

// TestDetectDomain validates and normalises the router's answer.
func TestDetectDomain(t *testing.T) {
	assert.Equal(t, "legal", DetectDomain(context.Background(), &stubClient{complete: " Legal.\n"}, "draft a motion"))
	assert.Equal(t, "general", DetectDomain(context.Background(), &stubClient{complete: "jurisprudence"}, "hello"))
	assert.Equal(t, "general", DetectDomain(context.Background(), &stubClient{err: assert.AnError}, "hello"))
}
