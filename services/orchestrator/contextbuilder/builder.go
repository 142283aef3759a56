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
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianBlinder/services/llm"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianBlinder/services/retrieval"
)

const (
	// chunkSeparator joins retrieved chunks in the document message.
	chunkSeparator = "\n\n---\n\n"

	// fallbackReserve is held back from the budget for response headroom
	// in the local retrieve-and-fit path.
	fallbackReserve = 500

	beginDelimiter = "### BEGIN DOCUMENT ###"
	endDelimiter   = "### END DOCUMENT ###"
)

// SourceMeta numbers one context source so the model can cite it inline.
type SourceMeta struct {
	Index      int
	Filename   string
	DocumentID string
}

// Builder assembles LLM message lists with an adaptive context strategy:
// pre-retrieved chunks when given, full-document stuffing when everything
// fits, and a local lexical retrieve-and-fit pass otherwise.
type Builder struct {
	client    llm.Client
	threshold float64
}

// New builds a Builder. threshold is the usable fraction of the context
// window, typically 0.8.
func New(client llm.Client, threshold float64) *Builder {
	return &Builder{client: client, threshold: threshold}
}

// Request carries everything BuildMessages needs. RetrievedChunks nil means
// "no retrieval ran"; an empty non-nil slice means retrieval ran and found
// nothing.
type Request struct {
	BlindedDocuments []string
	History          []datatypes.Message
	NewPrompt        string
	Domain           string
	RetrievedChunks  []string
	SourceMetadata   []SourceMeta
	PseudonymLegend  []string
}

// BuildMessages produces the final message list: system prompt, optional
// document turn with synthetic acknowledgement, history, new prompt.
func (b *Builder) BuildMessages(ctx context.Context, req Request) []datatypes.Message {
	systemPrompt := SystemPrompt(req.Domain)

	if req.RetrievedChunks != nil {
		docText := joinSources(req.RetrievedChunks, req.SourceMetadata)
		return b.assemble(systemPrompt, docText, req)
	}

	window := b.client.ContextWindow(ctx)
	maxTokens := int(float64(window) * b.threshold)

	docText := combineDocuments(req.BlindedDocuments, req.SourceMetadata)
	total := retrieval.EstimateTokens(systemPrompt+docText+req.NewPrompt) + historyTokens(req.History)
	if total < maxTokens {
		return b.assemble(systemPrompt, docText, req)
	}

	slog.Warn("content exceeds context window, falling back to keyword retrieval",
		"estimated_tokens", total, "max_tokens", maxTokens)
	relevant := retrieveRelevant(req.BlindedDocuments, req.NewPrompt, maxTokens, req.History, systemPrompt)
	return b.assemble(systemPrompt, relevant, req)
}

func (b *Builder) assemble(systemPrompt, docContent string, req Request) []datatypes.Message {
	messages := []datatypes.Message{{Role: datatypes.RoleSystem, Content: systemPrompt}}

	if docContent != "" {
		var legend string
		if len(req.PseudonymLegend) > 0 {
			var sb strings.Builder
			sb.WriteString("\n\n### PSEUDONYM LEGEND ###\n")
			sb.WriteString("The following pseudonyms are used in these documents. ")
			sb.WriteString("Use ONLY these exact pseudonyms in your responses:\n")
			for _, p := range req.PseudonymLegend {
				sb.WriteString("- " + p + "\n")
			}
			sb.WriteString("### END LEGEND ###\n")
			legend = sb.String()
		}

		messages = append(messages, datatypes.Message{
			Role: datatypes.RoleUser,
			Content: beginDelimiter + "\n" + docContent + "\n" + endDelimiter + "\n" + legend + "\n" +
				"The above documents have been provided for analysis. " +
				"All identifying information has been replaced with pseudonyms for privacy. " +
				"Use ONLY the exact pseudonyms listed above in your responses.",
		})
		messages = append(messages, datatypes.Message{
			Role: datatypes.RoleAssistant,
			Content: "I have received the documents. I will use ONLY the exact " +
				"pseudonyms from the documents (like [PERSON_1], [ORG_1], etc.) " +
				"and will never create new pseudonym formats. " +
				"How can I help you analyze these documents?",
		})
	}

	messages = append(messages, req.History...)
	messages = append(messages, datatypes.Message{Role: datatypes.RoleUser, Content: req.NewPrompt})
	return messages
}

// joinSources concatenates chunks with separators, labelling each with its
// source number when metadata is supplied.
func joinSources(chunks []string, sources []SourceMeta) string {
	if len(sources) != len(chunks) {
		return strings.Join(chunks, chunkSeparator)
	}
	labelled := make([]string, len(chunks))
	for i, chunk := range chunks {
		labelled[i] = fmt.Sprintf("[Source %d] (%s):\n%s", sources[i].Index, sources[i].Filename, chunk)
	}
	return strings.Join(labelled, chunkSeparator)
}

func combineDocuments(documents []string, sources []SourceMeta) string {
	if len(documents) == 0 {
		return ""
	}
	parts := make([]string, len(documents))
	for i, doc := range documents {
		header := fmt.Sprintf("--- Document %d ---", i+1)
		if len(sources) == len(documents) {
			header += fmt.Sprintf("\n[Source %d] (%s):", sources[i].Index, sources[i].Filename)
		}
		parts[i] = header + "\n" + doc
	}
	return strings.Join(parts, "\n\n")
}

// retrieveRelevant is the no-index fallback: chunk the documents locally,
// score by query token overlap, and take the best chunks that fit.
func retrieveRelevant(documents []string, query string, maxTokens int, history []datatypes.Message, systemPrompt string) string {
	var chunks []string
	for _, doc := range documents {
		chunks = append(chunks, retrieval.ChunkText(doc)...)
	}
	if len(chunks) == 0 {
		return ""
	}

	queryTokens := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(query)) {
		queryTokens[t] = true
	}

	type scoredChunk struct {
		overlap int
		text    string
	}
	scored := make([]scoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		overlap := 0
		seen := make(map[string]bool)
		for _, t := range strings.Fields(strings.ToLower(chunk)) {
			if queryTokens[t] && !seen[t] {
				overlap++
				seen[t] = true
			}
		}
		scored = append(scored, scoredChunk{overlap: overlap, text: chunk})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].overlap > scored[j].overlap })

	budget := maxTokens - retrieval.EstimateTokens(systemPrompt) - retrieval.EstimateTokens(query) -
		historyTokens(history) - fallbackReserve

	var selected []string
	used := 0
	for _, sc := range scored {
		cost := retrieval.EstimateTokens(sc.text)
		if used+cost > budget {
			break
		}
		selected = append(selected, sc.text)
		used += cost
	}
	return strings.Join(selected, chunkSeparator)
}

func historyTokens(history []datatypes.Message) int {
	total := 0
	for _, m := range history {
		total += retrieval.EstimateTokens(m.Content)
	}
	return total
}
