// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval splits blinded documents into indexable chunks,
// produces their embeddings and fuses the three hybrid-search signals.
package retrieval

import (
	"strings"
)

const (
	// ChunkSize is the sliding-window size in whitespace tokens.
	ChunkSize = 512
	// ChunkOverlap is how many tokens consecutive prose windows share.
	ChunkOverlap = 50
	// tabularSeparator is the canonical cell separator.
	tabularSeparator = " | "
	// minRowBudget floors the per-chunk token budget for tabular data at
	// half the chunk size, so a huge header cannot starve the rows.
	minRowBudget = ChunkSize / 2
)

// IsTabular reports whether text looks like pipe-delimited tabular data:
// at least 2 of the first 6 lines contain 2 or more separators.
func IsTabular(text string) bool {
	lines := strings.Split(text, "\n")
	if len(lines) > 6 {
		lines = lines[:6]
	}
	tabular := 0
	for _, line := range lines {
		if strings.Count(line, tabularSeparator) >= 2 {
			tabular++
		}
	}
	return tabular >= 2
}

// ChunkText splits blinded text into chunks. Prose gets sliding windows of
// ChunkSize tokens with ChunkOverlap overlap; tabular text is split by
// rows with the header prepended to every chunk so column context is never
// lost.
func ChunkText(text string) []string {
	if IsTabular(text) {
		return chunkTabular(text)
	}
	return chunkProse(text)
}

func chunkProse(text string) []string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) <= ChunkSize {
		return []string{strings.Join(tokens, " ")}
	}

	var chunks []string
	stride := ChunkSize - ChunkOverlap
	for start := 0; start < len(tokens); start += stride {
		end := start + ChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, strings.Join(tokens[start:end], " "))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

// chunkTabular packs data rows into chunks of up to ChunkSize minus the
// header length, never below minRowBudget, with the header line repeated
// at the top of each chunk.
func chunkTabular(text string) []string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 0 {
		return nil
	}
	header := lines[0]
	rows := lines[1:]
	if len(rows) == 0 {
		return []string{header}
	}

	budget := ChunkSize - len(strings.Fields(header))
	if budget < minRowBudget {
		budget = minRowBudget
	}

	var chunks []string
	var current []string
	used := 0
	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, header+"\n"+strings.Join(current, "\n"))
			current, used = nil, 0
		}
	}
	for _, row := range rows {
		rowTokens := len(strings.Fields(row))
		if used+rowTokens > budget && len(current) > 0 {
			flush()
		}
		current = append(current, row)
		used += rowTokens
	}
	flush()
	return chunks
}

// EstimateTokens approximates token count as len/4, the same heuristic the
// context builder uses for budgeting.
func EstimateTokens(text string) int {
	return len(text) / 4
}
