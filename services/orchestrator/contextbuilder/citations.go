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
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianBlinder/services/retrieval"
)

// SourceChunk is one scoreable piece of context with its provenance.
type SourceChunk struct {
	DocumentID string
	Filename   string
	ChunkIndex int
	Text       string
}

// Citation links a response to the source that supports it. Marker is the
// inline [N] number; zero for post-hoc citations.
type Citation struct {
	DocumentID     string  `json:"document_id"`
	Filename       string  `json:"filename"`
	ChunkIndex     int     `json:"chunk_index"`
	Score          float64 `json:"score"`
	SnippetBlinded string  `json:"snippet_blinded"`
	SnippetClear   string  `json:"snippet_lawyer"`
	Marker         int     `json:"marker,omitempty"`
}

// Extractor scores context against responses to attribute sources.
type Extractor struct {
	maxCitations int
	minScore     float64
	snippetWords int
}

// NewExtractor builds an extractor keeping at most maxCitations.
func NewExtractor(maxCitations int) *Extractor {
	return &Extractor{maxCitations: maxCitations, minScore: 0.05, snippetWords: 40}
}

// inlineMarkerRe matches bare numeric citation markers. Pseudonyms like
// [PERSON_1] never match.
var inlineMarkerRe = regexp.MustCompile(`\[(\d+)\]`)

// tokenRe extracts lowercase alphanumeric runs.
var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// ExtractInline resolves [N] markers in the response against the numbered
// sources that were put in front of the model.
func (e *Extractor) ExtractInline(response string, sources []SourceMeta, sourceTexts []string) []Citation {
	markers := make(map[int]bool)
	for _, m := range inlineMarkerRe.FindAllStringSubmatch(response, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			markers[n] = true
		}
	}
	if len(markers) == 0 {
		return nil
	}

	byIndex := make(map[int]SourceMeta, len(sources))
	for _, s := range sources {
		byIndex[s.Index] = s
	}

	responseTokens := tokenize(response)
	responseSet := toSet(responseTokens)

	ordered := make([]int, 0, len(markers))
	for n := range markers {
		ordered = append(ordered, n)
	}
	sort.Ints(ordered)

	var citations []Citation
	for _, marker := range ordered {
		meta, ok := byIndex[marker]
		if !ok {
			continue
		}
		srcIdx := marker - 1
		if srcIdx < 0 || srcIdx >= len(sourceTexts) {
			continue
		}
		text := sourceTexts[srcIdx]

		sourceSet := toSet(tokenize(text))
		overlap := 0
		for t := range responseSet {
			if sourceSet[t] {
				overlap++
			}
		}
		total := len(responseSet)
		if total == 0 {
			total = 1
		}
		score := math.Min(float64(overlap)/float64(total), 1.0)

		citations = append(citations, Citation{
			DocumentID:     meta.DocumentID,
			Filename:       meta.Filename,
			Score:          round3(score),
			SnippetBlinded: e.snippet(text, responseTokens),
			Marker:         marker,
		})
	}
	return citations
}

// Extract is the post-hoc fallback: score every chunk against the response
// with IDF-weighted token overlap, normalise by the best score, and keep
// the best chunk per document.
func (e *Extractor) Extract(response string, chunks []SourceChunk) []Citation {
	prepared := splitLongChunks(chunks)
	if len(prepared) == 0 {
		return nil
	}
	responseTokens := tokenize(response)
	if len(responseTokens) == 0 {
		return nil
	}

	docCount := float64(len(prepared))
	docFreq := make(map[string]int)
	tokenSets := make([]map[string]bool, len(prepared))
	for i, chunk := range prepared {
		set := toSet(tokenize(chunk.Text))
		tokenSets[i] = set
		for t := range set {
			docFreq[t]++
		}
	}

	type scoredChunk struct {
		score float64
		idx   int
	}
	scored := make([]scoredChunk, len(prepared))
	for i := range prepared {
		score := 0.0
		for _, t := range responseTokens {
			if tokenSets[i][t] {
				df := float64(docFreq[t])
				score += math.Log((docCount-df+0.5)/(df+0.5) + 1)
			}
		}
		scored[i] = scoredChunk{score: score, idx: i}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	maxScore := scored[0].score
	if maxScore <= 0 {
		maxScore = 1.0
	}

	seenDocs := make(map[string]bool)
	var citations []Citation
	for _, sc := range scored {
		if len(citations) >= e.maxCitations {
			break
		}
		normalized := sc.score / maxScore
		if normalized < e.minScore {
			break
		}
		chunk := prepared[sc.idx]
		if seenDocs[chunk.DocumentID] {
			continue
		}
		seenDocs[chunk.DocumentID] = true

		citations = append(citations, Citation{
			DocumentID:     chunk.DocumentID,
			Filename:       chunk.Filename,
			ChunkIndex:     chunk.ChunkIndex,
			Score:          round3(normalized),
			SnippetBlinded: e.snippet(chunk.Text, responseTokens),
		})
	}
	return citations
}

// snippet selects the window of the chunk with the most response token
// overlap.
func (e *Extractor) snippet(text string, responseTokens []string) string {
	words := strings.Fields(text)
	if len(words) <= e.snippetWords {
		return text
	}

	responseSet := toSet(responseTokens)
	bestScore := -1
	bestStart := 0
	for i := 0; i+e.snippetWords <= len(words); i++ {
		overlap := 0
		seen := make(map[string]bool)
		for _, w := range words[i : i+e.snippetWords] {
			t := strings.ToLower(strings.Trim(w, ".,;:!?\"'()[]"))
			if responseSet[t] && !seen[t] {
				overlap++
				seen[t] = true
			}
		}
		if overlap > bestScore {
			bestScore = overlap
			bestStart = i
		}
	}

	snippet := strings.Join(words[bestStart:bestStart+e.snippetWords], " ")
	if bestStart > 0 {
		snippet = "..." + snippet
	}
	if bestStart+e.snippetWords < len(words) {
		snippet += "..."
	}
	return snippet
}

// splitLongChunks re-chunks any source longer than the standard chunk size
// so scoring stays granular.
func splitLongChunks(chunks []SourceChunk) []SourceChunk {
	var out []SourceChunk
	for _, chunk := range chunks {
		words := strings.Fields(chunk.Text)
		if len(words) <= retrieval.ChunkSize {
			out = append(out, chunk)
			continue
		}
		parts := retrieval.ChunkText(chunk.Text)
		for i, part := range parts {
			out = append(out, SourceChunk{
				DocumentID: chunk.DocumentID,
				Filename:   chunk.Filename,
				ChunkIndex: i,
				Text:       part,
			})
		}
	}
	return out
}

func tokenize(text string) []string {
	raw := tokenRe.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if len(t) > 2 && !stopwords[t] {
			out = append(out, t)
		}
	}
	return out
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "was": true, "are": true, "not": true, "but": true,
	"has": true, "had": true, "have": true, "been": true, "from": true,
	"they": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "can": true, "its": true, "his": true, "her": true,
	"their": true, "our": true, "all": true, "any": true, "each": true,
	"one": true, "two": true, "also": true, "than": true, "then": true,
	"when": true, "where": true, "which": true, "who": true, "whom": true,
	"how": true, "what": true, "into": true, "out": true,
}
