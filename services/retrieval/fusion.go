// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	// SignalLimit caps every signal at 50 ranked chunks.
	SignalLimit = 50
	// missingRank is the rank assigned when a chunk is absent from a
	// signal, one past the per-signal cap.
	missingRank = SignalLimit + 1
	// DefaultRRFK is the standard reciprocal-rank-fusion constant.
	DefaultRRFK = 60

	weightPseudonym = 2.0
	weightLexical   = 1.0
	weightVector    = 1.0
)

// pseudonymRe matches pseudonym tokens in query text.
var pseudonymRe = regexp.MustCompile(`\[[A-Z][A-Z0-9_]*_\d+\]`)

// Chunk is one indexed piece of a blinded document.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Filename   string
	ChunkIndex int
	Content    string
}

// ScoredChunk pairs a chunk with its fused relevance score.
type ScoredChunk struct {
	Chunk
	Score float64
}

// SignalStore runs the three ranked retrieval signals against the chunk
// index. Each returns at most SignalLimit chunks, best first.
type SignalStore interface {
	// PseudonymSignal ranks chunks by how many of the given pseudonyms
	// appear in their content, descending.
	PseudonymSignal(ctx context.Context, sessionID uuid.UUID, pseudonyms []string) ([]Chunk, error)
	// LexicalSignal ranks chunks by full-text relevance to the query.
	LexicalSignal(ctx context.Context, sessionID uuid.UUID, query string) ([]Chunk, error)
	// VectorSignal ranks chunks by cosine distance to the embedding,
	// ascending.
	VectorSignal(ctx context.Context, sessionID uuid.UUID, embedding []float32) ([]Chunk, error)
}

// Retriever fuses the signal store's rankings with reciprocal rank fusion.
type Retriever struct {
	store SignalStore
	rrfK  int
}

// NewRetriever builds a retriever over the given signal store. rrfK <= 0
// selects DefaultRRFK.
func NewRetriever(store SignalStore) *Retriever {
	return &Retriever{store: store, rrfK: DefaultRRFK}
}

// ExtractPseudonyms returns the distinct pseudonym tokens in text, in
// first-occurrence order.
func ExtractPseudonyms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range pseudonymRe.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// HybridSearch runs the three signals concurrently and fuses their ranks.
// The pseudonym signal only runs when the query carries pseudonym tokens;
// identity lookups get double weight so they dominate the fusion.
func (r *Retriever) HybridSearch(ctx context.Context, sessionID uuid.UUID, queryText string, queryEmbedding []float32, topK int) ([]ScoredChunk, error) {
	tracer := otel.Tracer("blinder.retrieval")
	ctx, span := tracer.Start(ctx, "retrieval.HybridSearch")
	defer span.End()

	pseudonyms := ExtractPseudonyms(queryText)

	var pseudoRanked, lexicalRanked, vectorRanked []Chunk
	g, gctx := errgroup.WithContext(ctx)
	if len(pseudonyms) > 0 {
		g.Go(func() error {
			var err error
			pseudoRanked, err = r.store.PseudonymSignal(gctx, sessionID, pseudonyms)
			return err
		})
	}
	g.Go(func() error {
		var err error
		lexicalRanked, err = r.store.LexicalSignal(gctx, sessionID, queryText)
		return err
	})
	g.Go(func() error {
		var err error
		vectorRanked, err = r.store.VectorSignal(gctx, sessionID, queryEmbedding)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := Fuse(r.rrfK, signal{pseudoRanked, weightPseudonym},
		signal{lexicalRanked, weightLexical}, signal{vectorRanked, weightVector})
	if len(fused) > topK {
		fused = fused[:topK]
	}
	span.SetAttributes(
		attribute.Int("pseudonyms", len(pseudonyms)),
		attribute.Int("results", len(fused)),
	)
	return fused, nil
}

type signal struct {
	ranked []Chunk
	weight float64
}

// Fuse combines ranked signal outputs with weighted reciprocal rank
// fusion: score = sum over signals of w / (rrfK + rank), where a chunk
// missing from a signal contributes at rank missingRank.
func Fuse(rrfK int, signals ...signal) []ScoredChunk {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}

	chunks := make(map[uuid.UUID]Chunk)
	ranks := make(map[uuid.UUID][]int)
	for si, s := range signals {
		for pos, chunk := range s.ranked {
			if _, ok := chunks[chunk.ID]; !ok {
				chunks[chunk.ID] = chunk
				ranks[chunk.ID] = make([]int, len(signals))
				for i := range ranks[chunk.ID] {
					ranks[chunk.ID][i] = missingRank
				}
			}
			ranks[chunk.ID][si] = pos + 1
		}
	}

	scored := make([]ScoredChunk, 0, len(chunks))
	for id, chunk := range chunks {
		var score float64
		for si, s := range signals {
			score += s.weight / float64(rrfK+ranks[id][si])
		}
		scored = append(scored, ScoredChunk{Chunk: chunk, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

// AdaptiveTopK sizes the retrieval depth to the context budget left after
// history, the prompt and a fixed response reserve.
func AdaptiveTopK(contextWindow, historyTokens, promptTokens, maxTopK int) int {
	budget := int(0.8*float64(contextWindow)) - historyTokens - promptTokens - 1500
	if budget < 1000 {
		budget = 1000
	}
	topK := budget / ChunkSize
	if topK < 3 {
		topK = 3
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	return topK
}

// ShouldUseRAG reports whether the session's documents are too large to
// stuff into the prompt, so retrieval must be used instead.
func ShouldUseRAG(documentTokens, contextWindow int) bool {
	return float64(documentTokens) > 0.6*0.8*float64(contextWindow)
}
