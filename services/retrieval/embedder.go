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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	// EmbeddingDim is the dense vector dimensionality the service produces.
	EmbeddingDim = 384
	// embedBatchSize caps how many texts go to the service in one call.
	embedBatchSize = 64
)

// Embedder requests dense vectors from the external embedding service and
// caches them in a local badger store keyed by content hash, so re-ingests
// of unchanged chunks never leave the process.
type Embedder struct {
	baseURL    string
	httpClient *http.Client
	cache      *badger.DB
}

// NewEmbedder builds an embedder for the service at baseURL. cache may be
// nil to disable caching.
func NewEmbedder(baseURL string, cache *badger.DB) *Embedder {
	return &Embedder{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		cache:      cache,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one L2-normalised vector per text, in input order. Cached
// vectors are served locally; only misses are sent to the service, in
// batches of at most embedBatchSize.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if cached, ok := e.cacheGet(text); ok {
			vectors[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	for start := 0; start < len(missTexts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}
		batch, err := e.embedBatch(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		for j, vec := range batch {
			normalize(vec)
			vectors[missIdx[start+j]] = vec
			e.cachePut(missTexts[start+j], vec)
		}
	}
	return vectors, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(payload))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts",
			len(parsed.Embeddings), len(texts))
	}
	for i, vec := range parsed.Embeddings {
		if len(vec) != EmbeddingDim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(vec), EmbeddingDim)
		}
	}
	return parsed.Embeddings, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

func cacheKey(text string) []byte {
	h := sha256.Sum256([]byte(text))
	return h[:]
}

func (e *Embedder) cacheGet(text string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	var vec []float32
	err := e.cache.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(text))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vec = decodeVector(val)
			return nil
		})
	})
	if err != nil || len(vec) != EmbeddingDim {
		return nil, false
	}
	return vec, true
}

func (e *Embedder) cachePut(text string, vec []float32) {
	if e.cache == nil {
		return
	}
	err := e.cache.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(text), encodeVector(vec))
	})
	if err != nil {
		slog.Warn("embedding cache write failed", "error", err)
	}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
