// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/AleutianAI/AleutianBlinder/services/retrieval"
)

// signalLimit caps each retrieval signal's candidate list.
const signalLimit = retrieval.SignalLimit

var _ retrieval.SignalStore = (*Store)(nil)

// InsertChunks bulk-inserts blinded chunks with their embeddings. The
// tsvector column is computed in the database; token counts use the
// len/4 approximation.
func (s *Store) InsertChunks(ctx context.Context, sessionID, documentID uuid.UUID, contents []string, embeddings [][]float32) error {
	if len(contents) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(contents), len(embeddings))
	}
	if len(contents) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i, content := range contents {
		_, err = tx.Exec(ctx, `
			INSERT INTO document_chunks
				(session_id, document_id, chunk_index, content, search_vector, embedding, token_count)
			VALUES ($1, $2, $3, $4, to_tsvector('english', $4), $5::vector, $6)`,
			sessionID, documentID, i, content, vectorLiteral(embeddings[i]), len(content)/4)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

// PseudonymSignal ranks chunks by how many of the query's pseudonyms their
// content contains.
func (s *Store) PseudonymSignal(ctx context.Context, sessionID uuid.UUID, pseudonyms []string) ([]retrieval.Chunk, error) {
	if len(pseudonyms) == 0 {
		return nil, nil
	}

	args := []any{sessionID}
	var likes, counts []string
	for _, pseudo := range pseudonyms {
		args = append(args, "%"+escapeLike(pseudo)+"%")
		ref := "$" + strconv.Itoa(len(args))
		likes = append(likes, "c.content LIKE "+ref)
		counts = append(counts, "CASE WHEN c.content LIKE "+ref+" THEN 1 ELSE 0 END")
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.document_id, COALESCE(d.filename, ''), c.chunk_index, c.content
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.session_id = $1 AND (%s)
		ORDER BY (%s) DESC
		LIMIT %d`,
		strings.Join(likes, " OR "), strings.Join(counts, " + "), signalLimit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pseudonym signal failed: %w", err)
	}
	return scanChunks(rows)
}

// escapeLike neutralises LIKE metacharacters so a pseudonym such as
// [PERSON_1] matches only itself, not [PERSONX1].
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// LexicalSignal ranks chunks by full-text relevance to the query.
func (s *Store) LexicalSignal(ctx context.Context, sessionID uuid.UUID, query string) ([]retrieval.Chunk, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT c.id, c.document_id, COALESCE(d.filename, ''), c.chunk_index, c.content
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.session_id = $1
		  AND c.search_vector @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(c.search_vector, plainto_tsquery('english', $2)) DESC
		LIMIT %d`, signalLimit),
		sessionID, query)
	if err != nil {
		return nil, fmt.Errorf("lexical signal failed: %w", err)
	}
	return scanChunks(rows)
}

// VectorSignal ranks chunks by cosine distance to the query embedding.
func (s *Store) VectorSignal(ctx context.Context, sessionID uuid.UUID, embedding []float32) ([]retrieval.Chunk, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT c.id, c.document_id, COALESCE(d.filename, ''), c.chunk_index, c.content
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.session_id = $1
		ORDER BY c.embedding <=> $2::vector
		LIMIT %d`, signalLimit),
		sessionID, vectorLiteral(embedding))
	if err != nil {
		return nil, fmt.Errorf("vector signal failed: %w", err)
	}
	return scanChunks(rows)
}

// HasChunks reports whether any chunks are indexed for the session.
func (s *Store) HasChunks(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM document_chunks WHERE session_id = $1)`, sessionID).Scan(&exists)
	return exists, err
}

func scanChunks(rows pgx.Rows) ([]retrieval.Chunk, error) {
	defer rows.Close()
	var chunks []retrieval.Chunk
	for rows.Next() {
		var chunk retrieval.Chunk
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Filename, &chunk.ChunkIndex, &chunk.Content); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// vectorLiteral renders a pgvector input literal, e.g. "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
