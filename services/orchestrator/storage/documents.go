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

	"github.com/google/uuid"
)

// CreateDocument inserts an unprocessed document carrying its raw text.
func (s *Store) CreateDocument(ctx context.Context, sessionID uuid.UUID, filename, contentType, rawText string) (*Document, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO documents (session_id, filename, content_type, raw_text)
		VALUES ($1, $2, $3, $4)
		RETURNING id, session_id, COALESCE(filename, ''), COALESCE(content_type, ''),
		          COALESCE(raw_text, ''), COALESCE(blinded_text, ''), pii_count, processed, created_at`,
		sessionID, filename, contentType, rawText)

	var doc Document
	if err := scanDocument(row, &doc); err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}
	return &doc, nil
}

// MarkDocumentProcessed stores the blinded text and clears raw_text. After
// this call the plaintext exists nowhere in the database.
func (s *Store) MarkDocumentProcessed(ctx context.Context, docID uuid.UUID, blindedText string, piiCount int) (*Document, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE documents
		SET blinded_text = $2, pii_count = $3, processed = true, raw_text = NULL
		WHERE id = $1
		RETURNING id, session_id, COALESCE(filename, ''), COALESCE(content_type, ''),
		          COALESCE(raw_text, ''), COALESCE(blinded_text, ''), pii_count, processed, created_at`,
		docID, blindedText, piiCount)

	var doc Document
	if err := scanDocument(row, &doc); err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

// GetDocuments lists a session's documents, oldest first.
func (s *Store) GetDocuments(ctx context.Context, sessionID uuid.UUID) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, COALESCE(filename, ''), COALESCE(content_type, ''),
		       COALESCE(raw_text, ''), COALESCE(blinded_text, ''), pii_count, processed, created_at
		FROM documents WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := scanDocument(rows, &doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// BlindedDocumentTexts returns the blinded text of every processed document
// in the session, for the full-document context path.
func (s *Store) BlindedDocumentTexts(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT blinded_text FROM documents
		WHERE session_id = $1 AND processed = true AND blinded_text IS NOT NULL
		ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		texts = append(texts, text)
	}
	return texts, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable, doc *Document) error {
	return row.Scan(&doc.ID, &doc.SessionID, &doc.Filename, &doc.ContentType,
		&doc.RawText, &doc.BlindedText, &doc.PIICount, &doc.Processed, &doc.CreatedAt)
}
