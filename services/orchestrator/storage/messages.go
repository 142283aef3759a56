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

// CreateMessage persists one conversation turn. threats and citations must
// be valid JSON arrays; nil defaults to empty.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) (*Message, error) {
	threats := msg.Threats
	if len(threats) == 0 {
		threats = []byte("[]")
	}
	citations := msg.Citations
	if len(citations) == 0 {
		citations = []byte("[]")
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (session_id, role, lawyer_content, blinded_content, threats_detected, citations)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		msg.SessionID, msg.Role, msg.LawyerContent, msg.BlindedContent, threats, citations)

	stored := *msg
	stored.Threats = threats
	stored.Citations = citations
	if err := row.Scan(&stored.ID, &stored.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return &stored, nil
}

// GetMessages returns a session's full history in conversation order.
func (s *Store) GetMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, lawyer_content, blinded_content, threats_detected, citations, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.LawyerContent,
			&msg.BlindedContent, &msg.Threats, &msg.Citations, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CountMessages reports how many turns the session holds. Used to decide
// whether this is the first message (title + domain generation).
func (s *Store) CountMessages(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}
