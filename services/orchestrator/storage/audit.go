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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AppendAudit writes one append-only audit record. The payload hash is
// computed here so callers cannot store a mismatched pair.
func (s *Store) AppendAudit(ctx context.Context, rec *AuditRecord) (*AuditRecord, error) {
	sum := sha256.Sum256([]byte(rec.PayloadBlinded))
	hash := hex.EncodeToString(sum[:])

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO audit_log (session_id, event_type, provider, model, payload_blinded, payload_hash, token_estimate, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		rec.SessionID, rec.EventType, rec.Provider, rec.Model,
		rec.PayloadBlinded, hash, rec.TokenEstimate, encoded)

	stored := *rec
	stored.PayloadHash = hash
	stored.Metadata = metadata
	if err := row.Scan(&stored.ID, &stored.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert audit record: %w", err)
	}
	return &stored, nil
}

// GetAuditRecords returns a session's audit trail in write order.
func (s *Store) GetAuditRecords(ctx context.Context, sessionID uuid.UUID) ([]AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, event_type, COALESCE(provider, ''), COALESCE(model, ''),
		       payload_blinded, payload_hash, COALESCE(token_estimate, 0), metadata, created_at
		FROM audit_log WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var metadata []byte
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.EventType, &rec.Provider, &rec.Model,
			&rec.PayloadBlinded, &rec.PayloadHash, &rec.TokenEstimate, &metadata, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt audit metadata for %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
