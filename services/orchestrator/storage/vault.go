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
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SaveVaultEntries inserts any entries not yet persisted for the session.
// The unique (session_id, pseudonym) constraint makes concurrent writers
// safe; conflicts are ignored and the first writer wins.
func (s *Store) SaveVaultEntries(ctx context.Context, sessionID uuid.UUID, records []VaultRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range records {
		aliases, err := json.Marshal(rec.Aliases)
		if err != nil {
			return fmt.Errorf("failed to encode aliases: %w", err)
		}
		if rec.Aliases == nil {
			aliases = []byte("[]")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO vault_entries (session_id, entity_type, pseudonym, encrypted_value, nonce, aliases)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (session_id, pseudonym) DO NOTHING`,
			sessionID, rec.EntityType, rec.Pseudonym, rec.EncryptedValue, rec.Nonce, aliases)
		if err != nil {
			return fmt.Errorf("failed to insert vault entry %s: %w", rec.Pseudonym, err)
		}
	}
	return tx.Commit(ctx)
}

// GetVaultEntries returns all entries for a session in creation order.
func (s *Store) GetVaultEntries(ctx context.Context, sessionID uuid.UUID) ([]VaultRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, entity_type, pseudonym, encrypted_value, nonce, aliases, created_at
		FROM vault_entries WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []VaultRecord
	for rows.Next() {
		var rec VaultRecord
		var aliases []byte
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.EntityType, &rec.Pseudonym,
			&rec.EncryptedValue, &rec.Nonce, &aliases, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(aliases, &rec.Aliases); err != nil {
			return nil, fmt.Errorf("corrupt aliases for %s: %w", rec.Pseudonym, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateVaultAliases replaces the alias list on one entry.
func (s *Store) UpdateVaultAliases(ctx context.Context, sessionID uuid.UUID, pseudonym string, aliases []string) error {
	encoded, err := json.Marshal(aliases)
	if err != nil {
		return fmt.Errorf("failed to encode aliases: %w", err)
	}
	if aliases == nil {
		encoded = []byte("[]")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE vault_entries SET aliases = $3
		WHERE session_id = $1 AND pseudonym = $2`,
		sessionID, pseudonym, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountVaultEntriesByType aggregates entity counts for the audit export.
// Real values never leave the ciphertext column.
func (s *Store) CountVaultEntriesByType(ctx context.Context, sessionID uuid.UUID) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, COUNT(*) FROM vault_entries
		WHERE session_id = $1 GROUP BY entity_type`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var entityType string
		var n int
		if err := rows.Scan(&entityType, &n); err != nil {
			return nil, err
		}
		counts[entityType] = n
	}
	return counts, rows.Err()
}
