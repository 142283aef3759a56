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
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession inserts a session with a fresh random 32-byte salt.
func (s *Store) CreateSession(ctx context.Context, title, domain string) (*Session, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate session salt: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (title, domain, session_salt)
		VALUES ($1, $2, $3)
		RETURNING id, title, COALESCE(domain, 'general'), session_salt, created_at, updated_at`,
		title, domain, salt)

	var sess Session
	if err := row.Scan(&sess.ID, &sess.Title, &sess.Domain, &sess.Salt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return &sess, nil
}

// GetSession fetches one session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(title, ''), COALESCE(domain, 'general'), session_salt, created_at, updated_at
		FROM sessions WHERE id = $1`, id)

	var sess Session
	if err := row.Scan(&sess.ID, &sess.Title, &sess.Domain, &sess.Salt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(title, ''), COALESCE(domain, 'general'), session_salt, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Domain, &sess.Salt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession patches title and/or domain. Nil fields are untouched.
func (s *Store) UpdateSession(ctx context.Context, id uuid.UUID, title, domain *string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sessions
		SET title = COALESCE($2, title), domain = COALESCE($3, domain), updated_at = now()
		WHERE id = $1
		RETURNING id, COALESCE(title, ''), COALESCE(domain, 'general'), session_salt, created_at, updated_at`,
		id, title, domain)

	var sess Session
	if err := row.Scan(&sess.ID, &sess.Title, &sess.Domain, &sess.Salt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// ExpiredSessions returns sessions whose last activity predates the
// cutoff, oldest first, capped at limit.
func (s *Store) ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(title, ''), COALESCE(domain, 'general'), session_salt, created_at, updated_at
		FROM sessions
		WHERE COALESCE(updated_at, created_at) < $1
		ORDER BY COALESCE(updated_at, created_at) ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Domain, &sess.Salt, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session; foreign keys cascade to vault entries,
// documents, chunks, messages and audit records.
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
