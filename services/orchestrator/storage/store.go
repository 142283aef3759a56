// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists sessions, vault entries, documents, chunks,
// messages and audit records in Postgres. The chunk index doubles as the
// retrieval signal store (tsvector full-text plus pgvector cosine).
package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is compiled into the binary so schema init works in container
// images that do not ship the source tree.
//
//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a requested row does not exist. Handlers map
// it to 404.
var ErrNotFound = errors.New("not found")

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	slog.Info("connected to postgres")
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded DDL. Safe to run on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	slog.Info("blinder schema initialized")
	return nil
}

// =============================================================================
// Records
// =============================================================================

// Session is one stored session row.
type Session struct {
	ID        uuid.UUID
	Title     string
	Domain    string
	Salt      []byte
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// VaultRecord is one persisted vault entry. The real value exists only as
// AES-GCM ciphertext.
type VaultRecord struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	EntityType     string
	Pseudonym      string
	EncryptedValue []byte
	Nonce          []byte
	Aliases        []string
	CreatedAt      time.Time
}

// Document is one stored document row. RawText is cleared once processing
// completes.
type Document struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	Filename    string
	ContentType string
	RawText     string
	BlindedText string
	PIICount    int
	Processed   bool
	CreatedAt   time.Time
}

// Message is one stored conversation turn. Threats and Citations hold the
// JSON documents the handler produced.
type Message struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	Role           string
	LawyerContent  string
	BlindedContent string
	Threats        json.RawMessage
	Citations      json.RawMessage
	CreatedAt      time.Time
}

// AuditRecord is one append-only boundary event.
type AuditRecord struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	EventType      string
	Provider       string
	Model          string
	PayloadBlinded string
	PayloadHash    string
	TokenEstimate  int
	Metadata       map[string]any
	CreatedAt      time.Time
}

// notFound translates pgx's sentinel into ours.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
