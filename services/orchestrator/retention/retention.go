// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention deletes sessions that have been idle past the
// configured age. Deleting a session cascades to its vault entries,
// documents, chunks, messages and audit records, so a sweep is the point
// where a session's cleartext identities become unrecoverable.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/storage"
)

// SessionStore is the slice of the storage layer the sweeper needs.
type SessionStore interface {
	ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]storage.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	GetSession(ctx context.Context, id uuid.UUID) (*storage.Session, error)
}

var _ SessionStore = (*storage.Store)(nil)

// Config holds the sweep schedule. A zero MaxAge disables sweeping.
type Config struct {
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

// DefaultConfig returns the production schedule: hourly sweeps, 100
// sessions per cycle.
func DefaultConfig(maxAge time.Duration) Config {
	return Config{
		Interval:  1 * time.Hour,
		MaxAge:    maxAge,
		BatchSize: 100,
	}
}

// Result summarises one sweep cycle.
type Result struct {
	Scanned  int
	Deleted  int
	Errors   []error
	Duration time.Duration
}

// HasErrors reports whether any deletion in the cycle failed.
func (r *Result) HasErrors() bool { return len(r.Errors) > 0 }

// Sweeper runs retention sweeps on a ticker. Start/Stop manage the
// background goroutine; RunNow is for operator tooling and tests.
type Sweeper struct {
	store  SessionStore
	config Config

	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// NewSweeper builds a sweeper; call Start to begin sweeping.
func NewSweeper(store SessionStore, config Config) *Sweeper {
	return &Sweeper{store: store, config: config}
}

// Start launches the background sweep loop. Starting a disabled or
// already-running sweeper is an error.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.config.MaxAge <= 0 {
		return errors.New("retention sweeping is disabled: MaxAge is zero")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("retention sweeper already running")
	}
	s.done = make(chan struct{})
	s.running = true
	go s.runLoop(ctx)
	return nil
}

// Stop signals the loop to exit. Safe to call when not running.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.done)
	s.running = false
}

func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			result := s.RunNow(ctx)
			if result.HasErrors() {
				slog.Error("retention sweep finished with errors",
					"scanned", result.Scanned, "deleted", result.Deleted,
					"errors", len(result.Errors))
			} else if result.Deleted > 0 {
				slog.Info("retention sweep finished",
					"scanned", result.Scanned, "deleted", result.Deleted,
					"duration_ms", result.Duration.Milliseconds())
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunNow executes one sweep cycle: load expired sessions, delete each and
// verify the row is really gone before counting it.
func (s *Sweeper) RunNow(ctx context.Context) Result {
	start := time.Now()
	result := Result{}

	cutoff := time.Now().Add(-s.config.MaxAge)
	sessions, err := s.store.ExpiredSessions(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failed to list expired sessions: %w", err))
		result.Duration = time.Since(start)
		return result
	}
	result.Scanned = len(sessions)

	for i := range sessions {
		id := sessions[i].ID
		if err := s.store.DeleteSession(ctx, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			result.Errors = append(result.Errors, fmt.Errorf("failed to delete session %s: %w", id, err))
			continue
		}
		if err := s.verifyDeleted(ctx, id); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Deleted++
		slog.Info("expired session deleted", "session_id", id,
			"idle_since", lastActivity(&sessions[i]).Format(time.RFC3339))
	}
	result.Duration = time.Since(start)
	return result
}

// verifyDeleted confirms the session row no longer resolves. The delete
// already ran, so anything other than ErrNotFound means the cascade
// cannot be trusted.
func (s *Sweeper) verifyDeleted(ctx context.Context, id uuid.UUID) error {
	_, err := s.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to verify deletion of session %s: %w", id, err)
	}
	return fmt.Errorf("session %s still present after deletion", id)
}

func lastActivity(sess *storage.Session) time.Time {
	if sess.UpdatedAt != nil {
		return *sess.UpdatedAt
	}
	return sess.CreatedAt
}
