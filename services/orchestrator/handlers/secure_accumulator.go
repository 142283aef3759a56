// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// AccumulatorSize is the fixed capacity of the secure response buffer.
// 512KB covers any realistic completion; a response that overflows it is
// aborted rather than reallocated, since reallocation would leave stale
// copies of the blinded text in unlocked memory.
const AccumulatorSize = 512 * 1024

// TokenAccumulator collects streamed completion tokens and produces the
// final response together with its SHA-256 hash.
type TokenAccumulator interface {
	// Write appends one token. Fails once the buffer is full or finalized.
	Write(token string) error
	// Finalize returns the accumulated response and its hex SHA-256.
	Finalize() (string, string, error)
	// Destroy wipes the buffer. Safe to call multiple times.
	Destroy()
}

// insecureMemoryEnv disables mlocked buffers, for environments whose
// RLIMIT_MEMLOCK cannot be raised.
const insecureMemoryEnv = "BLINDER_INSECURE_MEMORY"

var memguardInitOnce sync.Once

// NewTokenAccumulator returns a memguard-backed accumulator, or the plain
// variant when locked memory is unavailable or disabled.
func NewTokenAccumulator() TokenAccumulator {
	if os.Getenv(insecureMemoryEnv) == "true" {
		slog.Warn("secure memory disabled by environment, response buffer is not mlocked")
		return &insecureAccumulator{hash: sha256.New()}
	}

	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
	})

	buf := memguard.NewBuffer(AccumulatorSize)
	if buf == nil {
		slog.Warn("mlocked buffer allocation failed, falling back to plain memory")
		return &insecureAccumulator{hash: sha256.New()}
	}
	return &secureAccumulator{buf: buf, hash: sha256.New()}
}

// =============================================================================
// Secure variant
// =============================================================================

// secureAccumulator keeps the response in an mlocked, canary-guarded buffer
// so it cannot be swapped to disk, and hashes incrementally so Finalize
// needs no second pass.
type secureAccumulator struct {
	mu        sync.Mutex
	buf       *memguard.LockedBuffer
	used      int
	hash      hash.Hash
	finalized bool
}

var _ TokenAccumulator = (*secureAccumulator)(nil)

func (a *secureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized || a.buf == nil {
		return fmt.Errorf("accumulator is no longer writable")
	}
	if a.used+len(token) > AccumulatorSize {
		return fmt.Errorf("response exceeds %d byte buffer", AccumulatorSize)
	}
	copy(a.buf.Bytes()[a.used:], token)
	a.used += len(token)
	a.hash.Write([]byte(token))
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized || a.buf == nil {
		return "", "", fmt.Errorf("accumulator already finalized")
	}
	a.finalized = true
	response := string(a.buf.Bytes()[:a.used])
	digest := hex.EncodeToString(a.hash.Sum(nil))
	return response, digest, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf != nil {
		a.buf.Destroy()
		a.buf = nil
	}
}

// =============================================================================
// Insecure fallback
// =============================================================================

type insecureAccumulator struct {
	mu        sync.Mutex
	sb        strings.Builder
	hash      hash.Hash
	finalized bool
}

var _ TokenAccumulator = (*insecureAccumulator)(nil)

func (a *insecureAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return fmt.Errorf("accumulator is no longer writable")
	}
	if a.sb.Len()+len(token) > AccumulatorSize {
		return fmt.Errorf("response exceeds %d byte buffer", AccumulatorSize)
	}
	a.sb.WriteString(token)
	a.hash.Write([]byte(token))
	return nil
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return "", "", fmt.Errorf("accumulator already finalized")
	}
	a.finalized = true
	return a.sb.String(), hex.EncodeToString(a.hash.Sum(nil)), nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = true
	a.sb.Reset()
}
