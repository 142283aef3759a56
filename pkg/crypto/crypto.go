// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crypto holds the primitives the vault is built on: PBKDF2 session
// key derivation and AES-256-GCM authenticated encryption of entity values.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the derived session key length in bytes (AES-256).
	KeySize = 32

	// SaltSize is the per-session random salt length in bytes.
	SaltSize = 32

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// MinMasterKeyLen is the shortest master key accepted for session
	// key derivation.
	MinMasterKeyLen = 32

	// pbkdf2Iterations follows the current OWASP floor for HMAC-SHA256.
	pbkdf2Iterations = 600_000
)

// ErrWeakMasterKey is returned when the configured master key is missing or
// shorter than MinMasterKeyLen bytes. Callers refuse vault operations rather
// than encrypting under a guessable key.
var ErrWeakMasterKey = errors.New("crypto: master key missing or too short")

// WeakMasterKey reports whether masterKey is too short to derive session
// keys from.
func WeakMasterKey(masterKey string) bool {
	return len(masterKey) < MinMasterKeyLen
}

// AuthenticationFailedError is returned when GCM tag verification fails:
// wrong key, wrong nonce, or tampered ciphertext. The error never carries
// plaintext or key material.
type AuthenticationFailedError struct {
	Op string
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("crypto: authentication failed during %s", e.Op)
}

// IsAuthenticationFailed reports whether err is an authentication failure.
func IsAuthenticationFailed(err error) bool {
	var afe *AuthenticationFailedError
	return errors.As(err, &afe)
}

// DeriveKey derives a 32-byte session key from the master key and a
// per-session salt using PBKDF2-HMAC-SHA256. Deterministic for identical
// inputs, so the same session always yields the same key.
func DeriveKey(masterKey string, salt []byte) []byte {
	return pbkdf2.Key([]byte(masterKey), salt, pbkdf2Iterations, KeySize, sha256.New)
}

// NewSalt returns a fresh random session salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: salt generation failed: %w", err)
	}
	return salt, nil
}

// Encrypt seals plaintext with AES-256-GCM under key, using a fresh random
// 12-byte nonce and no associated data. Returns (ciphertext, nonce).
func Encrypt(plaintext, key []byte) ([]byte, []byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: nonce generation failed: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext produced by Encrypt. Returns
// AuthenticationFailedError when the tag does not verify.
func Decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, &AuthenticationFailedError{Op: "decrypt"}
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &AuthenticationFailedError{Op: "decrypt"}
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: GCM init failed: %w", err)
	}
	return aead, nil
}
