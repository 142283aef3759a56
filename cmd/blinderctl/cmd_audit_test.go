// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/storage"
)

// TestHashVerified covers the match and tamper cases.
func TestHashVerified(t *testing.T) {
	payload := "PERSON_001 emailed ORG_002"
	sum := sha256.Sum256([]byte(payload))

	rec := storage.AuditRecord{
		PayloadBlinded: payload,
		PayloadHash:    hex.EncodeToString(sum[:]),
	}
	assert.True(t, hashVerified(&rec))

	rec.PayloadBlinded = "PERSON_001 emailed ORG_003"
	assert.False(t, hashVerified(&rec))
}

// TestVerifyExportFile checks offline verification of an exported report.
func TestVerifyExportFile(t *testing.T) {
	payload := "PERSON_001 signed the agreement"
	sum := sha256.Sum256([]byte(payload))

	report := map[string]any{
		"report_type": "blinder_audit_export",
		"audit_logs": []map[string]any{{
			"id":              uuid.New(),
			"event_type":      "llm_request",
			"payload_blinded": payload,
			"payload_hash":    hex.EncodeToString(sum[:]),
		}},
	}
	data, err := json.Marshal(report)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	assert.NoError(t, verifyExportFile(path))

	tampered := []byte(strings.Replace(string(data), "PERSON_001", "PERSON_002", 1))
	require.NoError(t, os.WriteFile(path, tampered, 0o600))
	assert.Error(t, verifyExportFile(path))
}

// TestCommandSurface checks the subcommand tree is registered.
func TestCommandSurface(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["keygen"])
	assert.True(t, names["sessions"])
	assert.True(t, names["audit"])

	var auditSubs []string
	for _, c := range auditCmd.Commands() {
		auditSubs = append(auditSubs, c.Name())
	}
	assert.ElementsMatch(t, []string{"verify", "export"}, auditSubs)
}
