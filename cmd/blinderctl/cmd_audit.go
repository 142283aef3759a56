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
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/storage"
)

// auditLine is the export shape for one audit record, verification result
// included.
type auditLine struct {
	ID                  uuid.UUID      `json:"id"`
	EventType           string         `json:"event_type"`
	Provider            string         `json:"provider,omitempty"`
	Model               string         `json:"model,omitempty"`
	PayloadBlinded      string         `json:"payload_blinded"`
	PayloadHash         string         `json:"payload_hash"`
	PayloadHashVerified bool           `json:"payload_hash_verified"`
	TokenEstimate       int            `json:"token_estimate,omitempty"`
	Metadata            map[string]any `json:"metadata"`
	CreatedAt           time.Time      `json:"created_at"`
}

func hashVerified(rec *storage.AuditRecord) bool {
	sum := sha256.Sum256([]byte(rec.PayloadBlinded))
	return hex.EncodeToString(sum[:]) == rec.PayloadHash
}

func loadAudit(cmd *cobra.Command, rawID string) (uuid.UUID, []storage.AuditRecord, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("invalid session id %q", rawID)
	}
	store, err := connectStore(cmd.Context())
	if err != nil {
		return uuid.Nil, nil, err
	}
	defer store.Close()

	records, err := store.GetAuditRecords(cmd.Context(), id)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to load audit records for %s: %w", id, err)
	}
	return id, records, nil
}

// runAuditVerify recomputes every payload hash and reports mismatches.
// The argument is either a session id (verified against the database) or a
// previously exported JSON file (verified offline, no database needed).
// Exit status is non-zero when any record fails, so the command works in
// scheduled integrity checks.
func runAuditVerify(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(args[0]); err == nil {
		return verifyExportFile(args[0])
	}

	id, records, err := loadAudit(cmd, args[0])
	if err != nil {
		return err
	}

	var failed int
	for i := range records {
		if !hashVerified(&records[i]) {
			failed++
			fmt.Printf("MISMATCH  %s  %s  %s\n",
				records[i].ID, records[i].EventType, records[i].CreatedAt.Format(time.RFC3339))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d audit records failed hash verification for session %s",
			failed, len(records), id)
	}
	fmt.Printf("All %d audit records verified for session %s.\n", len(records), id)
	return nil
}

// verifyExportFile rechecks the hashes inside an export report, so a
// recipient can validate a report they were handed without touching the
// deployment.
func verifyExportFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var report struct {
		AuditLogs []auditLine `json:"audit_logs"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("%s is not an audit export: %w", path, err)
	}

	var failed int
	for i := range report.AuditLogs {
		line := &report.AuditLogs[i]
		sum := sha256.Sum256([]byte(line.PayloadBlinded))
		if hex.EncodeToString(sum[:]) != line.PayloadHash {
			failed++
			fmt.Printf("MISMATCH  %s  %s  %s\n",
				line.ID, line.EventType, line.CreatedAt.Format(time.RFC3339))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d audit records in %s failed hash verification",
			failed, len(report.AuditLogs), path)
	}
	fmt.Printf("All %d audit records in %s verified.\n", len(report.AuditLogs), path)
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	id, records, err := loadAudit(cmd, args[0])
	if err != nil {
		return err
	}

	lines := make([]auditLine, 0, len(records))
	for i := range records {
		rec := &records[i]
		lines = append(lines, auditLine{
			ID:                  rec.ID,
			EventType:           rec.EventType,
			Provider:            rec.Provider,
			Model:               rec.Model,
			PayloadBlinded:      rec.PayloadBlinded,
			PayloadHash:         rec.PayloadHash,
			PayloadHashVerified: hashVerified(rec),
			TokenEstimate:       rec.TokenEstimate,
			Metadata:            rec.Metadata,
			CreatedAt:           rec.CreatedAt,
		})
	}

	path := exportPath
	if path == "" {
		path = fmt.Sprintf("blinder_audit_%s.json", id)
	}
	data, err := json.MarshalIndent(map[string]any{
		"report_type":  "blinder_audit_export",
		"version":      "1.0",
		"generated_at": time.Now().UTC(),
		"session_id":   id,
		"audit_logs":   lines,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("Wrote %d audit records to %s.\n", len(lines), path)
	return nil
}
