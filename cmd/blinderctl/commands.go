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
	"time"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	purgeYes    bool
	exportPath  string
	sweepMaxAge time.Duration

	rootCmd = &cobra.Command{
		Use:   "blinderctl",
		Short: "Operator tooling for a Blinder deployment",
		Long: `blinderctl manages a running Blinder deployment: master key
generation, session housekeeping and audit trail verification.

Database commands read DATABASE_URL from the environment, the same
variable the orchestrator uses.`,
	}

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master key suitable for BLINDER_MASTER_KEY",
		RunE:  runKeygen, // Defined in cmd_keygen.go
	}

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clean up sessions",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List every session with document and message counts",
		RunE:  runSessionsList, // Defined in cmd_sessions.go
	}
	sessionsPurgeCmd = &cobra.Command{
		Use:   "purge [session-id]",
		Short: "Delete a session and everything derived from it",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsPurge,
	}
	sessionsSweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Delete every session idle longer than --max-age",
		RunE:  runSessionsSweep,
	}

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Work with the tamper-evident audit trail",
	}
	auditVerifyCmd = &cobra.Command{
		Use:   "verify [session-id]",
		Short: "Recompute payload hashes for a session's audit log",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuditVerify, // Defined in cmd_audit.go
	}
	auditExportCmd = &cobra.Command{
		Use:   "export [session-id]",
		Short: "Write a session's audit log to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuditExport,
	}
)

func init() {
	sessionsPurgeCmd.Flags().BoolVarP(&purgeYes, "yes", "y", false,
		"skip the confirmation prompt")
	sessionsSweepCmd.Flags().DurationVar(&sweepMaxAge, "max-age", 720*time.Hour,
		"idle age beyond which sessions are deleted")
	auditExportCmd.Flags().StringVarP(&exportPath, "output", "o", "",
		"output file (default blinder_audit_<session-id>.json)")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsPurgeCmd, sessionsSweepCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditExportCmd)
	rootCmd.AddCommand(keygenCmd, sessionsCmd, auditCmd)
}
