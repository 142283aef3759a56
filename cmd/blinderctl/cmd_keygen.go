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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const masterKeyBytes = 32

// runKeygen prints a fresh master key. On a terminal it comes with usage
// guidance; when piped, the key alone is written so
// `blinderctl keygen > keyfile` stays clean.
func runKeygen(cmd *cobra.Command, args []string) error {
	raw := make([]byte, masterKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("failed to read system entropy: %w", err)
	}
	key := hex.EncodeToString(raw)

	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Printf("New master key (%d bytes, hex encoded):\n\n  %s\n\n", masterKeyBytes, key)
		fmt.Println("Set it as BLINDER_MASTER_KEY for the orchestrator. Losing this key")
		fmt.Println("makes every existing vault entry permanently unreadable.")
		return nil
	}
	fmt.Println(key)
	return nil
}
