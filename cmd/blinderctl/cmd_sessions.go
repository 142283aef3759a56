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
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/config"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/retention"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/storage"
)

// connectStore opens the same database the orchestrator uses.
func connectStore(ctx context.Context) (*storage.Store, error) {
	cfg := config.Load()
	store, err := storage.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres (is DATABASE_URL set?): %w", err)
	}
	return store, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tDOMAIN\tMESSAGES\tCREATED")
	for i := range sessions {
		s := &sessions[i]
		count, err := store.CountMessages(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("failed to count messages for %s: %w", s.ID, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Title, s.Domain, count, s.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runSessionsPurge(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id %q", args[0])
	}

	ctx := cmd.Context()
	store, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	session, err := store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", id, err)
	}

	if !purgeYes {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return fmt.Errorf("refusing to purge without --yes on a non-interactive stdin")
		}
		fmt.Printf("Purge session %q (%s) and all its documents, messages,\n", session.Title, id)
		fmt.Print("vault entries and audit records? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	fmt.Printf("Session %s purged.\n", id)
	return nil
}

func runSessionsSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sweeper := retention.NewSweeper(store, retention.DefaultConfig(sweepMaxAge))
	result := sweeper.RunNow(ctx)

	fmt.Printf("Scanned %d expired sessions, deleted %d.\n", result.Scanned, result.Deleted)
	for _, sweepErr := range result.Errors {
		fmt.Fprintf(os.Stderr, "error: %v\n", sweepErr)
	}
	if result.HasErrors() {
		return fmt.Errorf("sweep finished with %d errors", len(result.Errors))
	}
	return nil
}
