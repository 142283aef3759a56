// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging configures structured logging for Blinder components.
//
// Built on slog with JSON output so log lines are machine-parseable by
// whatever ships them off the host. Log records carry pseudonyms and
// counts only: real PII values and raw document text must never reach a
// log call, the vault is the only place cleartext identities live.
//
// Basic usage from a service main:
//
//	logger := logging.Setup(logging.Config{
//	    Level:   logging.ParseLevel(cfg.LogLevel),
//	    Service: "orchestrator",
//	})
//	logger.Info("listening", "port", port)
//
// Setup installs the logger as the slog default, so library packages that
// call slog.Warn directly inherit the same handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// =============================================================================
// Levels
// =============================================================================

// Level is the minimum severity a record needs to be emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the conventional upper-case name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a LOG_LEVEL env value to a Level. Unknown values fall
// back to Info so a typo never silences the logs.
func ParseLevel(raw string) Level {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// =============================================================================
// Setup
// =============================================================================

// Config controls Setup.
type Config struct {
	// Level is the minimum severity emitted.
	Level Level

	// Service tags every record, useful when several Blinder services
	// log to the same sink.
	Service string

	// Output defaults to stdout.
	Output io.Writer
}

// Setup builds a JSON slog logger, installs it as the process default and
// returns it.
func Setup(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.Level.toSlogLevel(),
	})
	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	slog.SetDefault(logger)
	return logger
}
