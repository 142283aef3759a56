// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline composes the sanitiser, detector, prompt filter and
// entity mapper into the document-ingest and prompt-preparation flows. It
// is the only place where a high-severity threat turns into a hard failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianBlinder/services/blinder/depseudo"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/detector"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/mapper"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/promptfilter"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/sanitizer"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/vault"
)

// ============================================================================
// Errors
// ============================================================================

// HighSeverityThreatError aborts processing before any text can reach the
// LLM. Threats carries every threat the sanitiser found, not only the high
// ones, so callers can report the full picture.
type HighSeverityThreatError struct {
	Threats []sanitizer.Threat
}

func (e *HighSeverityThreatError) Error() string {
	return fmt.Sprintf("input rejected: %d threat(s) detected, at least one high severity", len(e.Threats))
}

// IsHighSeverityThreat reports whether err is a HighSeverityThreatError and
// returns it when so.
func IsHighSeverityThreat(err error) (*HighSeverityThreatError, bool) {
	var hst *HighSeverityThreatError
	if errors.As(err, &hst) {
		return hst, true
	}
	return nil, false
}

// ============================================================================
// Pipeline
// ============================================================================

// Result is the outcome of blinding one piece of text.
type Result struct {
	BlindedText string
	PIICount    int
	Threats     []sanitizer.Threat
}

// Pipeline owns the stateless processing stages. The vault is per-request
// state and is passed into each call.
type Pipeline struct {
	sanitizer *sanitizer.Sanitizer
	detector  *detector.Detector
}

// New wires the sanitiser and detector into a pipeline.
func New(s *sanitizer.Sanitizer, d *detector.Detector) *Pipeline {
	return &Pipeline{sanitizer: s, detector: d}
}

// ProcessDocument blinds document text for ingest: sanitise, detect on the
// cleaned text, pseudonymise against the session vault. A high-severity
// threat aborts before detection runs.
func (p *Pipeline) ProcessDocument(ctx context.Context, text string, skipNER bool, v *vault.Vault) (Result, error) {
	tracer := otel.Tracer("blinder.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.ProcessDocument")
	defer span.End()

	san := p.sanitizer.Sanitize(text)
	if !san.IsSafe {
		span.SetStatus(codes.Error, "high severity threat")
		return Result{Threats: san.Threats}, &HighSeverityThreatError{Threats: san.Threats}
	}

	spans, err := p.detector.Detect(ctx, san.CleanedText, skipNER)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("document detection failed: %w", err)
	}

	blinded := v.PseudonymizeText(san.CleanedText, spans)
	span.SetAttributes(attribute.Int("pii_count", len(spans)))
	return Result{BlindedText: blinded, PIICount: len(spans), Threats: san.Threats}, nil
}

// ProcessDocumentWithEntities blinds document text using pre-computed spans
// (column-mode ingest). The spans carry offsets into the original text, so
// they are only usable when sanitisation did not alter it; otherwise the
// offsets are stale and we fall back to a pattern-only detection pass over
// the cleaned text.
func (p *Pipeline) ProcessDocumentWithEntities(ctx context.Context, text string, precomputed []detector.Span, v *vault.Vault) (Result, error) {
	tracer := otel.Tracer("blinder.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.ProcessDocumentWithEntities")
	defer span.End()

	san := p.sanitizer.Sanitize(text)
	if !san.IsSafe {
		span.SetStatus(codes.Error, "high severity threat")
		return Result{Threats: san.Threats}, &HighSeverityThreatError{Threats: san.Threats}
	}

	spans := precomputed
	if san.CleanedText != text {
		slog.Warn("sanitiser altered text, pre-computed entity offsets discarded")
		detected, err := p.detector.Detect(ctx, san.CleanedText, true)
		if err != nil {
			span.RecordError(err)
			return Result{}, fmt.Errorf("fallback detection failed: %w", err)
		}
		spans = detected
	}

	blinded := v.PseudonymizeText(san.CleanedText, spans)
	span.SetAttributes(attribute.Int("pii_count", len(spans)))
	return Result{BlindedText: blinded, PIICount: len(spans), Threats: san.Threats}, nil
}

// ProcessPrompt blinds a user prompt: sanitise, detect with both gates,
// drop analytical false positives, resolve mentions against existing vault
// entries, then pseudonymise. Resolved mentions reuse their entity's
// pseudonym instead of minting a new one.
func (p *Pipeline) ProcessPrompt(ctx context.Context, text string, v *vault.Vault) (Result, error) {
	tracer := otel.Tracer("blinder.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.ProcessPrompt")
	defer span.End()

	san := p.sanitizer.Sanitize(text)
	if !san.IsSafe {
		span.SetStatus(codes.Error, "high severity threat")
		return Result{Threats: san.Threats}, &HighSeverityThreatError{Threats: san.Threats}
	}

	spans, err := p.detector.Detect(ctx, san.CleanedText, false)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("prompt detection failed: %w", err)
	}

	kept := promptfilter.Filter(san.CleanedText, spans)
	mapper.ResolvePromptEntities(kept, v)

	blinded := v.PseudonymizeText(san.CleanedText, kept)
	span.SetAttributes(attribute.Int("pii_count", len(kept)))
	return Result{BlindedText: blinded, PIICount: len(kept), Threats: san.Threats}, nil
}

// RestoreResponse replaces pseudonym tokens in LLM output with real values.
func (p *Pipeline) RestoreResponse(text string, v *vault.Vault) string {
	return depseudo.Restore(text, v)
}
