// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mapper links entity mentions in a new prompt to pseudonyms that
// already exist in the session vault, so "Mr. Smith" in a question reuses
// the pseudonym minted for "John Smith" in a document. The mapper only ever
// re-points surface forms at existing entries; it never creates pseudonyms.
package mapper

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianBlinder/services/blinder/detector"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/vault"
)

var titleRe = regexp.MustCompile(`(?i)^(mr|mrs|ms|miss|dr|prof|judge|justice|hon|sr|jr)\.?\s+`)

const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~ "

// ResolvePromptEntities tries to link each span to an existing vault entry
// using three strategies in order: exact forward-map hit, normalised
// equality, and token overlap of at least two tokens. The latter two
// require matching entity types. On a match the span's surface text is
// registered as an alias so downstream pseudonymisation reuses the
// existing pseudonym.
func ResolvePromptEntities(spans []detector.Span, v *vault.Vault) {
	var forms []vault.SurfaceForm

	for _, span := range spans {
		// Strategy 1: the surface text already resolves.
		if _, ok := v.GetPseudonym(span.Text); ok {
			continue
		}

		if forms == nil {
			forms = v.SurfaceForms()
		}
		normalized := Normalize(span.Text)
		if normalized == "" {
			continue
		}

		matched := matchNormalized(span, normalized, forms)
		if matched == "" {
			matched = matchTokenOverlap(span, normalized, forms)
		}
		if matched == "" {
			continue
		}

		if err := v.AddAlias(matched, span.Text); err != nil {
			slog.Warn("alias registration failed", "pseudonym", matched, "error", err)
			continue
		}
		slog.Debug("prompt entity resolved to existing pseudonym",
			"label", span.Label, "pseudonym", matched)
		// New alias is visible to later spans in the same prompt.
		forms = nil
	}
}

// matchNormalized finds an entry of the same type whose normalised surface
// form equals the span's.
func matchNormalized(span detector.Span, normalized string, forms []vault.SurfaceForm) string {
	for _, form := range forms {
		if form.EntityType != span.Label {
			continue
		}
		if looksLikePseudonym(form.Text) {
			continue
		}
		if Normalize(form.Text) == normalized {
			return form.Pseudonym
		}
	}
	return ""
}

// matchTokenOverlap finds an entry of the same type sharing at least two
// whitespace tokens with the span after normalisation.
func matchTokenOverlap(span detector.Span, normalized string, forms []vault.SurfaceForm) string {
	spanTokens := tokenSet(normalized)
	if len(spanTokens) == 0 {
		return ""
	}
	for _, form := range forms {
		if form.EntityType != span.Label {
			continue
		}
		if looksLikePseudonym(form.Text) {
			continue
		}
		overlap := 0
		for token := range tokenSet(Normalize(form.Text)) {
			if spanTokens[token] {
				overlap++
			}
		}
		if overlap >= 2 {
			return form.Pseudonym
		}
	}
	return ""
}

// Normalize lowercases, strips a leading honorific title, and trims
// punctuation and whitespace from both ends.
func Normalize(text string) string {
	lowered := strings.ToLower(strings.TrimSpace(text))
	lowered = titleRe.ReplaceAllString(lowered, "")
	return strings.Trim(lowered, punctuation)
}

func tokenSet(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, token := range strings.Fields(text) {
		tokens[token] = true
	}
	return tokens
}

func looksLikePseudonym(text string) bool {
	return strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]")
}
