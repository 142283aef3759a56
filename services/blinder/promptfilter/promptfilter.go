// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package promptfilter suppresses false-positive PII detections in user
// prompts. Analytical queries use numbers, dates and locations as query
// parameters ("how many records from 2022 are over 60?"), not as sensitive
// values; blinding them would corrupt the question.
package promptfilter

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianBlinder/services/blinder/detector"
)

// alwaysPII labels are kept unconditionally.
var alwaysPII = map[string]bool{
	"PERSON": true, "EMAIL": true, "PHONE": true, "SSN": true,
	"CREDIT_CARD": true, "BANK_ACCOUNT": true, "IBAN": true,
	"DRIVER_LICENSE": true, "PASSPORT": true, "IP_ADDRESS": true,
	"MEDICAL_LICENSE": true,
}

// contextDependent labels are judged by the analytical signals in their
// local context window.
var contextDependent = map[string]bool{
	"DATE": true, "DATE_TIME": true, "LOCATION": true, "ORG": true, "NORP": true,
}

// contextWindow is the number of bytes inspected on each side of a span.
const contextWindow = 60

// personProximity is the distance within which a PERSON span vetoes
// suppression.
const personProximity = 80

var (
	thresholdContext = regexp.MustCompile(`(?i)\b(over|under|above|below|more than|less than|fewer than|greater than|` +
		`at least|at most|between|exceeds?|older than|younger than|` +
		`higher than|lower than)\b`)
	aggregationContext = regexp.MustCompile(`(?i)\b(how many|count|average|avg|mean|total|sum|max|min|median|` +
		`top|bottom|first|last|highest|lowest|oldest|youngest|largest|smallest|` +
		`percentile|quartile|standard deviation|stdev|variance)\b`)
	filterContext = regexp.MustCompile(`(?i)\b(group by|by|in|from|per|for each|break down|segment|` +
		`filter|where|records? from|records? in|records? after|records? before|` +
		`hired in|filed in|joined in|created in|admitted in|cases? from|` +
		`show all|list all|list everyone)\b`)
	rangeContext = regexp.MustCompile(`(?i)\b(between|range|from .+ to)\b`)
	currencyRe   = regexp.MustCompile(`[\$€£₹]|(\d[KkMmBb]\b)|\b(dollars?|euros?|pounds?|thousand|million|billion)\b`)
	percentageRe = regexp.MustCompile(`(?i)\d\s*%|\bpercent\b|\brate\b`)
	yearOnlyRe   = regexp.MustCompile(`^(19|20)\d{2}$`)
	digitRe      = regexp.MustCompile(`\d`)
)

// Filter returns the spans that should still be blinded. Every suppression
// is logged with its reason.
func Filter(text string, spans []detector.Span) []detector.Span {
	if len(spans) == 0 {
		return spans
	}

	var kept []detector.Span
	for _, span := range spans {
		if alwaysPII[span.Label] {
			kept = append(kept, span)
			continue
		}

		if contextDependent[span.Label] && suppress(text, span, spans) {
			continue
		}
		kept = append(kept, span)
	}

	if suppressed := len(spans) - len(kept); suppressed > 0 {
		slog.Info("prompt filter suppressed analytical parameters",
			"suppressed", suppressed, "total", len(spans))
	}
	return kept
}

func suppress(text string, span detector.Span, all []detector.Span) bool {
	ctx := contextAround(text, span.Start, span.End)

	if span.Label == "DATE" || span.Label == "DATE_TIME" {
		// Standalone number in threshold/aggregation/currency context.
		if isStandaloneNumber(span.Text) {
			if thresholdContext.MatchString(ctx) ||
				aggregationContext.MatchString(ctx) ||
				currencyRe.MatchString(ctx) ||
				percentageRe.MatchString(ctx) ||
				rangeContext.MatchString(ctx) {
				slog.Info("prompt filter: standalone number in analytical context",
					"text", span.Text, "label", span.Label)
				return true
			}
		}

		// Year-only in filter context ("from 2022", "hired in 2020"), kept
		// when a person is mentioned nearby ("John hired in 2020").
		if isYearOnly(span.Text) && filterContext.MatchString(ctx) &&
			!hasPersonNearby(span, all) {
			slog.Info("prompt filter: year in filter context",
				"text", span.Text, "label", span.Label)
			return true
		}

		// Other partial dates in filter or range context.
		if (filterContext.MatchString(ctx) || rangeContext.MatchString(ctx)) &&
			!hasPersonNearby(span, all) {
			slog.Info("prompt filter: date in filter context",
				"text", span.Text, "label", span.Label)
			return true
		}
	}

	// Locations used as dimensions ("in California", "by city"). Street
	// addresses contain digits and are kept.
	if span.Label == "LOCATION" {
		if (filterContext.MatchString(ctx) || aggregationContext.MatchString(ctx)) &&
			!digitRe.MatchString(span.Text) {
			slog.Info("prompt filter: location in analytical context",
				"text", span.Text, "label", span.Label)
			return true
		}
	}

	// Organisations in aggregation context ("average at Mayo Clinic").
	if span.Label == "ORG" {
		if (aggregationContext.MatchString(ctx) || filterContext.MatchString(ctx)) &&
			!hasPersonNearby(span, all) {
			slog.Info("prompt filter: org in analytical context",
				"text", span.Text, "label", span.Label)
			return true
		}
	}

	return false
}

func contextAround(text string, start, end int) string {
	ctxStart := start - contextWindow
	if ctxStart < 0 {
		ctxStart = 0
	}
	ctxEnd := end + contextWindow
	if ctxEnd > len(text) {
		ctxEnd = len(text)
	}
	return text[ctxStart:ctxEnd]
}

// isStandaloneNumber reports whether the span text is a bare number after
// stripping grouping, currency, percent, sign and K/M suffixes.
func isStandaloneNumber(text string) bool {
	stripped := strings.TrimSpace(text)
	for _, cut := range []string{",", ".", "$", "€", "£", "₹", "%", "+", "-", "K", "k", "M", "m"} {
		stripped = strings.ReplaceAll(stripped, cut, "")
	}
	if stripped == "" {
		return false
	}
	for _, r := range stripped {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isYearOnly(text string) bool {
	return yearOnlyRe.MatchString(strings.TrimSpace(text))
}

func hasPersonNearby(span detector.Span, all []detector.Span) bool {
	for _, other := range all {
		if other.Label != "PERSON" {
			continue
		}
		if abs(other.Start-span.End) < personProximity || abs(span.Start-other.End) < personProximity {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
