// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sanitizer normalises inbound text and detects injection attempts
// before anything is allowed near the blinding pipeline: unicode stripping,
// homoglyph spotting, prompt-injection phrases, and reserved-delimiter abuse.
package sanitizer

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/AleutianAI/AleutianBlinder/services/blinder/patterns"
)

// Reserved delimiters wrapping document content sent to the LLM. User text
// containing either is treated as a high-severity injection attempt.
const (
	BeginDelimiter = "### BEGIN DOCUMENT ###"
	EndDelimiter   = "### END DOCUMENT ###"
)

// Threat describes a single detected threat.
type Threat struct {
	ThreatType     string            `json:"threat_type"`
	Description    string            `json:"description"`
	Severity       patterns.Severity `json:"severity"`
	MatchedPattern string            `json:"matched_pattern"`
}

// Result is the outcome of running the full sanitisation pipeline.
type Result struct {
	IsSafe      bool
	Threats     []Threat
	CleanedText string
}

//go:embed rules/injection_patterns.yaml
var injectionPatternsYAML []byte

// homoglyph pairs: latin char, look-alike rune, script name. Checked only
// when the text also contains Latin letters.
var homoglyphs = []struct {
	latin     rune
	lookalike rune
	script    string
}{
	{'a', 'а', "Cyrillic"},
	{'c', 'с', "Cyrillic"},
	{'e', 'е', "Cyrillic"},
	{'o', 'о', "Cyrillic"},
	{'p', 'р', "Cyrillic"},
	{'x', 'х', "Cyrillic"},
	{'y', 'у', "Cyrillic"},
	{'s', 'ѕ', "Cyrillic"},
	{'i', 'і', "Cyrillic"},
	{'A', 'А', "Cyrillic"},
	{'B', 'В', "Cyrillic"},
	{'C', 'С', "Cyrillic"},
	{'E', 'Е', "Cyrillic"},
	{'H', 'Н', "Cyrillic"},
	{'K', 'К', "Cyrillic"},
	{'M', 'М', "Cyrillic"},
	{'O', 'О', "Cyrillic"},
	{'P', 'Р', "Cyrillic"},
	{'T', 'Т', "Cyrillic"},
	{'X', 'Х', "Cyrillic"},
	{'o', 'ο', "Greek"},
	{'v', 'ν', "Greek"},
}

var latinRe = regexp.MustCompile(`[a-zA-Z]`)

// Sanitizer runs unicode stripping and injection detection. Safe for
// concurrent use; the rule set swap is guarded for hot reload.
type Sanitizer struct {
	mu    sync.RWMutex
	rules []patterns.Rule
}

// NewSanitizer builds a sanitiser from the embedded injection rule table.
func NewSanitizer() (*Sanitizer, error) {
	rules, err := patterns.Parse(injectionPatternsYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded injection patterns: %w", err)
	}
	return &Sanitizer{rules: rules}, nil
}

// SetOverrides appends operator-supplied rules after the built-in set.
func (s *Sanitizer) SetOverrides(overrides []patterns.Rule) {
	builtin, err := patterns.Parse(injectionPatternsYAML)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.rules = append(builtin, overrides...)
	s.mu.Unlock()
}

// Sanitize runs all threat checks over text.
//
// The pipeline is pure and idempotent: sanitising already-cleaned text
// yields the same cleaned text. Homoglyph detection runs on the original
// text so the offending characters can be reported; injection and delimiter
// checks run on the cleaned text so invisible characters cannot split a
// known phrase past the matcher.
func (s *Sanitizer) Sanitize(text string) Result {
	var threats []Threat

	cleaned := stripUnicodeThreats(text)
	threats = append(threats, detectHomoglyphs(text)...)
	threats = append(threats, s.detectPromptInjection(cleaned)...)
	threats = append(threats, detectDelimiterInjection(cleaned)...)

	isSafe := true
	for _, t := range threats {
		if t.Severity == patterns.High {
			isSafe = false
			break
		}
	}
	return Result{IsSafe: isSafe, Threats: threats, CleanedText: cleaned}
}

// WrapDocumentContent wraps text in the reserved delimiters for inclusion in
// an LLM context.
func WrapDocumentContent(text string) string {
	return BeginDelimiter + "\n" + text + "\n" + EndDelimiter
}

// stripUnicodeThreats NFKC-normalises text and removes invisible characters:
// zero-width set, bidi overrides and isolates, tag characters, and any other
// Cf-category rune except soft hyphen.
func stripUnicodeThreats(text string) string {
	normalized := norm.NFKC.String(text)

	var b strings.Builder
	b.Grow(len(normalized))
	for _, ch := range normalized {
		switch ch {
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			continue
		}
		if ch >= '\u202a' && ch <= '\u202e' {
			continue
		}
		if ch >= '\u2066' && ch <= '\u2069' {
			continue
		}
		if ch >= 0xE0001 && ch <= 0xE007F {
			continue
		}
		if unicode.Is(unicode.Cf, ch) && ch != '\u00ad' {
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func detectHomoglyphs(text string) []Threat {
	if !latinRe.MatchString(text) {
		return nil
	}

	var found []Threat
	seen := make(map[rune]bool)
	for _, h := range homoglyphs {
		if seen[h.lookalike] {
			continue
		}
		if strings.ContainsRune(text, h.lookalike) {
			seen[h.lookalike] = true
			found = append(found, Threat{
				ThreatType: "homoglyph",
				Description: fmt.Sprintf("%s character U+%04X resembling Latin '%c' found in text",
					h.script, h.lookalike, h.latin),
				Severity:       patterns.Medium,
				MatchedPattern: string(h.lookalike),
			})
		}
	}
	return found
}

func (s *Sanitizer) detectPromptInjection(text string) []Threat {
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	var threats []Threat
	for i := range rules {
		match := rules[i].FindString(text)
		if match != "" {
			threats = append(threats, Threat{
				ThreatType:     "prompt_injection",
				Description:    rules[i].Description,
				Severity:       rules[i].Severity,
				MatchedPattern: match,
			})
		}
	}
	return threats
}

func detectDelimiterInjection(text string) []Threat {
	var threats []Threat
	for _, delimiter := range []string{BeginDelimiter, EndDelimiter} {
		if strings.Contains(text, delimiter) {
			threats = append(threats, Threat{
				ThreatType:     "delimiter_injection",
				Description:    "Text contains reserved delimiter: " + delimiter,
				Severity:       patterns.High,
				MatchedPattern: delimiter,
			})
		}
	}
	return threats
}
