// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package depseudo restores real values in LLM output by replacing
// pseudonym tokens against the session vault. Tokens the LLM invented that
// have no vault entry are rewritten to a neutral human-readable form so
// they never leak raw placeholder syntax to the user.
package depseudo

import (
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianBlinder/services/blinder/vault"
)

// PseudonymRe matches pseudonym tokens like [PERSON_1] or [LEGAL_REF_23].
var PseudonymRe = regexp.MustCompile(`\[([A-Z][A-Z0-9_]*_\d+)\]`)

// humanized maps hallucinated pseudonym types to neutral phrasings.
var humanized = map[string]string{
	"PROF":    "the professor",
	"ARTICLE": "the article",
	"AUTHOR":  "the author",
	"COMPANY": "the company",
	"CLIENT":  "the client",
	"JUDGE":   "the judge",
	"DOCTOR":  "the doctor",
	"LAWYER":  "the lawyer",
	"WITNESS": "the witness",
}

// Restore replaces every [TYPE_N] token in text. Pseudonyms are processed
// in descending length order so [PERSON_10] is replaced before [PERSON_1]
// and can never be corrupted by a prefix replacement. Possessive forms
// ([PERSON_1]'s) are handled before the plain form.
func Restore(text string, v *vault.Vault) string {
	matches := PseudonymRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text
	}

	seen := make(map[string]bool)
	var unique []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			unique = append(unique, m[1])
		}
	}
	sort.SliceStable(unique, func(i, j int) bool { return len(unique[i]) > len(unique[j]) })

	result := text
	for _, raw := range unique {
		bracketed := "[" + raw + "]"
		replacement, ok := v.GetRealValue(bracketed)
		if !ok {
			replacement = humanize(raw)
		}
		result = strings.ReplaceAll(result, bracketed+"'s", replacement+"'s")
		result = strings.ReplaceAll(result, bracketed, replacement)
	}
	return result
}

// humanize turns a hallucinated token into readable text: a phrase for
// known types, otherwise the inner TYPE_N text without brackets.
func humanize(raw string) string {
	idx := strings.LastIndexByte(raw, '_')
	if idx > 0 {
		if phrase, ok := humanized[raw[:idx]]; ok {
			return phrase
		}
	}
	return raw
}
