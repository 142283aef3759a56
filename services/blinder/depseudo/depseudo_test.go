// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package depseudo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBlinder/pkg/crypto"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/vault"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	v := vault.New(salt, crypto.DeriveKey("test-master-key", salt))
	t.Cleanup(v.Destroy)
	return v
}

// TestRestore_Basic replaces known pseudonyms with real values.
func TestRestore_Basic(t *testing.T) {
	v := newTestVault(t)
	v.AddEntity("Jane Doe", "PERSON")
	v.AddEntity("Acme Corp", "ORG")

	out := Restore("[PERSON_1] works at [ORG_1].", v)
	assert.Equal(t, "Jane Doe works at Acme Corp.", out)
}

// TestRestore_SubstringSafety verifies [PERSON_10] is never corrupted by
// replacing [PERSON_1] first.
func TestRestore_SubstringSafety(t *testing.T) {
	v := newTestVault(t)
	for i := 0; i < 9; i++ {
		v.AddEntity("Filler "+string(rune('A'+i)), "PERSON")
	}
	alice := v.AddEntity("Alice", "PERSON") // would be PERSON_10 if minted fresh
	_ = alice

	v2 := newTestVault(t)
	v2.LoadEntries([]vault.Entry{
		{EntityType: "PERSON", Pseudonym: "[PERSON_1]", RealValue: "Alice"},
		{EntityType: "PERSON", Pseudonym: "[PERSON_10]", RealValue: "Judy"},
	})

	out := Restore("[PERSON_10] met with [PERSON_1].", v2)
	assert.Equal(t, "Judy met with Alice.", out)
	assert.NotContains(t, out, "0]")
}

// TestRestore_Possessive handles [X]'s before the plain form.
func TestRestore_Possessive(t *testing.T) {
	v := newTestVault(t)
	v.AddEntity("Jane Doe", "PERSON")

	out := Restore("[PERSON_1]'s complaint was filed.", v)
	assert.Equal(t, "Jane Doe's complaint was filed.", out)
}

// TestRestore_HallucinatedKnownType humanises invented tokens of known
// types.
func TestRestore_HallucinatedKnownType(t *testing.T) {
	v := newTestVault(t)

	out := Restore("According to [AUTHOR_2], [JUDGE_1]'s ruling stands.", v)
	assert.Equal(t, "According to the author, the judge's ruling stands.", out)
}

// TestRestore_HallucinatedUnknownType falls back to the bare inner text.
func TestRestore_HallucinatedUnknownType(t *testing.T) {
	v := newTestVault(t)

	out := Restore("See [WIDGET_3] for details.", v)
	assert.Equal(t, "See WIDGET_3 for details.", out)
}

// TestRestore_NoPseudonyms passes text through untouched.
func TestRestore_NoPseudonyms(t *testing.T) {
	v := newTestVault(t)
	text := "No placeholders here, just [brackets] and [lowercase_1]."
	assert.Equal(t, text, Restore(text, v))
}

// TestRestore_RepeatedToken replaces every occurrence.
func TestRestore_RepeatedToken(t *testing.T) {
	v := newTestVault(t)
	v.AddEntity("Jane Doe", "PERSON")

	out := Restore("[PERSON_1] said [PERSON_1] would appeal.", v)
	assert.Equal(t, "Jane Doe said Jane Doe would appeal.", out)
}

// TestRestore_RoundTripWithVault verifies restore inverts pseudonymize for
// simple spans.
func TestRestore_RoundTripWithVault(t *testing.T) {
	v := newTestVault(t)

	blinded := "[LEGAL_CASE_NUMBER_1] names [PERSON_1] and [PERSON_2]."
	v.LoadEntries([]vault.Entry{
		{EntityType: "LEGAL_CASE_NUMBER", Pseudonym: "[LEGAL_CASE_NUMBER_1]", RealValue: "24-CV-00123"},
		{EntityType: "PERSON", Pseudonym: "[PERSON_1]", RealValue: "John Smith"},
		{EntityType: "PERSON", Pseudonym: "[PERSON_2]", RealValue: "Jane Doe"},
	})

	out := Restore(blinded, v)
	assert.Equal(t, "24-CV-00123 names John Smith and Jane Doe.", out)
}
