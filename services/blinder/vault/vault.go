// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vault implements the per-session bidirectional map between real
// values and pseudonyms. Real values are only ever persisted encrypted; the
// session key lives in an mlocked buffer for the lifetime of the request.
package vault

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/AleutianBlinder/pkg/crypto"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/detector"
)

// Entry is one real-value binding. Aliases are alternative surface forms
// that resolve to the same pseudonym.
type Entry struct {
	EntityType string
	Pseudonym  string
	RealValue  string
	Aliases    []string
}

// Vault holds the in-memory state for one request. It is not shared across
// requests; each request rehydrates a fresh instance from storage.
type Vault struct {
	salt     []byte
	key      *memguard.LockedBuffer
	forward  map[string]string // real value or alias -> pseudonym
	reverse  map[string]string // pseudonym -> real value
	entries  map[string]*Entry // pseudonym -> entry
	counters map[string]int    // entity type -> highest N issued
	order    []string          // pseudonyms in creation order
}

// New builds a vault for a session. key is copied into an mlocked buffer
// and the caller's copy is wiped.
func New(salt, key []byte) *Vault {
	return &Vault{
		salt:     salt,
		key:      memguard.NewBufferFromBytes(key),
		forward:  make(map[string]string),
		reverse:  make(map[string]string),
		entries:  make(map[string]*Entry),
		counters: make(map[string]int),
	}
}

// Destroy wipes the session key. The vault is unusable afterwards.
func (v *Vault) Destroy() {
	if v.key != nil {
		v.key.Destroy()
	}
}

// AddEntity returns the pseudonym for realValue, minting a new one of the
// form [TYPE_N] when the value has not been seen in this session. Calling
// it twice with the same value returns the same pseudonym without
// incrementing the counter.
func (v *Vault) AddEntity(realValue, entityType string) string {
	if pseudonym, ok := v.forward[realValue]; ok {
		return pseudonym
	}

	v.counters[entityType]++
	pseudonym := fmt.Sprintf("[%s_%d]", entityType, v.counters[entityType])

	v.forward[realValue] = pseudonym
	v.reverse[pseudonym] = realValue
	v.entries[pseudonym] = &Entry{
		EntityType: entityType,
		Pseudonym:  pseudonym,
		RealValue:  realValue,
	}
	v.order = append(v.order, pseudonym)
	return pseudonym
}

// GetPseudonym looks up the pseudonym for a real value or alias.
func (v *Vault) GetPseudonym(realValue string) (string, bool) {
	p, ok := v.forward[realValue]
	return p, ok
}

// GetRealValue looks up the real value behind a pseudonym.
func (v *Vault) GetRealValue(pseudonym string) (string, bool) {
	r, ok := v.reverse[pseudonym]
	return r, ok
}

// AddAlias records alias as an alternative surface form of pseudonym and
// wires it into the forward map. Idempotent; fails when the pseudonym is
// unknown.
func (v *Vault) AddAlias(pseudonym, alias string) error {
	entry, ok := v.entries[pseudonym]
	if !ok {
		return fmt.Errorf("vault: unknown pseudonym %s", pseudonym)
	}
	for _, existing := range entry.Aliases {
		if existing == alias {
			v.forward[alias] = pseudonym
			return nil
		}
	}
	entry.Aliases = append(entry.Aliases, alias)
	v.forward[alias] = pseudonym
	return nil
}

// PseudonymizeText splices pseudonyms over the given spans. Pseudonyms are
// minted in ascending start order so counters follow reading order, then
// spans are spliced in descending start order so earlier offsets stay valid
// while later text is rewritten. Every replacement goes through AddEntity,
// so repeated surface forms share one pseudonym.
func (v *Vault) PseudonymizeText(text string, spans []detector.Span) string {
	ordered := make([]detector.Span, len(spans))
	copy(ordered, spans)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	pseudonyms := make([]string, len(ordered))
	for i, span := range ordered {
		if span.Start < 0 || span.End > len(text) || span.Start >= span.End {
			continue
		}
		pseudonyms[i] = v.AddEntity(span.Text, span.Label)
	}

	result := text
	for i := len(ordered) - 1; i >= 0; i-- {
		if pseudonyms[i] == "" {
			continue
		}
		result = result[:ordered[i].Start] + pseudonyms[i] + result[ordered[i].End:]
	}
	return result
}

// EncryptValue seals a real value with the session key.
func (v *Vault) EncryptValue(plaintext string) (ciphertext, nonce []byte, err error) {
	return crypto.Encrypt([]byte(plaintext), v.key.Bytes())
}

// DecryptValue opens a stored value with the session key.
func (v *Vault) DecryptValue(ciphertext, nonce []byte) (string, error) {
	plaintext, err := crypto.Decrypt(ciphertext, v.key.Bytes(), nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// LoadEntries rehydrates the vault from persisted entries at request start.
// Counters resume from the highest N observed per entity type. When two
// persisted entries carry the same real value (a concurrent-request race),
// the first-seen pseudonym wins in the forward map; both stay resolvable in
// the reverse direction.
func (v *Vault) LoadEntries(entries []Entry) {
	for i := range entries {
		entry := entries[i]
		if _, ok := v.forward[entry.RealValue]; !ok {
			v.forward[entry.RealValue] = entry.Pseudonym
		}
		v.reverse[entry.Pseudonym] = entry.RealValue
		stored := entry
		v.entries[entry.Pseudonym] = &stored
		v.order = append(v.order, entry.Pseudonym)

		for _, alias := range entry.Aliases {
			if _, ok := v.forward[alias]; !ok {
				v.forward[alias] = entry.Pseudonym
			}
		}

		if entityType, n, ok := parsePseudonym(entry.Pseudonym); ok {
			if n > v.counters[entityType] {
				v.counters[entityType] = n
			}
		}
	}
}

// Entries returns all entries in creation order.
func (v *Vault) Entries() []Entry {
	out := make([]Entry, 0, len(v.order))
	for _, pseudonym := range v.order {
		if entry, ok := v.entries[pseudonym]; ok {
			out = append(out, *entry)
		}
	}
	return out
}

// SurfaceForm is one known spelling of an entity: the original real value
// or any registered alias.
type SurfaceForm struct {
	Text       string
	Pseudonym  string
	EntityType string
}

// SurfaceForms returns every known surface form with its pseudonym and
// entity type, in creation order. Used by the entity mapper to match new
// mentions against existing entries.
func (v *Vault) SurfaceForms() []SurfaceForm {
	var forms []SurfaceForm
	for _, pseudonym := range v.order {
		entry, ok := v.entries[pseudonym]
		if !ok {
			continue
		}
		forms = append(forms, SurfaceForm{
			Text:       entry.RealValue,
			Pseudonym:  entry.Pseudonym,
			EntityType: entry.EntityType,
		})
		for _, alias := range entry.Aliases {
			forms = append(forms, SurfaceForm{
				Text:       alias,
				Pseudonym:  entry.Pseudonym,
				EntityType: entry.EntityType,
			})
		}
	}
	return forms
}

// CountsByType returns the number of entries per entity type.
func (v *Vault) CountsByType() map[string]int {
	counts := make(map[string]int)
	for _, entry := range v.entries {
		counts[entry.EntityType]++
	}
	return counts
}

// Salt returns the session salt the vault was built with.
func (v *Vault) Salt() []byte { return v.salt }

// parsePseudonym splits "[TYPE_N]" into its entity type and counter.
func parsePseudonym(pseudonym string) (entityType string, n int, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(pseudonym, "["), "]")
	idx := strings.LastIndexByte(trimmed, '_')
	if idx <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(trimmed[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return trimmed[:idx], n, true
}
