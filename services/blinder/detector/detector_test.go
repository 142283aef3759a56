// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDetector(t *testing.T, ner *NERClient) *Detector {
	t.Helper()
	d, err := New(ner, 0.7)
	require.NoError(t, err)
	return d
}

// TestDetect_PatternGate_Email verifies basic pattern detection with
// correct offsets.
func TestDetect_PatternGate_Email(t *testing.T) {
	d := newTestDetector(t, nil)

	text := "Contact jane.doe@example.com for details."
	spans, err := d.Detect(context.Background(), text, true)
	require.NoError(t, err)

	require.Len(t, spans, 1)
	assert.Equal(t, "EMAIL", spans[0].Label)
	assert.Equal(t, "jane.doe@example.com", spans[0].Text)
	assert.Equal(t, spans[0].Text, text[spans[0].Start:spans[0].End])
	assert.Equal(t, GatePattern, spans[0].Gate)
}

// TestDetect_PatternGate_CaseNumber verifies the docket-number rule.
func TestDetect_PatternGate_CaseNumber(t *testing.T) {
	d := newTestDetector(t, nil)

	spans, err := d.Detect(context.Background(), "See case 24-CV-00123 for precedent.", true)
	require.NoError(t, err)

	require.Len(t, spans, 1)
	assert.Equal(t, "LEGAL_CASE_NUMBER", spans[0].Label)
	assert.Equal(t, "24-CV-00123", spans[0].Text)
	assert.InDelta(t, 0.85, spans[0].Confidence, 1e-9)
}

// TestDetect_PatternGate_MultipleTypes verifies several entity types in one
// pass.
func TestDetect_PatternGate_MultipleTypes(t *testing.T) {
	d := newTestDetector(t, nil)

	text := "SSN 123-45-6789, IP 10.0.0.1, card 4111 1111 1111 1111."
	spans, err := d.Detect(context.Background(), text, true)
	require.NoError(t, err)

	labels := make(map[string]bool)
	for _, s := range spans {
		labels[s.Label] = true
		assert.Equal(t, s.Text, text[s.Start:s.End])
	}
	assert.True(t, labels["SSN"])
	assert.True(t, labels["IP_ADDRESS"])
	assert.True(t, labels["CREDIT_CARD"])
}

// TestDetect_Threshold discards low-confidence detections.
func TestDetect_Threshold(t *testing.T) {
	d, err := New(nil, 0.9)
	require.NoError(t, err)

	// Phone matches at 0.70, below the 0.9 threshold.
	spans, err := d.Detect(context.Background(), "Call 415-555-0123 now.", true)
	require.NoError(t, err)
	assert.Empty(t, spans)
}

// TestDetect_ChunkedOffsets verifies spans found past the first window are
// translated to absolute offsets.
func TestDetect_ChunkedOffsets(t *testing.T) {
	d := newTestDetector(t, nil)

	filler := strings.Repeat("lorem ipsum dolor sit amet\n", 250) // ~6.7 KB
	text := filler + "reach me at final.target@example.com\n"
	spans, err := d.Detect(context.Background(), text, true)
	require.NoError(t, err)

	require.Len(t, spans, 1)
	assert.Equal(t, "final.target@example.com", spans[0].Text)
	assert.Equal(t, spans[0].Text, text[spans[0].Start:spans[0].End])
	assert.Greater(t, spans[0].Start, chunkSize)
}

// TestDetect_NERGate verifies model-gate entities are mapped and merged.
func TestDetect_NERGate(t *testing.T) {
	text := "John Smith visited Paris."
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ner", r.URL.Path)
		var req nerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, text, req.Text)
		json.NewEncoder(w).Encode(nerResponse{Entities: []nerEntity{
			{Text: "John Smith", Label: "PERSON", Start: 0, End: 10},
			{Text: "Paris", Label: "GPE", Start: 19, End: 24},
			{Text: "visited", Label: "VERB", Start: 11, End: 18},
		}})
	}))
	defer srv.Close()

	d := newTestDetector(t, NewNERClient(srv.URL))
	spans, err := d.Detect(context.Background(), text, false)
	require.NoError(t, err)

	require.Len(t, spans, 2, "unmapped labels are dropped")
	assert.Equal(t, "PERSON", spans[0].Label)
	assert.Equal(t, "LOCATION", spans[1].Label)
	assert.InDelta(t, nerConfidence, spans[0].Confidence, 1e-9)
}

// TestDetect_NERGateDown verifies detection degrades to pattern-only when
// the NER service is unreachable.
func TestDetect_NERGateDown(t *testing.T) {
	d := newTestDetector(t, NewNERClient("http://127.0.0.1:1"))

	spans, err := d.Detect(context.Background(), "Email bob@example.com today.", false)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "EMAIL", spans[0].Label)
}

// TestMergeSpans_NoOverlapInvariant verifies no two merged spans overlap.
func TestMergeSpans_NoOverlapInvariant(t *testing.T) {
	a := []Span{
		{Text: "John Smith", Label: "PERSON", Start: 0, End: 10, Confidence: 0.8},
		{Text: "Smith", Label: "PERSON", Start: 5, End: 10, Confidence: 0.9},
	}
	b := []Span{
		{Text: "John", Label: "PERSON", Start: 0, End: 4, Confidence: 0.95},
		{Text: "Acme", Label: "ORG", Start: 20, End: 24, Confidence: 0.8},
	}

	merged := MergeSpans(a, b)

	require.Len(t, merged, 2)
	assert.Equal(t, "John Smith", merged[0].Text, "longest span wins over higher-confidence fragments")
	assert.Equal(t, "Acme", merged[1].Text)
	for i := 0; i < len(merged); i++ {
		for j := i + 1; j < len(merged); j++ {
			overlap := merged[i].Start < merged[j].End && merged[i].End > merged[j].Start
			assert.False(t, overlap, "merged spans %d and %d overlap", i, j)
		}
	}
}

// TestMergeSpans_TieBreaksOnConfidence verifies equal-length overlapping
// spans keep the more confident one.
func TestMergeSpans_TieBreaksOnConfidence(t *testing.T) {
	merged := MergeSpans([]Span{
		{Text: "abcd", Label: "ORG", Start: 0, End: 4, Confidence: 0.7},
		{Text: "abcd", Label: "PERSON", Start: 0, End: 4, Confidence: 0.9},
	})
	require.Len(t, merged, 1)
	assert.Equal(t, "PERSON", merged[0].Label)
}

// TestMergeSpans_SortedByStart verifies output ordering.
func TestMergeSpans_SortedByStart(t *testing.T) {
	merged := MergeSpans([]Span{
		{Text: "z", Start: 30, End: 31, Confidence: 0.9},
		{Text: "a", Start: 0, End: 1, Confidence: 0.9},
		{Text: "m", Start: 15, End: 16, Confidence: 0.9},
	})
	require.Len(t, merged, 3)
	assert.True(t, sortedByStart(merged))
}

func sortedByStart(spans []Span) bool {
	for i := 1; i < len(spans); i++ {
		if spans[i-1].Start > spans[i].Start {
			return false
		}
	}
	return true
}

// TestSplitWindows verifies line-aligned windowing covers the whole input.
func TestSplitWindows(t *testing.T) {
	text := strings.Repeat("0123456789\n", 1000)
	windows := splitWindows(text, chunkSize)

	var rebuilt strings.Builder
	prevEnd := 0
	for _, w := range windows {
		assert.Equal(t, prevEnd, w.offset, "windows must be contiguous")
		assert.LessOrEqual(t, len(w.text), chunkSize)
		rebuilt.WriteString(w.text)
		prevEnd = w.offset + len(w.text)
	}
	assert.Equal(t, text, rebuilt.String())
}

// TestSplitWindows_LongLine verifies a single oversized line is hard-split.
func TestSplitWindows_LongLine(t *testing.T) {
	text := strings.Repeat("x", chunkSize*2+10)
	windows := splitWindows(text, chunkSize)

	require.Len(t, windows, 3)
	assert.Equal(t, chunkSize, len(windows[0].text))
	assert.Equal(t, chunkSize, len(windows[1].text))
	assert.Equal(t, 10, len(windows[2].text))
}
