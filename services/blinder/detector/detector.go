// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detector finds sensitive entities in text through two gates: a
// fast pattern gate driven by an embedded rule table, and a model gate
// backed by an external NER service. Overlapping spans from both gates are
// merged, longest and most confident first.
package detector

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianBlinder/services/blinder/patterns"
)

// Gate identifies which detector produced a span.
const (
	GatePattern = "pattern"
	GateNER     = "ner"
	GateColumn  = "column"
)

// nerConfidence is the fixed confidence assigned to model-gate entities.
const nerConfidence = 0.80

// chunkSize caps the window handed to the pattern gate in one pass. Long
// documents are split at line boundaries and offsets translated back.
const chunkSize = 5000

// Span is one detected entity occurrence in the input text. Offsets are
// byte offsets into the exact string passed to Detect.
type Span struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
	Gate       string  `json:"gate"`
}

//go:embed rules/pii_patterns.yaml
var piiPatternsYAML []byte

// Detector runs both gates and merges their output. Safe for concurrent
// use. The NER client may be nil, in which case only the pattern gate runs.
type Detector struct {
	mu        sync.RWMutex
	rules     []patterns.Rule
	ner       *NERClient
	threshold float64
}

// New builds a detector from the embedded pattern rules. threshold discards
// detections below the given confidence; ner may be nil.
func New(ner *NERClient, threshold float64) (*Detector, error) {
	rules, err := patterns.Parse(piiPatternsYAML)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded PII patterns: %w", err)
	}
	return &Detector{rules: rules, ner: ner, threshold: threshold}, nil
}

// SetOverrides appends operator-supplied rules after the built-in set.
func (d *Detector) SetOverrides(overrides []patterns.Rule) {
	builtin, err := patterns.Parse(piiPatternsYAML)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.rules = append(builtin, overrides...)
	d.mu.Unlock()
}

// Detect finds entities in text. When skipNER is false and an NER client is
// configured, both gates run concurrently and their results are merged. A
// model-gate failure downgrades to pattern-only with a warning; detection
// never fails because the NER service is down.
func (d *Detector) Detect(ctx context.Context, text string, skipNER bool) ([]Span, error) {
	tracer := otel.Tracer("blinder.detector")
	ctx, span := tracer.Start(ctx, "detector.Detect")
	defer span.End()

	var (
		patternSpans []Span
		nerSpans     []Span
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		patternSpans = d.patternGate(text)
		return nil
	})
	if !skipNER && d.ner != nil {
		g.Go(func() error {
			spans, err := d.ner.Detect(gctx, text)
			if err != nil {
				slog.Warn("NER gate unavailable, continuing pattern-only", "error", err)
				span.RecordError(err)
				span.SetStatus(codes.Error, "ner gate failed")
				return nil
			}
			nerSpans = spans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := MergeSpans(patternSpans, nerSpans)
	return d.applyThreshold(merged), nil
}

// patternGate scans text against the rule table in line-aligned windows of
// at most chunkSize bytes and translates matches to absolute offsets.
func (d *Detector) patternGate(text string) []Span {
	d.mu.RLock()
	rules := d.rules
	d.mu.RUnlock()

	var spans []Span
	for _, window := range splitWindows(text, chunkSize) {
		for i := range rules {
			if rules[i].Label == "" {
				continue
			}
			for _, loc := range rules[i].FindAllIndex(window.text) {
				spans = append(spans, Span{
					Text:       window.text[loc[0]:loc[1]],
					Label:      rules[i].Label,
					Start:      window.offset + loc[0],
					End:        window.offset + loc[1],
					Confidence: rules[i].Confidence,
					Gate:       GatePattern,
				})
			}
		}
	}
	return spans
}

func (d *Detector) applyThreshold(spans []Span) []Span {
	out := spans[:0]
	for _, s := range spans {
		if s.Confidence >= d.threshold {
			out = append(out, s)
		}
	}
	return out
}

// MergeSpans combines detections from multiple gates. Spans are sorted by
// (longest, most confident) and kept only when they do not overlap an
// already-kept span; the result is ordered by start offset.
func MergeSpans(groups ...[]Span) []Span {
	var all []Span
	for _, g := range groups {
		all = append(all, g...)
	}
	if len(all) == 0 {
		return nil
	}

	sort.SliceStable(all, func(i, j int) bool {
		li, lj := all[i].End-all[i].Start, all[j].End-all[j].Start
		if li != lj {
			return li > lj
		}
		return all[i].Confidence > all[j].Confidence
	})

	var kept []Span
	for _, candidate := range all {
		overlaps := false
		for _, existing := range kept {
			if candidate.Start < existing.End && candidate.End > existing.Start {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, candidate)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

type window struct {
	offset int
	text   string
}

// splitWindows cuts text into windows of at most size bytes, preferring
// line boundaries. A single line longer than size is split mid-line.
func splitWindows(text string, size int) []window {
	if len(text) <= size {
		return []window{{offset: 0, text: text}}
	}

	var windows []window
	offset := 0
	for offset < len(text) {
		remaining := text[offset:]
		if len(remaining) <= size {
			windows = append(windows, window{offset: offset, text: remaining})
			break
		}
		cut := strings.LastIndexByte(remaining[:size], '\n')
		if cut <= 0 {
			cut = size
		} else {
			cut++ // keep the newline in the earlier window
		}
		windows = append(windows, window{offset: offset, text: remaining[:cut]})
		offset += cut
	}
	return windows
}
