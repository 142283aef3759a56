// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"strings"

	"github.com/AleutianAI/AleutianBlinder/services/blinder/detector"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/vault"
)

// Separator joins cells in the canonical tabular form the rest of the
// system understands (chunker detection, tabular query engine).
const Separator = " | "

// columnSampleSize caps how many data rows per column are run through full
// detection when classifying columns.
const columnSampleSize = 5

// columnConfidence is assigned to cell spans of a flagged column. Cells
// inherit the column verdict rather than being detected individually.
const columnConfidence = 0.90

// CanonicalTable rebuilds the pipe-delimited text form of a parsed table.
func CanonicalTable(header []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString(strings.Join(header, Separator))
	for _, row := range rows {
		b.WriteByte('\n')
		b.WriteString(strings.Join(row, Separator))
	}
	return b.String()
}

// DetectPIIColumns samples up to columnSampleSize non-empty values from
// each column and runs full detection over the sample. A column whose
// sample yields any entity is a PII column; the most frequent label wins.
func (p *Pipeline) DetectPIIColumns(ctx context.Context, header []string, rows [][]string) (map[int]string, error) {
	piiColumns := make(map[int]string)

	for col := range header {
		var sample []string
		for _, row := range rows {
			if col >= len(row) {
				continue
			}
			if cell := strings.TrimSpace(row[col]); cell != "" {
				sample = append(sample, cell)
			}
			if len(sample) == columnSampleSize {
				break
			}
		}
		if len(sample) == 0 {
			continue
		}

		spans, err := p.detector.Detect(ctx, strings.Join(sample, "\n"), false)
		if err != nil {
			return nil, err
		}
		if label := dominantLabel(spans); label != "" {
			piiColumns[col] = label
		}
	}
	return piiColumns, nil
}

func dominantLabel(spans []detector.Span) string {
	counts := make(map[string]int)
	for _, s := range spans {
		counts[s.Label]++
	}
	best, bestCount := "", 0
	for label, count := range counts {
		if count > bestCount {
			best, bestCount = label, count
		}
	}
	return best
}

// BuildColumnSpans emits one span per non-empty cell of every flagged
// column, with offsets into the canonical table text. The header line
// itself is never flagged.
func BuildColumnSpans(header []string, rows [][]string, piiColumns map[int]string) []detector.Span {
	if len(piiColumns) == 0 {
		return nil
	}

	var spans []detector.Span
	offset := lineLen(header)
	for _, row := range rows {
		offset++ // newline
		cellStart := offset
		for col, cell := range row {
			if col > 0 {
				cellStart += len(Separator)
			}
			label, flagged := piiColumns[col]
			if flagged && strings.TrimSpace(cell) != "" {
				spans = append(spans, detector.Span{
					Text:       cell,
					Label:      label,
					Start:      cellStart,
					End:        cellStart + len(cell),
					Confidence: columnConfidence,
					Gate:       detector.GateColumn,
				})
			}
			cellStart += len(cell)
		}
		offset += lineLen(row)
	}
	return spans
}

func lineLen(cells []string) int {
	n := 0
	for i, cell := range cells {
		if i > 0 {
			n += len(Separator)
		}
		n += len(cell)
	}
	return n
}

// ProcessTable blinds a parsed table end to end: classify columns, emit
// cell spans, add a pattern-only pass over the canonical text for values
// the column verdict missed, and run the with-entities document flow.
func (p *Pipeline) ProcessTable(ctx context.Context, header []string, rows [][]string, v *vault.Vault) (Result, error) {
	text := CanonicalTable(header, rows)

	piiColumns, err := p.DetectPIIColumns(ctx, header, rows)
	if err != nil {
		return Result{}, err
	}
	columnSpans := BuildColumnSpans(header, rows, piiColumns)

	patternSpans, err := p.detector.Detect(ctx, text, true)
	if err != nil {
		return Result{}, err
	}

	merged := detector.MergeSpans(columnSpans, patternSpans)
	return p.ProcessDocumentWithEntities(ctx, text, merged, v)
}
