// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tabular answers analytical queries against pipe-delimited
// blinded documents directly, instead of feeding raw chunks to the LLM and
// hoping it can do arithmetic. The LLM only receives the pre-computed
// result to phrase as natural language. A miss falls back to hybrid
// retrieval.
package tabular

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianBlinder/services/retrieval"
)

// Separator joins cells in canonical tabular text.
const Separator = " | "

// maxFilterRows caps how many matching rows a filtered list returns.
const maxFilterRows = 20

var (
	pseudonymRe = regexp.MustCompile(`\[([A-Z][A-Z0-9_]*_\d+)\]`)

	countRe      = regexp.MustCompile(`(?i)\b(how many|count|total number|number of)\b`)
	avgRe        = regexp.MustCompile(`(?i)\b(average|mean|avg)\b`)
	// countRe wins the dispatch for "total number of", so a bare \btotal\b
	// here only sees genuine sum queries.
	sumRe        = regexp.MustCompile(`(?i)\b(sum|total)\b`)
	extremaMaxRe = regexp.MustCompile(`(?i)\b(oldest|highest|maximum|max|most|largest|biggest|top)\b`)
	extremaMinRe = regexp.MustCompile(`(?i)\b(youngest|lowest|minimum|min|least|smallest|bottom)\b`)
	compareRe    = regexp.MustCompile(`(?i)\b(compare|difference between|versus|vs)\b`)
	filterRe     = regexp.MustCompile(`(?i)\b(list all|show all|list everyone|show everyone|all .+ (with|in|from|over|under|above|below))\b`)

	thresholdAboveRe = regexp.MustCompile(`(?i)(over|above|greater than|more than|>)\s*(\d+(?:\.\d+)?)`)
	thresholdBelowRe = regexp.MustCompile(`(?i)(under|below|less than|fewer than|<)\s*(\d+(?:\.\d+)?)`)

	numericHintRe = regexp.MustCompile(`(?i)\b(age|salary|income|amount|balance|score|rating|count|total|price|cost|` +
		`weight|height|years?|months?|days?|number|quantity|rate|percentage|zip)\b`)
)

// Table is a parsed tabular document: header plus data rows, cells padded
// or trimmed to the header width.
type Table struct {
	Header []string
	Rows   [][]string
}

// Result carries a pre-computed answer ready to hand to the context
// builder as a single retrieved chunk.
type Result struct {
	Success   bool
	Context   string
	QueryType string
	Details   string
}

// Parse splits pipe-delimited blinded text into structured form. Returns
// false when there are fewer than two non-empty lines.
func Parse(text string) (Table, bool) {
	var nonEmpty []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			nonEmpty = append(nonEmpty, line)
		}
	}
	if len(nonEmpty) < 2 {
		return Table{}, false
	}

	header := splitCells(nonEmpty[0])
	rows := make([][]string, 0, len(nonEmpty)-1)
	for _, line := range nonEmpty[1:] {
		cells := splitCells(line)
		for len(cells) < len(header) {
			cells = append(cells, "")
		}
		rows = append(rows, cells[:len(header)])
	}
	return Table{Header: header, Rows: rows}, true
}

func splitCells(line string) []string {
	parts := strings.Split(line, Separator)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// TryQuery attempts to answer the blinded query from the session's tabular
// documents. ok is false when no tabular document exists or no handler
// applies; the caller then proceeds to hybrid retrieval.
func TryQuery(blindedQuery string, blindedDocuments []string) (Result, bool) {
	var tables []Table
	for _, doc := range blindedDocuments {
		if !retrieval.IsTabular(doc) {
			continue
		}
		if table, ok := Parse(doc); ok && len(table.Rows) > 0 {
			tables = append(tables, table)
		}
	}
	if len(tables) == 0 {
		return Result{}, false
	}

	pseudonyms := extractPseudonyms(blindedQuery)

	switch {
	case compareRe.MatchString(blindedQuery) && len(pseudonyms) >= 2:
		return handleComparison(tables, pseudonyms), true
	case len(pseudonyms) == 1:
		return handlePointLookup(tables, pseudonyms[0]), true
	case len(pseudonyms) > 1:
		return handleMultiLookup(tables, pseudonyms), true
	case countRe.MatchString(blindedQuery):
		return handleCount(blindedQuery, tables), true
	case avgRe.MatchString(blindedQuery):
		return handleAverage(blindedQuery, tables)
	case sumRe.MatchString(blindedQuery):
		return handleSum(blindedQuery, tables)
	case extremaMaxRe.MatchString(blindedQuery):
		return handleExtrema(blindedQuery, tables, "max")
	case extremaMinRe.MatchString(blindedQuery):
		return handleExtrema(blindedQuery, tables, "min")
	case filterRe.MatchString(blindedQuery):
		return handleFilter(blindedQuery, tables)
	}
	return Result{}, false
}

// extractPseudonyms returns the distinct bracketed pseudonyms in the
// query, sorted for deterministic multi-entity output.
func extractPseudonyms(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range pseudonymRe.FindAllString(query, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Handlers
// ============================================================================

type tableRow struct {
	table *Table
	row   []string
}

func findRowsWithValue(tables []Table, value string) []tableRow {
	var matches []tableRow
	for i := range tables {
		for _, row := range tables[i].Rows {
			for _, cell := range row {
				if strings.Contains(cell, value) {
					matches = append(matches, tableRow{table: &tables[i], row: row})
					break
				}
			}
		}
	}
	return matches
}

// formatRow renders a row as "  - column: value" pairs, skipping empty
// cells.
func formatRow(header, row []string) string {
	var pairs []string
	for i, col := range header {
		if i < len(row) && strings.TrimSpace(row[i]) != "" {
			pairs = append(pairs, fmt.Sprintf("  - %s: %s", col, row[i]))
		}
	}
	return strings.Join(pairs, "\n")
}

func handlePointLookup(tables []Table, pseudonym string) Result {
	matches := findRowsWithValue(tables, pseudonym)
	if len(matches) == 0 {
		return Result{
			Success:   false,
			Context:   fmt.Sprintf("No data found for %s in the documents.", pseudonym),
			QueryType: "point_lookup",
		}
	}

	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, fmt.Sprintf("Data for %s:\n%s", pseudonym, formatRow(m.table.Header, m.row)))
	}
	slog.Info("tabular point lookup", "pseudonym", pseudonym, "rows", len(matches))
	return Result{
		Success:   true,
		Context:   strings.Join(parts, "\n\n"),
		QueryType: "point_lookup",
		Details:   fmt.Sprintf("Found %d row(s) for %s", len(matches), pseudonym),
	}
}

func handleMultiLookup(tables []Table, pseudonyms []string) Result {
	var parts []string
	for _, pseudo := range pseudonyms {
		matches := findRowsWithValue(tables, pseudo)
		if len(matches) == 0 {
			parts = append(parts, fmt.Sprintf("No data found for %s.", pseudo))
			continue
		}
		for _, m := range matches {
			parts = append(parts, fmt.Sprintf("Data for %s:\n%s", pseudo, formatRow(m.table.Header, m.row)))
		}
	}
	return Result{Success: true, Context: strings.Join(parts, "\n\n"), QueryType: "multi_lookup"}
}

func handleComparison(tables []Table, pseudonyms []string) Result {
	parts := []string{"Comparison:"}
	for _, pseudo := range pseudonyms {
		matches := findRowsWithValue(tables, pseudo)
		if len(matches) == 0 {
			parts = append(parts, fmt.Sprintf("\n%s: No data found.", pseudo))
			continue
		}
		parts = append(parts, fmt.Sprintf("\n%s:\n%s", pseudo, formatRow(matches[0].table.Header, matches[0].row)))
	}
	return Result{Success: true, Context: strings.Join(parts, "\n"), QueryType: "comparison"}
}

func handleCount(query string, tables []Table) Result {
	table := tables[0]
	colIdx, ok := findNumericColumn(table.Header, query)
	if !ok {
		return Result{
			Success:   true,
			Context:   fmt.Sprintf("Total rows in the dataset: %d", len(table.Rows)),
			QueryType: "count",
		}
	}

	colName := table.Header[colIdx]
	values := numericValues(table, colIdx)

	if m := thresholdAboveRe.FindStringSubmatch(query); m != nil {
		threshold, _ := strconv.ParseFloat(m[2], 64)
		count := 0
		for _, v := range values {
			if v.value > threshold {
				count++
			}
		}
		return Result{
			Success: true,
			Context: fmt.Sprintf(
				"ANALYSIS METHOD: Scanned %d rows in the dataset. "+
					"Parsed the '%s' column as numeric values across "+
					"%d valid rows (non-numeric entries excluded). "+
					"Applied filter: %s > %s.\n\n"+
					"RESULT: %d out of %d rows have %s greater than %s.",
				len(table.Rows), colName, len(values), colName, formatFloat(threshold),
				count, len(values), colName, formatFloat(threshold)),
			QueryType: "count",
		}
	}

	if m := thresholdBelowRe.FindStringSubmatch(query); m != nil {
		threshold, _ := strconv.ParseFloat(m[2], 64)
		count := 0
		for _, v := range values {
			if v.value < threshold {
				count++
			}
		}
		return Result{
			Success: true,
			Context: fmt.Sprintf(
				"ANALYSIS METHOD: Scanned %d rows in the dataset. "+
					"Parsed the '%s' column as numeric values across "+
					"%d valid rows (non-numeric entries excluded). "+
					"Applied filter: %s < %s.\n\n"+
					"RESULT: %d out of %d rows have %s less than %s.",
				len(table.Rows), colName, len(values), colName, formatFloat(threshold),
				count, len(values), colName, formatFloat(threshold)),
			QueryType: "count",
		}
	}

	return Result{
		Success: true,
		Context: fmt.Sprintf(
			"ANALYSIS METHOD: Scanned %d rows in the dataset. "+
				"Counted rows with valid '%s' data.\n\n"+
				"RESULT: %d rows have valid %s data (out of %d total rows).",
			len(table.Rows), colName, len(values), colName, len(table.Rows)),
		QueryType: "count",
	}
}

func handleAverage(query string, tables []Table) (Result, bool) {
	for i := range tables {
		table := tables[i]
		colIdx, ok := findNumericColumn(table.Header, query)
		if !ok {
			continue
		}
		colName := table.Header[colIdx]
		values := numericValues(table, colIdx)
		if len(values) == 0 {
			continue
		}

		var sum float64
		minVal, maxVal := values[0].value, values[0].value
		for _, v := range values {
			sum += v.value
			if v.value < minVal {
				minVal = v.value
			}
			if v.value > maxVal {
				maxVal = v.value
			}
		}
		avg := sum / float64(len(values))
		return Result{
			Success: true,
			Context: fmt.Sprintf(
				"ANALYSIS METHOD: Extracted numeric values from the '%s' column "+
					"across %d valid rows (out of %d total). "+
					"Computed the arithmetic mean: sum of all values / count.\n\n"+
					"RESULT: Average %s = %.2f (min: %.2f, max: %.2f, computed from %d rows).",
				colName, len(values), len(table.Rows),
				colName, avg, minVal, maxVal, len(values)),
			QueryType: "average",
		}, true
	}
	return Result{}, false
}

func handleSum(query string, tables []Table) (Result, bool) {
	for i := range tables {
		table := tables[i]
		colIdx, ok := findNumericColumn(table.Header, query)
		if !ok {
			continue
		}
		colName := table.Header[colIdx]
		values := numericValues(table, colIdx)
		if len(values) == 0 {
			continue
		}

		var total float64
		for _, v := range values {
			total += v.value
		}
		return Result{
			Success: true,
			Context: fmt.Sprintf(
				"ANALYSIS METHOD: Extracted numeric values from the '%s' column "+
					"across %d valid rows (out of %d total). Summed all values.\n\n"+
					"RESULT: Sum of %s = %.2f (from %d rows).",
				colName, len(values), len(table.Rows), colName, total, len(values)),
			QueryType: "sum",
		}, true
	}
	return Result{}, false
}

func handleExtrema(query string, tables []Table, direction string) (Result, bool) {
	for i := range tables {
		table := tables[i]
		colIdx, ok := findNumericColumn(table.Header, query)
		if !ok {
			continue
		}
		colName := table.Header[colIdx]
		values := numericValues(table, colIdx)
		if len(values) == 0 {
			continue
		}

		best := values[0]
		label := "highest"
		for _, v := range values {
			if direction == "max" && v.value > best.value {
				best = v
			}
			if direction == "min" && v.value < best.value {
				best = v
			}
		}
		if direction == "min" {
			label = "lowest"
		}
		return Result{
			Success: true,
			Context: fmt.Sprintf(
				"ANALYSIS METHOD: Extracted numeric values from the '%s' column "+
					"across %d valid rows (out of %d total). "+
					"Sorted by %s to find the %s value.\n\n"+
					"RESULT: Row with %s %s (%s):\n%s",
				colName, len(values), len(table.Rows), colName, label,
				label, colName, formatFloat(best.value), formatRow(table.Header, best.row)),
			QueryType: "extrema",
		}, true
	}
	return Result{}, false
}

func handleFilter(query string, tables []Table) (Result, bool) {
	for i := range tables {
		table := tables[i]
		colIdx, ok := findNumericColumn(table.Header, query)
		if !ok {
			continue
		}
		colName := table.Header[colIdx]
		values := numericValues(table, colIdx)

		var matches []numericValue
		if m := thresholdAboveRe.FindStringSubmatch(query); m != nil {
			threshold, _ := strconv.ParseFloat(m[2], 64)
			for _, v := range values {
				if v.value > threshold {
					matches = append(matches, v)
				}
			}
		} else if m := thresholdBelowRe.FindStringSubmatch(query); m != nil {
			threshold, _ := strconv.ParseFloat(m[2], 64)
			for _, v := range values {
				if v.value < threshold {
					matches = append(matches, v)
				}
			}
		} else {
			continue
		}

		if len(matches) == 0 {
			return Result{
				Success:   true,
				Context:   fmt.Sprintf("No rows found matching the filter on %s.", colName),
				QueryType: "filter",
			}, true
		}

		display := matches
		if len(display) > maxFilterRows {
			display = display[:maxFilterRows]
		}
		parts := []string{fmt.Sprintf(
			"ANALYSIS METHOD: Scanned %d rows in the dataset. "+
				"Parsed the '%s' column as numeric values across "+
				"%d valid rows. Applied filter to find matching rows.\n\n"+
				"RESULT: Found %d rows matching filter on %s:\n",
			len(table.Rows), colName, len(values), len(matches), colName)}
		for _, v := range display {
			parts = append(parts, formatRow(table.Header, v.row), "")
		}
		if len(matches) > maxFilterRows {
			parts = append(parts, fmt.Sprintf("... and %d more rows.", len(matches)-maxFilterRows))
		}
		return Result{Success: true, Context: strings.Join(parts, "\n"), QueryType: "filter"}, true
	}
	return Result{}, false
}

// ============================================================================
// Column helpers
// ============================================================================

// findColumn matches a header name appearing literally in the query.
func findColumn(header []string, query string) (int, bool) {
	queryLower := strings.ToLower(query)
	for i, col := range header {
		if col != "" && strings.Contains(queryLower, strings.ToLower(col)) {
			return i, true
		}
	}
	return 0, false
}

// findNumericColumn prefers a header named in the query, falling back to
// the first column whose name matches the numeric-hint vocabulary.
func findNumericColumn(header []string, query string) (int, bool) {
	if idx, ok := findColumn(header, query); ok {
		return idx, true
	}
	for i, col := range header {
		if numericHintRe.MatchString(col) {
			return i, true
		}
	}
	return 0, false
}

type numericValue struct {
	value float64
	row   []string
}

// numericValues extracts parseable cells from a column, paired with their
// rows. Commas, dollar signs and whitespace are stripped before parsing;
// non-numeric cells are excluded.
func numericValues(table Table, colIdx int) []numericValue {
	var out []numericValue
	for _, row := range table.Rows {
		if colIdx >= len(row) {
			continue
		}
		cleaned := strings.TrimSpace(strings.NewReplacer(",", "", "$", "").Replace(row[colIdx]))
		v, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			continue
		}
		out = append(out, numericValue{value: v, row: row})
	}
	return out
}

// formatFloat renders a float without a trailing ".0" for whole numbers.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
