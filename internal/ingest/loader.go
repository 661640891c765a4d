// Package ingest loads CSV datasets and data dictionaries from disk and
// builds the immutable DataProfile the rest of the system reasons over.
// Planning, code generation, and interpretation only ever see the profile
// and a DatasetHandle carrying the raw CSV text; nothing downstream parses
// files.
package ingest

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"datasage/internal/logging"
	"datasage/internal/project"
)

const (
	defaultSampleRows = 10
	maxFieldSamples   = 3
	maxValueChars     = 40
)

// Loader reads datasets from disk and profiles them from a bounded row
// sample. Profiling never scans the full dataset: row counts come from a
// single parse, everything else from the first sampleRows rows.
type Loader struct {
	sampleRows int
}

// NewLoader creates a loader sampling the given number of rows per field.
func NewLoader(sampleRows int) *Loader {
	if sampleRows <= 0 {
		sampleRows = defaultSampleRows
	}
	return &Loader{sampleRows: sampleRows}
}

// LoadDataset reads a CSV dataset and validates that it parses. The handle
// carries the raw text verbatim; that text is what sandboxed analysis code
// receives as its input.
func (l *Loader) LoadDataset(path string) (project.DatasetHandle, error) {
	text, err := readTextFile(path)
	if err != nil {
		return project.DatasetHandle{}, fmt.Errorf("load dataset: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return project.DatasetHandle{}, fmt.Errorf("dataset %s: empty file", filepath.Base(path))
	}
	records, err := parseCSV(text)
	if err != nil {
		return project.DatasetHandle{}, fmt.Errorf("parse dataset %s: %w", filepath.Base(path), err)
	}
	if len(records) == 0 {
		return project.DatasetHandle{}, fmt.Errorf("dataset %s: no header row", filepath.Base(path))
	}
	handle := project.DatasetHandle{
		Path: path,
		CSV:  text,
		Rows: len(records) - 1,
	}
	logging.Ingest("dataset %s: %d columns, %d rows", filepath.Base(path), len(records[0]), handle.Rows)
	return handle, nil
}

// Profile builds the dataset profile: per-field observed types, summary
// statistics, and sample values from the first rows, merged with the data
// dictionary when one was loaded. dict may be nil. The profile is never
// mutated after this; a changed dataset means a new profile with a new hash.
func (l *Loader) Profile(handle project.DatasetHandle, dict Dictionary) (project.DataProfile, error) {
	records, err := parseCSV(handle.CSV)
	if err != nil {
		return project.DataProfile{}, fmt.Errorf("parse dataset %s: %w", filepath.Base(handle.Path), err)
	}
	if len(records) == 0 {
		return project.DataProfile{}, fmt.Errorf("dataset %s: no header row", filepath.Base(handle.Path))
	}
	header := records[0]
	rows := records[1:]
	sample := rows
	if len(sample) > l.sampleRows {
		sample = sample[:l.sampleRows]
	}

	fields := make([]project.FieldProfile, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("field_%d", i+1)
		}
		values, missing := columnValues(sample, i)
		f := project.FieldProfile{
			Name:         name,
			ObservedType: inferType(values),
			Samples:      sampleValues(values, maxFieldSamples),
		}
		f.Stats = fieldStats(f.ObservedType, values, missing)
		if e, ok := dict.Lookup(name); ok {
			f.DeclaredType = strings.ToLower(strings.TrimSpace(e.Type))
			f.Description = e.Description
			if f.DeclaredType != "" && f.DeclaredType != f.ObservedType {
				logging.IngestDebug("field %s: declared type %s, observed %s", name, f.DeclaredType, f.ObservedType)
			}
		}
		fields[i] = f
	}
	for _, e := range dict {
		if !hasField(fields, e.Name) {
			logging.IngestWarn("dictionary entry %q matches no dataset column", e.Name)
		}
	}

	profile := project.DataProfile{
		Dataset:    filepath.Base(handle.Path),
		RowCount:   len(rows),
		Fields:     fields,
		Hash:       profileHash(filepath.Base(handle.Path), header, sample, len(rows)),
		ProfiledAt: time.Now().UTC(),
	}
	logging.Ingest("profiled %s: %d fields, %d rows, hash %s",
		profile.Dataset, len(fields), profile.RowCount, profile.Hash[:12])
	return profile, nil
}

func readTextFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(string(raw), "\uFEFF"), nil
}

func parseCSV(text string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	return r.ReadAll()
}

// columnValues collects the non-empty values of one column across the
// sample, counting blanks and short rows as missing.
func columnValues(rows [][]string, col int) ([]string, int) {
	var values []string
	missing := 0
	for _, row := range rows {
		if col >= len(row) || strings.TrimSpace(row[col]) == "" {
			missing++
			continue
		}
		values = append(values, strings.TrimSpace(row[col]))
	}
	return values, missing
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006/01/02",
}

// inferType picks the narrowest type every sampled value satisfies. Order
// matters: every int parses as a float, so int is tried first.
func inferType(values []string) string {
	if len(values) == 0 {
		return "unknown"
	}
	switch {
	case allOf(values, isInt):
		return "int"
	case allOf(values, isFloat):
		return "float"
	case allOf(values, isBool):
		return "bool"
	case allOf(values, isDate):
		return "date"
	default:
		return "text"
	}
}

func allOf(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if !pred(v) {
			return false
		}
	}
	return true
}

func isInt(v string) bool {
	_, err := strconv.ParseInt(v, 10, 64)
	return err == nil
}

func isFloat(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

// isBool accepts only true/false spellings. 0 and 1 stay numeric.
func isBool(v string) bool {
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "false")
}

func isDate(v string) bool {
	_, ok := parseDate(v)
	return ok
}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func fieldStats(observed string, values []string, missing int) map[string]string {
	stats := make(map[string]string)
	switch observed {
	case "int", "float":
		lo, hi, mean := numericSummary(values)
		stats["min"] = formatNumber(lo)
		stats["max"] = formatNumber(hi)
		stats["mean"] = formatNumber(mean)
	case "date":
		lo, hi := dateRange(values)
		stats["min"] = lo
		stats["max"] = hi
	case "text", "bool":
		distinct, top := valueCounts(values)
		stats["distinct"] = strconv.Itoa(distinct)
		if top != "" {
			stats["top"] = truncateValue(top, maxValueChars)
		}
	}
	if missing > 0 {
		stats["missing"] = strconv.Itoa(missing)
	}
	if len(stats) == 0 {
		return nil
	}
	return stats
}

func numericSummary(values []string) (lo, hi, mean float64) {
	sum, n := 0.0, 0
	for _, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		if n == 0 {
			lo, hi = f, f
		}
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
		sum += f
		n++
	}
	if n > 0 {
		mean = sum / float64(n)
	}
	return lo, hi, mean
}

// formatNumber renders a stat compactly: whole numbers without a decimal
// point, fractions with up to six significant digits.
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', 6, 64)
}

// dateRange returns the earliest and latest values in their original
// spelling so the profile shows dates the way the dataset writes them.
func dateRange(values []string) (lo, hi string) {
	var loT, hiT time.Time
	for _, v := range values {
		t, ok := parseDate(v)
		if !ok {
			continue
		}
		if lo == "" || t.Before(loT) {
			lo, loT = v, t
		}
		if hi == "" || t.After(hiT) {
			hi, hiT = v, t
		}
	}
	return lo, hi
}

func valueCounts(values []string) (distinct int, top string) {
	counts := make(map[string]int)
	topCount := 0
	for _, v := range values {
		counts[v]++
		if counts[v] > topCount {
			top, topCount = v, counts[v]
		}
	}
	return len(counts), top
}

// sampleValues returns up to n distinct values in row order.
func sampleValues(values []string, n int) []string {
	var out []string
	seen := make(map[string]bool, n)
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, truncateValue(v, maxValueChars))
		if len(out) == n {
			break
		}
	}
	return out
}

func truncateValue(s string, n int) string {
	if n <= 3 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}

func hasField(fields []project.FieldProfile, name string) bool {
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// profileHash fingerprints the dataset as profiling saw it: name, header,
// sampled rows, and row count. Generated-code caching keys off this, so two
// runs over the same data share cached code while any data change invalidates
// it.
func profileHash(dataset string, header []string, sample [][]string, rowCount int) string {
	h := sha256.New()
	h.Write([]byte(dataset))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(header, ",")))
	for _, row := range sample {
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(row, ",")))
	}
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(rowCount)))
	return hex.EncodeToString(h.Sum(nil))
}
