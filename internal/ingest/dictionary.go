package ingest

import (
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"

	"datasage/internal/logging"
)

// DictEntry is one data-dictionary row: a column name, its declared type,
// and a human description of what the column means.
type DictEntry struct {
	Name        string
	Type        string
	Description string
}

// Dictionary is the parsed data dictionary in file order.
type Dictionary []DictEntry

// Lookup finds the entry for a column name, preferring an exact match and
// falling back to a case-insensitive one.
func (d Dictionary) Lookup(name string) (DictEntry, bool) {
	for _, e := range d {
		if e.Name == name {
			return e, true
		}
	}
	for _, e := range d {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return DictEntry{}, false
}

// LoadDictionary reads a data dictionary from disk. Two formats are
// accepted: a markdown table (| Column Name | Type | Description |) anywhere
// in the file, or a CSV with name,type,description columns. Header and
// separator rows are skipped in both.
func (l *Loader) LoadDictionary(path string) (Dictionary, error) {
	text, err := readTextFile(path)
	if err != nil {
		return nil, fmt.Errorf("load dictionary: %w", err)
	}

	var dict Dictionary
	if looksLikeMarkdownTable(text) {
		dict = parseMarkdownDictionary(text)
	} else {
		dict, err = parseCSVDictionary(text)
		if err != nil {
			return nil, fmt.Errorf("parse dictionary %s: %w", filepath.Base(path), err)
		}
	}
	if len(dict) == 0 {
		return nil, fmt.Errorf("dictionary %s: no entries found", filepath.Base(path))
	}
	logging.Ingest("dictionary %s: %d entries", filepath.Base(path), len(dict))
	return dict, nil
}

// looksLikeMarkdownTable reports whether any line is a markdown table row.
// Dictionaries often arrive as markdown documents with prose around the
// table, so the whole file is scanned rather than just the first line.
func looksLikeMarkdownTable(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "|") {
			return true
		}
	}
	return false
}

func parseMarkdownDictionary(text string) Dictionary {
	var dict Dictionary
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := splitMarkdownRow(line)
		if len(cells) == 0 || isSeparatorRow(cells) || isHeaderRow(cells) {
			continue
		}
		if e, ok := entryFromCells(cells); ok {
			dict = append(dict, e)
		}
	}
	return dict
}

func parseCSVDictionary(text string) (Dictionary, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	var dict Dictionary
	for i, rec := range records {
		cells := trimCells(rec)
		if i == 0 && isHeaderRow(cells) {
			continue
		}
		if e, ok := entryFromCells(cells); ok {
			dict = append(dict, e)
		}
	}
	return dict, nil
}

func entryFromCells(cells []string) (DictEntry, bool) {
	if len(cells) == 0 || cells[0] == "" {
		return DictEntry{}, false
	}
	e := DictEntry{Name: cells[0]}
	if len(cells) > 1 {
		e.Type = cells[1]
	}
	if len(cells) > 2 {
		e.Description = strings.Join(cells[2:], " ")
	}
	return e, true
}

func splitMarkdownRow(line string) []string {
	return trimCells(strings.Split(strings.Trim(line, "|"), "|"))
}

func trimCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(c)
	}
	return out
}

// isSeparatorRow matches markdown alignment rows such as |---|:---:|---|.
func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

// isHeaderRow matches the column-title row of either format. The second
// cell is consulted so a data row describing a column literally named
// "name" is not mistaken for a header.
func isHeaderRow(cells []string) bool {
	if len(cells) == 0 {
		return false
	}
	first := strings.ToLower(cells[0])
	if first != "column name" && first != "column" && first != "field" && first != "name" {
		return false
	}
	if len(cells) < 2 {
		return true
	}
	second := strings.ToLower(cells[1])
	return second == "" || second == "type" || second == "data type" || second == "dtype"
}
