// Package budget assembles bounded prompt context for backend calls and
// keeps the cumulative insight digest within its size limit. Token counts
// are estimated with a characters-per-token heuristic; the budget is a
// ceiling, not an exact accounting.
package budget

import "unicode/utf8"

// TokenCounter provides token estimation for context budget management.
// The heuristic is calibrated for frontier-model tokenizers (~4 characters
// per token).
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a token counter. ratio <= 0 falls back to the
// default calibration.
func NewTokenCounter(ratio float64) *TokenCounter {
	if ratio <= 0 {
		ratio = 4.0
	}
	return &TokenCounter{charsPerToken: ratio}
}

// CountString estimates tokens in a string.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	// Rune count for proper unicode handling
	runeCount := utf8.RuneCountInString(s)
	return int(float64(runeCount) / tc.charsPerToken)
}

// Runes converts a token count back to a rune allowance.
func (tc *TokenCounter) Runes(tokens int) int {
	return int(float64(tokens) * tc.charsPerToken)
}

// truncateRunes cuts s to at most n runes, appending a marker when cut.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	const marker = "\n...(truncated)"
	keep := n - utf8.RuneCountInString(marker)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + marker
}

// truncateLine cuts a single line to at most n runes without introducing a
// line break.
func truncateLine(s string, n int) string {
	if n <= 3 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}
