package budget

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"datasage/internal/backend"
	"datasage/internal/logging"
)

const roundHeaderPrefix = "### Round "

// Compactor maintains the cumulative insight digest. Rounds are appended
// under headers; when the digest outgrows its limit the oldest rounds are
// collapsed to one line each, the most recent rounds stay verbatim, and the
// result is hard-capped at the limit. Compacting an already-fitting digest
// returns it unchanged, so compaction is idempotent.
type Compactor struct {
	limitChars int
	keepRounds int
	client     backend.Client // optional; nil means deterministic merge only
}

// NewCompactor creates a compactor. client may be nil.
func NewCompactor(limitChars, keepRounds int, client backend.Client) *Compactor {
	if limitChars <= 0 {
		limitChars = 6000
	}
	if keepRounds <= 0 {
		keepRounds = 3
	}
	return &Compactor{
		limitChars: limitChars,
		keepRounds: keepRounds,
		client:     client,
	}
}

// Append adds a round's insight summary under its own header.
func (c *Compactor) Append(digest, summary string, round int) string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return digest
	}
	entry := fmt.Sprintf("%s%d\n%s", roundHeaderPrefix, round, summary)
	if digest == "" {
		return entry
	}
	return digest + "\n\n" + entry
}

// Compact reduces the digest to fit the limit. The input comes back
// unchanged when it already fits.
func (c *Compactor) Compact(ctx context.Context, digest string) string {
	if utf8.RuneCountInString(digest) <= c.limitChars {
		return digest
	}

	rounds := splitRounds(digest)
	if len(rounds) <= c.keepRounds {
		// Nothing old enough to fold away; cap the tail.
		out := truncateRunes(digest, c.limitChars)
		logging.BudgetDebug("digest compact: truncated in place to %d chars", utf8.RuneCountInString(out))
		return out
	}

	old := rounds[:len(rounds)-c.keepRounds]
	recent := rounds[len(rounds)-c.keepRounds:]

	merged := c.mergeOldRounds(ctx, old)
	parts := []string{merged}
	for _, r := range recent {
		parts = append(parts, r.text)
	}
	out := truncateRunes(strings.Join(parts, "\n\n"), c.limitChars)
	logging.BudgetDebug("digest compact: %d rounds folded, %d kept, %d chars",
		len(old), len(recent), utf8.RuneCountInString(out))
	return out
}

type digestRound struct {
	header string
	text   string
}

// splitRounds splits the digest on round headers. A leading block without a
// header (an earlier merge result) is kept as the first round.
func splitRounds(digest string) []digestRound {
	lines := strings.Split(digest, "\n")
	var rounds []digestRound
	var cur []string
	var curHeader string

	flush := func() {
		text := strings.TrimSpace(strings.Join(cur, "\n"))
		if text != "" {
			rounds = append(rounds, digestRound{header: curHeader, text: text})
		}
		cur = nil
	}

	for _, line := range lines {
		if strings.HasPrefix(line, roundHeaderPrefix) {
			flush()
			curHeader = line
		}
		cur = append(cur, line)
	}
	flush()
	return rounds
}

// mergeOldRounds collapses old rounds into a compact summary block. With a
// backend available it asks for a paraphrase; any failure falls back to the
// deterministic one-line-per-round merge.
func (c *Compactor) mergeOldRounds(ctx context.Context, old []digestRound) string {
	deterministic := c.deterministicMerge(old)
	if c.client == nil {
		return deterministic
	}

	var source strings.Builder
	for _, r := range old {
		source.WriteString(r.text)
		source.WriteString("\n\n")
	}
	prompt := fmt.Sprintf(
		"Condense the following analysis findings into at most %d characters. Keep concrete numbers and field names. Plain text, one finding per line.\n\n%s",
		c.limitChars/3, source.String())

	out, err := c.client.Complete(ctx, prompt)
	if err != nil || strings.TrimSpace(out) == "" {
		logging.BudgetDebug("digest compact: paraphrase unavailable (%v), using deterministic merge", err)
		return deterministic
	}
	return "### Earlier rounds\n" + truncateRunes(strings.TrimSpace(out), c.limitChars/3)
}

// deterministicMerge keeps one line per old round: the first content line.
func (c *Compactor) deterministicMerge(old []digestRound) string {
	var sb strings.Builder
	sb.WriteString("### Earlier rounds\n")
	for _, r := range old {
		line := firstContentLine(r.text)
		if line == "" {
			continue
		}
		label := strings.TrimPrefix(r.header, "### ")
		if label == "" {
			label = "earlier"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", label, truncateLine(line, 200))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func firstContentLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return strings.TrimPrefix(line, "- ")
	}
	return ""
}
