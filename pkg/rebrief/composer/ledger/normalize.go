// Package ledger – normalize.go implements canonical keyword term
// normalization. Two terms that differ only in case, width, or whitespace
// must resolve to the same identity.
package ledger

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeTerm returns the canonical form of a keyword term.
// It normalizes unicode (NFKC, so full-width and compatibility forms fold
// together), lower-cases, and collapses all whitespace runs to single
// spaces with no leading or trailing space.
func NormalizeTerm(term string) string {
	t := norm.NFKC.String(term)
	t = strings.ToLower(t)
	return strings.Join(strings.Fields(t), " ")
}

// NormalizeTerms normalizes every term, drops empties, and de-duplicates
// while preserving first-seen order.
func NormalizeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, raw := range terms {
		t := NormalizeTerm(raw)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
