// Package rank – similarity.go implements the scoring primitives for
// cross-conversation proposals: keyword-set Jaccard overlap and an
// exponential half-life recency score.
package rank

import (
	"math"
	"time"
)

// Jaccard computes set overlap between two keyword lists: the size of the
// intersection divided by the size of the union. Two empty sets count as
// identical (1.0); one empty set shares nothing (0.0).
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	setA := make(map[string]bool, len(a))
	for _, term := range a {
		setA[term] = true
	}

	intersection := 0
	setB := make(map[string]bool, len(b))
	for _, term := range b {
		if setB[term] {
			continue
		}
		setB[term] = true
		if setA[term] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// Intersect returns the terms present in both lists, in a's order.
func Intersect(a, b []string) []string {
	setB := make(map[string]bool, len(b))
	for _, term := range b {
		setB[term] = true
	}
	var out []string
	seen := make(map[string]bool, len(a))
	for _, term := range a {
		if setB[term] && !seen[term] {
			seen[term] = true
			out = append(out, term)
		}
	}
	return out
}

// RecencyScore maps the age of a sighting to (0, 1] with exponential decay:
// a sighting right now scores 1.0 and loses half its value every
// halfLifeDays days. Non-positive half-lives fall back to 30 days.
func RecencyScore(lastSeen, now time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = 30
	}
	ageDays := now.Sub(lastSeen).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	lambda := math.Ln2 / halfLifeDays
	return math.Exp(-lambda * ageDays)
}
