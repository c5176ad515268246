// Package composer – tiers.go implements the tiered summarizer. Each
// subject can be rendered at one of four compression tiers of strictly
// decreasing verbosity; batch rendering degrades the whole batch one tier
// at a time until it fits a token budget.
package composer

import (
	"fmt"
	"strings"

	"github.com/cogfold/rebrief/pkg/rebrief/composer/ledger"
)

// Tier selects how verbosely a subject is rendered into a prompt.
type Tier int

const (
	TierRich Tier = iota
	TierBalanced
	TierMinimal
	TierExtreme
)

const (
	// richDescriptionCap truncates a subject description in rich renders.
	richDescriptionCap = 100
	// richKeywordCap limits how many keywords a rich render lists.
	richKeywordCap = 5
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierRich:
		return "rich"
	case TierBalanced:
		return "balanced"
	case TierMinimal:
		return "minimal"
	case TierExtreme:
		return "extreme"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier parses a tier name as written in config files.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich":
		return TierRich, nil
	case "balanced":
		return TierBalanced, nil
	case "minimal":
		return TierMinimal, nil
	case "extreme":
		return TierExtreme, nil
	}
	return TierRich, fmt.Errorf("unknown compression tier %q", s)
}

// Degrade returns the next, more compressed tier. ok is false at extreme.
func (t Tier) Degrade() (next Tier, ok bool) {
	if t >= TierExtreme {
		return TierExtreme, false
	}
	return t + 1, true
}

// RenderedSubject is one subject rendered at one tier.
type RenderedSubject struct {
	SubjectID       string
	Text            string
	EstimatedTokens int
	Tier            Tier
}

// levelOf returns the subject's stored abstraction level, scoring it on the
// fly when it has not been computed yet.
func levelOf(subj *ledger.Subject) int {
	if subj.Level != nil {
		return *subj.Level
	}
	return ScoreAbstraction(subj.Keywords, subj.Description, subj.MessageCount)
}

// RenderSubject renders one subject at the given tier. Verbosity and token
// cost strictly decrease from rich to extreme.
func RenderSubject(subj *ledger.Subject, tier Tier) RenderedSubject {
	level := levelOf(subj)

	var text string
	switch tier {
	case TierRich:
		var b strings.Builder
		fmt.Fprintf(&b, "[%d] %s", level, subj.Name())
		if desc := subj.Description; desc != "" {
			if len(desc) > richDescriptionCap {
				desc = desc[:richDescriptionCap] + "..."
			}
			b.WriteString(" - ")
			b.WriteString(desc)
		}
		if len(subj.Keywords) > 0 {
			kws := subj.Keywords
			if len(kws) > richKeywordCap {
				kws = kws[:richKeywordCap]
			}
			fmt.Fprintf(&b, " (kw: %s)", strings.Join(kws, ", "))
		}
		if subj.MessageCount > 0 {
			fmt.Fprintf(&b, " [%d msgs]", subj.MessageCount)
		}
		text = b.String()
	case TierBalanced:
		text = fmt.Sprintf("%d: %s", level, subj.Name())
	case TierMinimal:
		text = fmt.Sprintf("%d: %s", level, subj.PrimaryKeyword())
	default: // TierExtreme
		text = fmt.Sprintf("%d", level)
	}

	return RenderedSubject{
		SubjectID:       subj.ID,
		Text:            text,
		EstimatedTokens: EstimateTokens(text),
		Tier:            tier,
	}
}

// renderAll renders every subject at one tier and sums the estimate.
func renderAll(subjects []*ledger.Subject, tier Tier) ([]RenderedSubject, int) {
	out := make([]RenderedSubject, 0, len(subjects))
	total := 0
	for _, subj := range subjects {
		r := RenderSubject(subj, tier)
		total += r.EstimatedTokens
		out = append(out, r)
	}
	return out, total
}

// SummarizeSubjects renders the batch at startTier and, while the total
// estimate exceeds budget, re-renders the WHOLE batch at the next tier.
// Degradation is global: one shared tier for the batch, never per-subject.
// The returned tier is the one actually used; at extreme the result may
// still exceed budget — trimming the batch is the caller's decision.
func SummarizeSubjects(subjects []*ledger.Subject, budget int, startTier Tier) ([]RenderedSubject, Tier) {
	tier := startTier
	for {
		rendered, total := renderAll(subjects, tier)
		if total <= budget {
			return rendered, tier
		}
		next, ok := tier.Degrade()
		if !ok {
			return rendered, tier
		}
		tier = next
	}
}
