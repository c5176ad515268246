package composer

import (
	"strconv"
	"strings"
	"testing"

	"github.com/cogfold/rebrief/pkg/rebrief/composer/ledger"
)

func testSubject(id string, keywords []string, description string, messageCount int) *ledger.Subject {
	return &ledger.Subject{
		ObjectMeta:   ledger.ObjectMeta{ID: id},
		Keywords:     keywords,
		Description:  description,
		MessageCount: messageCount,
	}
}

func TestTierStringAndParse(t *testing.T) {
	t.Parallel()
	tiers := []Tier{TierRich, TierBalanced, TierMinimal, TierExtreme}
	for _, tier := range tiers {
		parsed, err := ParseTier(tier.String())
		if err != nil {
			t.Errorf("ParseTier(%q): %v", tier.String(), err)
			continue
		}
		if parsed != tier {
			t.Errorf("round trip of %v produced %v", tier, parsed)
		}
	}
	if _, err := ParseTier("ultra"); err == nil {
		t.Error("expected error for unknown tier name")
	}
	if parsed, err := ParseTier("  Balanced "); err != nil || parsed != TierBalanced {
		t.Errorf("expected case and whitespace tolerance, got %v, %v", parsed, err)
	}
}

func TestTierDegrade(t *testing.T) {
	t.Parallel()
	order := []Tier{TierRich, TierBalanced, TierMinimal, TierExtreme}
	for i := 0; i < len(order)-1; i++ {
		next, ok := order[i].Degrade()
		if !ok || next != order[i+1] {
			t.Errorf("%v.Degrade() = %v, %v; want %v, true", order[i], next, ok, order[i+1])
		}
	}
	if next, ok := TierExtreme.Degrade(); ok || next != TierExtreme {
		t.Errorf("extreme must be terminal, got %v, %v", next, ok)
	}
}

func TestRenderSubjectTokenMonotonicity(t *testing.T) {
	t.Parallel()
	subj := testSubject("sub_sched",
		[]string{"scheduler", "goroutines", "preemption"},
		"How the runtime scheduler distributes goroutines across processors and when preemption kicks in.",
		18)

	prevTokens := -1
	prevLen := -1
	for _, tier := range []Tier{TierExtreme, TierMinimal, TierBalanced, TierRich} {
		r := RenderSubject(subj, tier)
		if r.SubjectID != "sub_sched" {
			t.Errorf("expected subject ID carried through, got %q", r.SubjectID)
		}
		if r.Tier != tier {
			t.Errorf("expected tier %v recorded, got %v", tier, r.Tier)
		}
		if r.EstimatedTokens < prevTokens {
			t.Errorf("tier %v estimate %d is below the more compressed tier's %d", tier, r.EstimatedTokens, prevTokens)
		}
		if len(r.Text) <= prevLen {
			t.Errorf("tier %v text length %d does not exceed the more compressed tier's %d", tier, len(r.Text), prevLen)
		}
		prevTokens = r.EstimatedTokens
		prevLen = len(r.Text)
	}
}

func TestRenderSubjectFormats(t *testing.T) {
	t.Parallel()
	level := 9
	subj := testSubject("sub_x", []string{"generics", "constraints"}, "Type parameter proposal.", 4)
	subj.Level = &level

	rich := RenderSubject(subj, TierRich)
	for _, want := range []string{"[9]", "Type parameter proposal", "kw: generics, constraints", "[4 msgs]"} {
		if !strings.Contains(rich.Text, want) {
			t.Errorf("rich render missing %q: %s", want, rich.Text)
		}
	}

	if got := RenderSubject(subj, TierBalanced).Text; got != "9: Type parameter proposal" {
		t.Errorf("unexpected balanced render: %s", got)
	}
	if got := RenderSubject(subj, TierMinimal).Text; got != "9: generics" {
		t.Errorf("unexpected minimal render: %s", got)
	}
	if got := RenderSubject(subj, TierExtreme).Text; got != "9" {
		t.Errorf("unexpected extreme render: %s", got)
	}
}

func TestRenderSubjectTruncatesRichDescription(t *testing.T) {
	t.Parallel()
	subj := testSubject("sub_long", []string{"io"}, strings.Repeat("x", 300), 1)
	r := RenderSubject(subj, TierRich)
	if !strings.Contains(r.Text, "...") {
		t.Errorf("expected truncated description marker in %q", r.Text)
	}
	if len(r.Text) > 200 {
		t.Errorf("rich render of oversized description too long: %d chars", len(r.Text))
	}
}

func TestRenderSubjectScoresMissingLevel(t *testing.T) {
	t.Parallel()
	subj := testSubject("sub_a", []string{"errors"}, "", 0)
	r := RenderSubject(subj, TierExtreme)
	want := ScoreAbstraction(subj.Keywords, subj.Description, subj.MessageCount)
	if got := r.Text; got != strconv.Itoa(want) {
		t.Errorf("expected level %d rendered, got %q", want, got)
	}
}

func TestSummarizeSubjectsDegradesGlobally(t *testing.T) {
	t.Parallel()
	subjects := []*ledger.Subject{
		testSubject("sub_1", []string{"scheduler", "runtime"}, strings.Repeat("a", 90), 20),
		testSubject("sub_2", []string{"channels", "select"}, strings.Repeat("b", 90), 15),
		testSubject("sub_3", []string{"generics"}, strings.Repeat("c", 90), 8),
	}

	// A generous budget keeps the batch rich.
	rendered, tier := SummarizeSubjects(subjects, 10_000, TierRich)
	if tier != TierRich {
		t.Errorf("expected rich tier under a generous budget, got %v", tier)
	}
	if len(rendered) != 3 {
		t.Fatalf("expected all subjects rendered, got %d", len(rendered))
	}

	// Shrink the budget below the rich total: the whole batch degrades
	// together, never one subject at a time.
	_, richTotal := sumRendered(rendered)
	rendered, tier = SummarizeSubjects(subjects, richTotal-1, TierRich)
	if tier == TierRich {
		t.Error("expected degradation below the rich total")
	}
	for _, r := range rendered {
		if r.Tier != tier {
			t.Errorf("mixed tiers in one batch: %v and %v", r.Tier, tier)
		}
	}

	// An impossible budget lands on extreme and may still exceed it.
	rendered, tier = SummarizeSubjects(subjects, 1, TierRich)
	if tier != TierExtreme {
		t.Errorf("expected extreme tier under an impossible budget, got %v", tier)
	}
	if len(rendered) != 3 {
		t.Errorf("extreme render must keep the batch intact, got %d subjects", len(rendered))
	}
}

func sumRendered(rendered []RenderedSubject) (count, total int) {
	for _, r := range rendered {
		total += r.EstimatedTokens
	}
	return len(rendered), total
}
