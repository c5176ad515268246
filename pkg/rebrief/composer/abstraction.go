// Package composer – abstraction.go implements the abstraction scorer: a
// pure function mapping a subject's keyword set, description, and message
// volume to a specificity level. Low levels mean broad, abstract themes;
// high levels mean concrete, detailed ones.
package composer

import "math"

const (
	// MinAbstractionLevel and MaxAbstractionLevel bound the scale.
	MinAbstractionLevel = 1
	MaxAbstractionLevel = 42

	// DefaultAbstractionLevel is returned when there is nothing to score.
	DefaultAbstractionLevel = 20

	// Tunable weighting. The three components cap at 24+10+7, which with
	// the base of 1 spans the full scale exactly.
	keywordWeight = 3
	keywordCap    = 24
	descCharsPer  = 40
	descCap       = 10
	messageCap    = 7
)

// ScoreAbstraction computes the specificity level for a subject. It is
// deterministic, does no I/O, and always returns a value in
// [MinAbstractionLevel, MaxAbstractionLevel]. Each input contributes
// monotonically: adding keywords, lengthening the description, or raising
// the message count never lowers the level. Fully empty input scores the
// mid-range default.
func ScoreAbstraction(keywords []string, description string, messageCount int) int {
	if len(keywords) == 0 && description == "" && messageCount <= 0 {
		return DefaultAbstractionLevel
	}

	level := MinAbstractionLevel

	kw := keywordWeight * len(keywords)
	if kw > keywordCap {
		kw = keywordCap
	}
	level += kw

	desc := len(description) / descCharsPer
	if desc > descCap {
		desc = descCap
	}
	level += desc

	if messageCount > 0 {
		msgs := int(math.Log2(float64(messageCount + 1)))
		if msgs > messageCap {
			msgs = messageCap
		}
		level += msgs
	}

	if level > MaxAbstractionLevel {
		level = MaxAbstractionLevel
	}
	return level
}
