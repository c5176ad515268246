package composer

import (
	"strings"
	"testing"
)

func TestScoreAbstractionEmptyInput(t *testing.T) {
	t.Parallel()
	if got := ScoreAbstraction(nil, "", 0); got != DefaultAbstractionLevel {
		t.Errorf("expected default level %d for empty input, got %d", DefaultAbstractionLevel, got)
	}
	if got := ScoreAbstraction([]string{}, "", -1); got != DefaultAbstractionLevel {
		t.Errorf("expected default level %d for empty input, got %d", DefaultAbstractionLevel, got)
	}
}

func TestScoreAbstractionValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		keywords     []string
		description  string
		messageCount int
		want         int
	}{
		{"single keyword", []string{"go"}, "", 0, 4},
		{"two keywords", []string{"go", "concurrency"}, "", 0, 7},
		{"description only", nil, strings.Repeat("d", 40), 0, 2},
		{"one message", nil, "", 1, 2},
		{"seven messages", nil, "", 7, 4},
		{"mixed", []string{"go", "channels"}, strings.Repeat("d", 60), 5, 10},
		{
			"saturated",
			[]string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"},
			strings.Repeat("d", 1000),
			1 << 20,
			MaxAbstractionLevel,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreAbstraction(tt.keywords, tt.description, tt.messageCount)
			if got != tt.want {
				t.Errorf("expected level %d, got %d", tt.want, got)
			}
			if got < MinAbstractionLevel || got > MaxAbstractionLevel {
				t.Errorf("level %d out of range [%d,%d]", got, MinAbstractionLevel, MaxAbstractionLevel)
			}
		})
	}
}

func TestScoreAbstractionDeterministic(t *testing.T) {
	t.Parallel()
	kws := []string{"go", "scheduler", "runtime"}
	desc := "How goroutine scheduling interacts with GOMAXPROCS."
	a := ScoreAbstraction(kws, desc, 12)
	b := ScoreAbstraction(kws, desc, 12)
	if a != b {
		t.Errorf("expected identical scores for identical input, got %d and %d", a, b)
	}
}

// Growing any single input never lowers the level.
func TestScoreAbstractionMonotonic(t *testing.T) {
	t.Parallel()
	baseKws := []string{"go", "generics"}
	baseDesc := strings.Repeat("d", 60)
	baseCount := 5
	base := ScoreAbstraction(baseKws, baseDesc, baseCount)

	withExtraKeyword := ScoreAbstraction(append(append([]string(nil), baseKws...), "types"), baseDesc, baseCount)
	if withExtraKeyword < base {
		t.Errorf("adding a keyword lowered the level: %d -> %d", base, withExtraKeyword)
	}

	withLongerDesc := ScoreAbstraction(baseKws, baseDesc+strings.Repeat("d", 200), baseCount)
	if withLongerDesc < base {
		t.Errorf("lengthening the description lowered the level: %d -> %d", base, withLongerDesc)
	}

	withMoreMessages := ScoreAbstraction(baseKws, baseDesc, baseCount*10)
	if withMoreMessages < base {
		t.Errorf("raising the message count lowered the level: %d -> %d", base, withMoreMessages)
	}

	// Sweep message counts: the level never decreases as volume grows.
	prev := 0
	for count := 1; count <= 4096; count *= 2 {
		level := ScoreAbstraction(baseKws, baseDesc, count)
		if level < prev {
			t.Errorf("level decreased from %d to %d at message count %d", prev, level, count)
		}
		prev = level
	}
}
