package rank

import (
	"math"
	"testing"
	"time"
)

func TestJaccard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a    []string
		b    []string
		want float64
	}{
		{"both empty", nil, nil, 1.0},
		{"left empty", nil, []string{"go"}, 0.0},
		{"right empty", []string{"go"}, nil, 0.0},
		{"identical", []string{"go", "channels"}, []string{"go", "channels"}, 1.0},
		{"disjoint", []string{"go"}, []string{"rust"}, 0.0},
		{"partial overlap", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3.0},
		{"duplicates ignored", []string{"a", "a", "b"}, []string{"b", "b"}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Jaccard(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Jaccard(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestIntersect(t *testing.T) {
	t.Parallel()

	got := Intersect([]string{"go", "channels", "sqlite"}, []string{"sqlite", "go", "cron"})
	want := []string{"go", "sqlite"}
	if len(got) != len(want) {
		t.Fatalf("Intersect = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Intersect[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRecencyScore(t *testing.T) {
	t.Parallel()

	now := time.Now()

	if got := RecencyScore(now, now, 30); got != 1.0 {
		t.Errorf("expected fresh sighting to score 1.0, got %f", got)
	}

	// One half-life ago decays to ~0.5.
	halfLifeAgo := now.Add(-30 * 24 * time.Hour)
	if got := RecencyScore(halfLifeAgo, now, 30); math.Abs(got-0.5) > 1e-6 {
		t.Errorf("expected ~0.5 after one half-life, got %f", got)
	}

	// Strictly decreasing with age.
	younger := RecencyScore(now.Add(-24*time.Hour), now, 30)
	older := RecencyScore(now.Add(-48*time.Hour), now, 30)
	if younger <= older {
		t.Errorf("expected decay to be monotonic: 1d=%f should exceed 2d=%f", younger, older)
	}

	// Future timestamps clamp to 1.0 rather than exceeding it.
	if got := RecencyScore(now.Add(time.Hour), now, 30); got != 1.0 {
		t.Errorf("expected future sighting clamped to 1.0, got %f", got)
	}
}
