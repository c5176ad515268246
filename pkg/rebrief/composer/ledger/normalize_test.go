package ledger

import (
	"reflect"
	"testing"
)

func TestNormalizeTerm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trailing space", "Go ", "go"},
		{"plain lowercase", "go", "go"},
		{"mixed case", "Rust", "rust"},
		{"trailing space mixed case", "rust ", "rust"},
		{"inner whitespace collapsed", "  context   window  ", "context window"},
		{"tabs and newlines", "token\tbudget\n", "token budget"},
		{"full-width folds", "Ｇｏ", "go"},
		{"empty", "", ""},
		{"only whitespace", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeTerm(tt.in); got != tt.want {
				t.Errorf("NormalizeTerm(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeTermCanonicalEquality(t *testing.T) {
	t.Parallel()

	if NormalizeTerm("Go ") != NormalizeTerm("go") {
		t.Errorf("expected %q and %q to normalize identically", "Go ", "go")
	}
	if NormalizeTerm("Rust") != NormalizeTerm("rust ") {
		t.Errorf("expected %q and %q to normalize identically", "Rust", "rust ")
	}
}

func TestNormalizeTerms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "dedupes case variants",
			in:   []string{"Go", "go ", "GO"},
			want: []string{"go"},
		},
		{
			name: "preserves first-seen order",
			in:   []string{"beta", "alpha", "Beta"},
			want: []string{"beta", "alpha"},
		},
		{
			name: "drops empties",
			in:   []string{"", "  ", "real"},
			want: []string{"real"},
		},
		{
			name: "nil input",
			in:   nil,
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizeTerms(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeTerms(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
