package composer

import (
	"strings"
	"testing"
)

func TestLookupModel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id         string
		wantWindow int
		wantFound  bool
	}{
		{"gpt-4o", 128000, true},
		{"gpt-4o-mini", 128000, true},
		{"gpt-4", 8192, true},
		{"gpt-4-turbo", 8192, true},
		{"GPT-3.5-Turbo", 16385, true},
		{"claude-3-5-sonnet", 200000, true},
		{"openai/gpt-4o", 128000, true},
		{"anthropic/claude-3-haiku", 200000, true},
		{"  qwen-2.5  ", 32768, true},
		{"deepseek-chat", 65536, true},
		{"totally-unknown", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		info, ok := LookupModel(tt.id)
		if ok != tt.wantFound {
			t.Errorf("LookupModel(%q) found = %v, want %v", tt.id, ok, tt.wantFound)
			continue
		}
		if ok && info.ContextWindow != tt.wantWindow {
			t.Errorf("LookupModel(%q) window = %d, want %d", tt.id, info.ContextWindow, tt.wantWindow)
		}
	}
}

func TestContextWindowFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id   string
		want int
	}{
		{"gpt-4", 8192},
		{"claude-3-opus", 200000},
		{"llama-3-8b", 8192},
		{"never-heard-of-it", DefaultContextWindow},
		{"", DefaultContextWindow},
	}
	for _, tt := range tests {
		if got := ContextWindowFor(tt.id); got != tt.want {
			t.Errorf("ContextWindowFor(%q) = %d, want %d", tt.id, got, tt.want)
		}
	}
}

func TestSupportsStructuredOutput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id   string
		want bool
	}{
		{"gpt-4o", true},
		{"claude-3-5-sonnet", true},
		{"qwen-2.5-coder", false},
		{"llama-3-70b", false},
		{"mistral-large", false},
		{"unknown-model", true},
	}
	for _, tt := range tests {
		if got := SupportsStructuredOutput(tt.id); got != tt.want {
			t.Errorf("SupportsStructuredOutput(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestAlternatesFor(t *testing.T) {
	t.Parallel()

	got := alternatesFor(nil, 2)
	want := []string{"gpt-4o-mini", "claude-3-5-haiku"}
	if len(got) != len(want) {
		t.Fatalf("expected %d alternates, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("alternate %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	got = alternatesFor(map[string]bool{"gpt-4o-mini": true}, 2)
	if len(got) != 2 || got[0] != "claude-3-5-haiku" || got[1] != "gemini-1.5-flash" {
		t.Errorf("expected tried models excluded, got %v", got)
	}

	all := map[string]bool{
		"gpt-4o-mini":      true,
		"claude-3-5-haiku": true,
		"gemini-1.5-flash": true,
	}
	if got = alternatesFor(all, 2); len(got) != 0 {
		t.Errorf("expected no alternates when all tried, got %v", got)
	}

	if got = alternatesFor(nil, 0); len(got) != 0 {
		t.Errorf("expected no alternates for max 0, got %v", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 8), 2},
		{strings.Repeat("x", 9), 3},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestEstimateTokensForModel(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 10)
	tests := []struct {
		model string
		want  int
	}{
		{"glm-4", 4},      // 10 / 2.5
		{"claude-3", 3},   // 10 / 3.5, rounded up
		{"llama-3-8b", 3}, // 10 / 4.0, rounded up
		{"unknown", 3},    // fixed 4.0 ratio
	}
	for _, tt := range tests {
		if got := estimateTokensForModel(text, tt.model); got != tt.want {
			t.Errorf("estimateTokensForModel(10 chars, %q) = %d, want %d", tt.model, got, tt.want)
		}
	}
	if got := estimateTokensForModel("", "glm-4"); got != 0 {
		t.Errorf("expected 0 tokens for empty text, got %d", got)
	}
}
