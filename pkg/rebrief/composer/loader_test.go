package composer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetProviderKeyName(t *testing.T) {
	tests := []struct {
		provider string
		expected string
	}{
		{"openai", "OPENAI_API_KEY"},
		{"OpenAI", "OPENAI_API_KEY"},
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"deepseek", "DEEPSEEK_API_KEY"},
		{"unknown", "API_KEY"},
		{"", "API_KEY"},
	}
	for _, tt := range tests {
		if got := GetProviderKeyName(tt.provider); got != tt.expected {
			t.Errorf("GetProviderKeyName(%q) = %q, want %q", tt.provider, got, tt.expected)
		}
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(""))
	if err != nil {
		t.Fatalf("parse empty config: %v", err)
	}
	if cfg.Name != "rebrief" {
		t.Errorf("unexpected default name %q", cfg.Name)
	}
	if cfg.Budget.ReserveFraction != defaultReserveFraction {
		t.Errorf("unexpected default reserve %v", cfg.Budget.ReserveFraction)
	}
	if cfg.Budget.DigestSubjectCap != defaultDigestSubjectCap {
		t.Errorf("unexpected default digest cap %d", cfg.Budget.DigestSubjectCap)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("scheduler must default to enabled")
	}
	if cfg.Ranker.MatchWeight != 0.7 || cfg.Ranker.RecencyWeight != 0.3 {
		t.Errorf("unexpected default ranker weights %v/%v", cfg.Ranker.MatchWeight, cfg.Ranker.RecencyWeight)
	}
}

func TestParseConfigOverlay(t *testing.T) {
	yaml := `
model: claude-3-5-sonnet
budget:
  reserve_fraction: 0.3
  start_tier: balanced
restart:
  threshold: 0.8
queue:
  concurrency: 4
`
	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Model != "claude-3-5-sonnet" {
		t.Errorf("model not overlaid: %q", cfg.Model)
	}
	if cfg.Budget.ReserveFraction != 0.3 {
		t.Errorf("reserve not overlaid: %v", cfg.Budget.ReserveFraction)
	}
	if cfg.Budget.StartTier != "balanced" {
		t.Errorf("start tier not overlaid: %q", cfg.Budget.StartTier)
	}
	if cfg.Restart.Threshold != 0.8 {
		t.Errorf("threshold not overlaid: %v", cfg.Restart.Threshold)
	}
	if cfg.Queue.Concurrency != 4 {
		t.Errorf("concurrency not overlaid: %d", cfg.Queue.Concurrency)
	}
	// Untouched sections keep their defaults.
	if cfg.Restart.VerbatimTail != defaultVerbatimTail {
		t.Errorf("verbatim tail lost its default: %d", cfg.Restart.VerbatimTail)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("absent scheduler section must stay enabled")
	}
}

func TestParseConfigSchedulerBoolMerge(t *testing.T) {
	// A scheduler section that does not mention enabled keeps the default.
	cfg, err := ParseConfig([]byte("scheduler:\n  sweep_spec: \"@every 5m\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("partial scheduler section must not disable maintenance")
	}
	if cfg.Scheduler.SweepSpec != "@every 5m" {
		t.Errorf("sweep spec not overlaid: %q", cfg.Scheduler.SweepSpec)
	}

	cfg, err = ParseConfig([]byte("scheduler:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scheduler.Enabled {
		t.Error("explicit enabled: false must stick")
	}
}

func TestParseConfigInvalidTier(t *testing.T) {
	if _, err := ParseConfig([]byte("budget:\n  start_tier: ultra\n")); err == nil {
		t.Error("expected error for unknown start tier")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("REBRIEF_TEST_VAR", "resolved")

	tests := []struct {
		in   string
		want string
	}{
		{"${REBRIEF_TEST_VAR}", "resolved"},
		{"prefix-${REBRIEF_TEST_VAR}-suffix", "prefix-resolved-suffix"},
		{"$REBRIEF_TEST_VAR", "resolved"},
		{"${REBRIEF_UNSET_VAR_XX:-fallback}", "fallback"},
		{"${REBRIEF_UNSET_VAR_XX}", "${REBRIEF_UNSET_VAR_XX}"},
		{"no references here", "no references here"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandEnvVarsRequired(t *testing.T) {
	_, err := expandEnvVarsWithValidation("key: ${REBRIEF_UNSET_VAR_XX:?api key required}")
	if err == nil {
		t.Fatal("expected error for unset required variable")
	}
	if !strings.Contains(err.Error(), "REBRIEF_UNSET_VAR_XX") || !strings.Contains(err.Error(), "api key required") {
		t.Errorf("unexpected error %v", err)
	}

	t.Setenv("REBRIEF_TEST_VAR", "resolved")
	out, err := expandEnvVarsWithValidation("key: ${REBRIEF_TEST_VAR:?unused}")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if out != "key: resolved" {
		t.Errorf("unexpected expansion %q", out)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("REBRIEF_TEST_KEY", "sk-test-abcdefghijklmnop")

	tmpDir, err := os.MkdirTemp("", "rebrief-config-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	content := `
model: gpt-4o
api:
  provider: openai
  api_key: ${REBRIEF_TEST_KEY}
storage:
  data_dir: state
`
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.APIKey != "sk-test-abcdefghijklmnop" {
		t.Errorf("api key not expanded: %q", cfg.API.APIKey)
	}
	if want := filepath.Join(tmpDir, "state"); cfg.Storage.DataDir != want {
		t.Errorf("data dir not anchored at config dir: %q, want %q", cfg.Storage.DataDir, want)
	}
	if cfg.Model != "gpt-4o" {
		t.Errorf("model not loaded: %q", cfg.Model)
	}
}

func TestLoadConfigMissingRequiredVar(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rebrief-config-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "config.yaml")
	content := "api:\n  api_key: ${REBRIEF_UNSET_VAR_XX:?key must be set}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfigFromFile(path); err == nil {
		t.Error("expected load to fail on unset required variable")
	}
}

func TestSaveConfigToFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-live-secret-value-1234")

	tmpDir, err := os.MkdirTemp("", "rebrief-config-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.API.Provider = "openai"
	cfg.API.APIKey = "sk-live-secret-value-1234"

	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if strings.Contains(string(data), "sk-live-secret-value-1234") {
		t.Error("secret written to config file")
	}
	if !strings.Contains(string(data), "${OPENAI_API_KEY}") {
		t.Error("expected env var reference in saved config")
	}

	// Saving over an existing file leaves a backup.
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("expected backup file: %v", err)
	}

	// The in-memory config is untouched.
	if cfg.API.APIKey != "sk-live-secret-value-1234" {
		t.Error("sanitizing must not mutate the caller's config")
	}
}

func TestIsEnvReference(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"${OPENAI_API_KEY}", true},
		{"$OPENAI_API_KEY", true},
		{"sk-abc123", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsEnvReference(tt.in); got != tt.want {
			t.Errorf("IsEnvReference(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLooksLikeRealKey(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"sk-abc", true},
		{"${OPENAI_API_KEY}", false},
		{"short", false},
		{"averylongopaquetokenvalue123", true},
	}
	for _, tt := range tests {
		if got := looksLikeRealKey(tt.in); got != tt.want {
			t.Errorf("looksLikeRealKey(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
