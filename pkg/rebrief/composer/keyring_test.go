package composer

import (
	"log/slog"
	"testing"
)

func TestResolveAPIKeyKeepsResolvedValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-already-resolved-key"

	ResolveAPIKey(cfg, slog.Default())

	if cfg.API.APIKey != "sk-already-resolved-key" {
		t.Errorf("API.APIKey = %q, want %q", cfg.API.APIKey, "sk-already-resolved-key")
	}
}

func TestResolveAPIKeyLeavesUnresolvedReference(t *testing.T) {
	// An env reference that survived expansion means the variable is unset;
	// without a keyring entry the reference is left for the caller to report.
	cfg := DefaultConfig()
	cfg.API.APIKey = "${REBRIEF_UNSET_VAR_XX}"

	ResolveAPIKey(cfg, slog.Default())

	if cfg.API.APIKey != "" && cfg.API.APIKey != "${REBRIEF_UNSET_VAR_XX}" {
		t.Errorf("unexpected API key %q", cfg.API.APIKey)
	}
}
