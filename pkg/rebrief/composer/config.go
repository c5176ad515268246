// Package composer – config.go defines the engine configuration
// structures and their defaults.
package composer

import "strings"

// ProviderKeyNames maps provider IDs to their standard API key variable
// names, following each provider's own convention.
var ProviderKeyNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"zai":        "ZAI_API_KEY",
	"custom":     "CUSTOM_API_KEY",
}

// GetProviderKeyName returns the standard API key variable name for a
// provider, falling back to "API_KEY" for unknown ones.
func GetProviderKeyName(provider string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// Config holds the whole engine configuration.
type Config struct {
	// Name is the agent's sender name in transcripts.
	Name string `yaml:"name"`

	// Model is the default model ID (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// SystemPrompt is the fixed instruction block of every prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// API configures the inference provider endpoint.
	API APIConfig `yaml:"api"`

	// Budget configures the prompt budget assembler.
	Budget BudgetConfig `yaml:"budget"`

	// Restart configures forced context restarts.
	Restart RestartConfig `yaml:"restart"`

	// Ledger configures the analysis ledger caches.
	Ledger LedgerConfig `yaml:"ledger"`

	// History configures the conversation history cache.
	History HistoryConfig `yaml:"history"`

	// Ranker configures cross-conversation subject proposals.
	Ranker RankerWeights `yaml:"ranker"`

	// Queue configures request queueing.
	Queue QueueConfig `yaml:"queue"`

	// Scheduler configures background maintenance jobs.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Storage configures where state lives on disk.
	Storage StorageConfig `yaml:"storage"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the inference provider.
type APIConfig struct {
	// Provider selects the key convention ("openai", "anthropic", ...).
	Provider string `yaml:"provider"`

	// BaseURL is the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey is resolved from the environment or keyring when empty or
	// when it is a ${VAR} reference.
	APIKey string `yaml:"api_key"`

	// TimeoutSeconds bounds one inference call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// BudgetConfig configures the assembler.
type BudgetConfig struct {
	// ContextWindow overrides the model catalog when positive.
	ContextWindow int `yaml:"context_window"`

	// ReserveFraction of the window is held back for generation.
	ReserveFraction float64 `yaml:"reserve_fraction"`

	// DigestSubjectCap bounds the past-subject digest.
	DigestSubjectCap int `yaml:"digest_subject_cap"`

	// HistoryMessageCap bounds the verbatim history part.
	HistoryMessageCap int `yaml:"history_message_cap"`

	// StartTier is the compression tier rendering starts at
	// ("rich", "balanced", "minimal", "extreme").
	StartTier string `yaml:"start_tier"`
}

// RestartConfig configures forced context restarts.
type RestartConfig struct {
	// Threshold is the fraction of the window at which a conversation
	// restarts.
	Threshold float64 `yaml:"threshold"`

	// VerbatimTail is how many recent messages ride along verbatim with
	// the restart summary.
	VerbatimTail int `yaml:"verbatim_tail"`

	// HeuristicWindow is how many trailing messages the fallback summary
	// samples.
	HeuristicWindow int `yaml:"heuristic_window"`

	// MinWordLength is the shortest word the fallback summary keeps.
	MinWordLength int `yaml:"min_word_length"`

	// TopKeywords is how many ledger keywords the restart summary cites.
	TopKeywords int `yaml:"top_keywords"`
}

// LedgerConfig configures the analysis ledger.
type LedgerConfig struct {
	// CacheTTLSeconds bounds staleness of the subject/keyword caches.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// HistoryConfig configures the history cache.
type HistoryConfig struct {
	// CacheTTLSeconds bounds staleness of cached transcripts.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// RankerWeights configures proposal ranking.
type RankerWeights struct {
	MatchWeight   float64 `yaml:"match_weight"`
	RecencyWeight float64 `yaml:"recency_weight"`

	// MinSimilarity drops candidates below this similarity floor.
	MinSimilarity float64 `yaml:"min_similarity"`

	// MaxProposals caps one ranking pass.
	MaxProposals int `yaml:"max_proposals"`

	// RecencyHalfLifeDays sets how fast recency decays.
	RecencyHalfLifeDays float64 `yaml:"recency_half_life_days"`
}

// QueueConfig configures request queueing.
type QueueConfig struct {
	// DefaultPriority applies to conversations without a stored one.
	DefaultPriority int `yaml:"default_priority"`

	// Concurrency is the default backend slot count; zero or negative
	// means unlimited.
	Concurrency int `yaml:"concurrency"`
}

// SchedulerConfig configures background maintenance.
type SchedulerConfig struct {
	// Enabled turns the maintenance scheduler on/off.
	Enabled bool `yaml:"enabled"`

	// SweepSpec is the cron spec for cache sweeps.
	SweepSpec string `yaml:"sweep_spec"`

	// DecaySpec is the cron spec for keyword relevance decay.
	DecaySpec string `yaml:"decay_spec"`

	// ProposalSpec is the cron spec for proposal refreshes.
	ProposalSpec string `yaml:"proposal_spec"`

	// AuditSpec is the cron spec for restart audit log compaction.
	AuditSpec string `yaml:"audit_spec"`
}

// StorageConfig configures on-disk state.
type StorageConfig struct {
	// DataDir is where databases live.
	DataDir string `yaml:"data_dir"`

	// SettingsBackend selects the settings store ("sqlite" or "memory").
	SettingsBackend string `yaml:"settings_backend"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Name:         "rebrief",
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are a helpful assistant. Earlier parts of long conversations may arrive as summaries; treat them as accurate context.",
		API: APIConfig{
			Provider:       "openai",
			BaseURL:        "https://api.openai.com/v1",
			TimeoutSeconds: 120,
		},
		Budget: BudgetConfig{
			ReserveFraction:   defaultReserveFraction,
			DigestSubjectCap:  defaultDigestSubjectCap,
			HistoryMessageCap: defaultHistoryMessageCap,
			StartTier:         TierRich.String(),
		},
		Restart: RestartConfig{
			Threshold:       defaultRestartThreshold,
			VerbatimTail:    defaultVerbatimTail,
			HeuristicWindow: defaultHeuristicWindow,
			MinWordLength:   defaultMinWordLength,
			TopKeywords:     defaultTopKeywords,
		},
		Ledger: LedgerConfig{
			CacheTTLSeconds: 5,
		},
		History: HistoryConfig{
			CacheTTLSeconds: 5,
		},
		Ranker: RankerWeights{
			MatchWeight:         0.7,
			RecencyWeight:       0.3,
			MinSimilarity:       0.05,
			MaxProposals:        8,
			RecencyHalfLifeDays: 30,
		},
		Queue: QueueConfig{
			DefaultPriority: DefaultPriority,
			Concurrency:     1,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			SweepSpec:    "@every 1m",
			DecaySpec:    "@daily",
			ProposalSpec: "@every 10m",
			AuditSpec:    "@weekly",
		},
		Storage: StorageConfig{
			DataDir:         "./data",
			SettingsBackend: "sqlite",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
