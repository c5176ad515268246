// Package composer – models.go holds the model catalog: context windows,
// chars-per-token ratios, and structured-output capability per model
// family, plus the token estimation helpers shared by the whole package.
package composer

import (
	"math"
	"strings"
)

const (
	// DefaultContextWindow is the conservative window assumed for models
	// the catalog does not know.
	DefaultContextWindow = 8192

	// MinContextWindow floors whatever a catalog entry or caller supplies.
	MinContextWindow = 4096
)

// ModelInfo describes what the engine needs to know about one model family.
type ModelInfo struct {
	// ContextWindow is the total token budget the backend accepts.
	ContextWindow int
	// CharsPerToken is the average character cost of one token for this
	// family. Used only for estimation, never billing.
	CharsPerToken float64
	// StructuredOutput reports whether the family honors structured-output
	// (JSON) response format requests.
	StructuredOutput bool
}

type modelSpec struct {
	prefix string
	info   ModelInfo
}

// modelCatalog is matched by prefix, most specific first.
var modelCatalog = []modelSpec{
	{"gpt-4o", ModelInfo{ContextWindow: 128000, CharsPerToken: 3.7, StructuredOutput: true}},
	{"gpt-4", ModelInfo{ContextWindow: 8192, CharsPerToken: 3.7, StructuredOutput: true}},
	{"gpt-3.5", ModelInfo{ContextWindow: 16385, CharsPerToken: 3.7, StructuredOutput: true}},
	{"claude", ModelInfo{ContextWindow: 200000, CharsPerToken: 3.5, StructuredOutput: true}},
	{"gemini", ModelInfo{ContextWindow: 1048576, CharsPerToken: 3.5, StructuredOutput: true}},
	{"glm", ModelInfo{ContextWindow: 128000, CharsPerToken: 2.5, StructuredOutput: true}},
	{"deepseek", ModelInfo{ContextWindow: 65536, CharsPerToken: 2.5, StructuredOutput: true}},
	{"qwen", ModelInfo{ContextWindow: 32768, CharsPerToken: 2.5, StructuredOutput: false}},
	{"llama", ModelInfo{ContextWindow: 8192, CharsPerToken: 4.0, StructuredOutput: false}},
	{"mistral", ModelInfo{ContextWindow: 32768, CharsPerToken: 4.0, StructuredOutput: false}},
}

// alternateModels are tried, in order, when a model rejects a structured
// request. Known-incompatible families never appear here.
var alternateModels = []string{"gpt-4o-mini", "claude-3-5-haiku", "gemini-1.5-flash"}

// LookupModel resolves a model ID against the catalog by prefix. Provider
// prefixes like "openai/" are stripped first.
func LookupModel(modelID string) (ModelInfo, bool) {
	id := strings.ToLower(strings.TrimSpace(modelID))
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	for _, spec := range modelCatalog {
		if strings.HasPrefix(id, spec.prefix) {
			return spec.info, true
		}
	}
	return ModelInfo{}, false
}

// ContextWindowFor returns the model's context window, defaulting
// conservatively for unknown models and flooring known-but-tiny values.
func ContextWindowFor(modelID string) int {
	info, ok := LookupModel(modelID)
	if !ok || info.ContextWindow <= 0 {
		return DefaultContextWindow
	}
	if info.ContextWindow < MinContextWindow {
		return MinContextWindow
	}
	return info.ContextWindow
}

// SupportsStructuredOutput reports whether the model can honor a structured
// response format. Unknown models are assumed capable; the retry path
// handles the ones that lie.
func SupportsStructuredOutput(modelID string) bool {
	info, ok := LookupModel(modelID)
	if !ok {
		return true
	}
	return info.StructuredOutput
}

// alternatesFor returns up to max alternate models for a structured-output
// retry, excluding already-tried models and incompatible families.
func alternatesFor(tried map[string]bool, max int) []string {
	var out []string
	for _, alt := range alternateModels {
		if len(out) >= max {
			break
		}
		if tried[alt] || !SupportsStructuredOutput(alt) {
			continue
		}
		out = append(out, alt)
	}
	return out
}

// EstimateTokens is the fixed token proxy: characters divided by four,
// rounded up. Callers must treat it as a conservative estimate, never as
// backend-exact tokenization.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4.0))
}

// estimateTokensForModel refines the estimate with the model family's
// chars-per-token ratio; unknown models use the fixed 4.0 ratio.
func estimateTokensForModel(text, modelID string) int {
	if text == "" {
		return 0
	}
	ratio := 4.0
	if info, ok := LookupModel(modelID); ok && info.CharsPerToken > 0 {
		ratio = info.CharsPerToken
	}
	return int(math.Ceil(float64(len(text)) / ratio))
}
