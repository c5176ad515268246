// Package composer – assemble.go implements the budget assembler: it turns
// a context window, a system prompt, candidate past subjects, conversation
// history, and the new message into four labeled, token-counted prompt
// parts that fit the window with generation headroom to spare.
package composer

import (
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/cogfold/rebrief/pkg/rebrief/composer/ledger"
)

const (
	// defaultReserveFraction of the context window is held back for the
	// model's generated output and system overhead.
	defaultReserveFraction = 0.25

	// defaultDigestSubjectCap bounds how many past subjects the digest may
	// cite before compression even starts.
	defaultDigestSubjectCap = 20

	// defaultHistoryMessageCap bounds how many verbatim messages the
	// history part may carry.
	defaultHistoryMessageCap = 30

	// digestShare is the fraction of the post-system budget offered to the
	// past-subject digest; history gets whatever the digest leaves.
	digestShare = 0.30
)

// AssemblerConfig tunes the assembler. Zero values fall back to defaults.
type AssemblerConfig struct {
	ReserveFraction   float64
	DigestSubjectCap  int
	HistoryMessageCap int
	StartTier         Tier
}

// Assembler produces PromptParts under a token budget. It is stateless and
// safe for concurrent use.
type Assembler struct {
	reserve    float64
	digestCap  int
	historyCap int
	startTier  Tier
	logger     *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(cfg AssemblerConfig, logger *slog.Logger) *Assembler {
	if cfg.ReserveFraction <= 0 || cfg.ReserveFraction >= 1 {
		cfg.ReserveFraction = defaultReserveFraction
	}
	if cfg.DigestSubjectCap <= 0 {
		cfg.DigestSubjectCap = defaultDigestSubjectCap
	}
	if cfg.HistoryMessageCap <= 0 {
		cfg.HistoryMessageCap = defaultHistoryMessageCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		reserve:    cfg.ReserveFraction,
		digestCap:  cfg.DigestSubjectCap,
		historyCap: cfg.HistoryMessageCap,
		startTier:  cfg.StartTier,
		logger:     logger.With("component", "assembler"),
	}
}

// AssembleInput carries everything one assembly needs. PastSubjects must
// arrive pre-sorted most relevant first; History must be chronological.
type AssembleInput struct {
	ContextWindow int
	SystemPrompt  string
	PastSubjects  []*ledger.Subject
	History       []Message
	NewMessage    Message

	// RestartSummary, when non-empty, replaces the bulk of the history
	// after a forced restart; only a small verbatim tail rides alongside.
	RestartSummary string
}

// PromptParts is the assembled prompt: four labeled text blocks with their
// token estimates, plus metadata recording how much compression was needed.
type PromptParts struct {
	System     string
	PastDigest string
	History    string
	NewMessage string

	SystemTokens     int
	DigestTokens     int
	HistoryTokens    int
	NewMessageTokens int

	// TierUsed is the compression tier the digest ended at.
	TierUsed Tier
	// SubjectsIncluded and MessagesIncluded record the surviving counts.
	SubjectsIncluded int
	MessagesIncluded int
	// Restart marks parts assembled after a forced restart.
	Restart bool
	// RestartSummary is the fitted summary text that leads the history
	// part after a restart.
	RestartSummary string

	// HistoryMessages are the verbatim messages that made the cut, oldest
	// first, for callers that need role attribution.
	HistoryMessages []Message
	NewMsg          Message
}

// TotalEstimatedTokens sums the four parts.
func (p *PromptParts) TotalEstimatedTokens() int {
	return p.SystemTokens + p.DigestTokens + p.HistoryTokens + p.NewMessageTokens
}

// formatMessage renders one history message the way it will appear in the
// prompt, including its line separator.
func formatMessage(m Message) string {
	if m.Sender == "" {
		return m.Text + "\n"
	}
	return m.Sender + ": " + m.Text + "\n"
}

// Assemble builds PromptParts for the input. The new message is reserved
// before anything else and is never compressed or dropped; the past-subject
// digest and the history tail shrink, in that order of sacrifice, until the
// total fits the window minus the generation reserve.
func (a *Assembler) Assemble(in AssembleInput) *PromptParts {
	window := in.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}
	usable := window - int(math.Ceil(float64(window)*a.reserve))
	if usable < 0 {
		usable = 0
	}

	newText := formatMessage(in.NewMessage)
	parts := &PromptParts{
		System:           in.SystemPrompt,
		NewMessage:       newText,
		SystemTokens:     EstimateTokens(in.SystemPrompt),
		NewMessageTokens: EstimateTokens(newText),
		NewMsg:           in.NewMessage,
		Restart:          in.RestartSummary != "",
	}

	remaining := usable - parts.SystemTokens - parts.NewMessageTokens
	if remaining < 0 {
		a.logger.Warn("system prompt and new message alone exceed usable budget",
			"usable", usable, "system_tokens", parts.SystemTokens,
			"new_message_tokens", parts.NewMessageTokens)
		remaining = 0
	}

	restartText := in.RestartSummary
	restartCost := 0
	if restartText != "" {
		restartText = a.fitRestartSummary(restartText, remaining)
		if restartText != "" {
			restartCost = EstimateTokens(restartText) + 1 // newline separator
			remaining -= restartCost
		}
	}
	parts.RestartSummary = restartText

	digestBudget := int(float64(remaining) * digestShare)
	parts.PastDigest, parts.DigestTokens, parts.TierUsed, parts.SubjectsIncluded =
		a.buildDigest(in.PastSubjects, digestBudget)
	remaining -= parts.DigestTokens

	historyText, historyTokens, included := a.buildHistory(in.History, remaining)
	parts.HistoryMessages = included
	parts.MessagesIncluded = len(included)
	if restartText != "" {
		historyText = restartText + "\n" + historyText
		historyTokens += restartCost
	}
	parts.History = strings.TrimSuffix(historyText, "\n")
	parts.HistoryTokens = historyTokens

	a.logger.Debug("prompt assembled",
		"window", window, "usable", usable,
		"tier", parts.TierUsed.String(),
		"subjects", parts.SubjectsIncluded,
		"messages", parts.MessagesIncluded,
		"total_tokens", parts.TotalEstimatedTokens(),
		"restart", parts.Restart)
	return parts
}

// fitRestartSummary truncates the restart summary when it alone would eat
// the whole remaining budget, keeping the front of the text. The budget
// must also cover the summary's separator.
func (a *Assembler) fitRestartSummary(text string, budget int) string {
	if EstimateTokens(text)+1 <= budget {
		return text
	}
	maxChars := (budget - 1) * 4
	if maxChars <= 0 {
		return ""
	}
	if maxChars >= len(text) {
		return text
	}
	a.logger.Warn("restart summary truncated to fit budget",
		"budget_tokens", budget, "original_chars", len(text))
	return text[:maxChars]
}

// buildDigest compresses the candidate subjects into the digest budget:
// first by degrading tiers globally, then by trimming the least relevant
// subjects off the end when even extreme does not fit.
func (a *Assembler) buildDigest(subjects []*ledger.Subject, budget int) (text string, tokens int, tier Tier, count int) {
	tier = a.startTier
	if len(subjects) == 0 || budget <= 0 {
		return "", 0, tier, 0
	}

	candidates := subjects
	if len(candidates) > a.digestCap {
		candidates = candidates[:a.digestCap]
	}

	rendered, tier := SummarizeSubjects(candidates, budget, a.startTier)
	total := 0
	for _, r := range rendered {
		total += r.EstimatedTokens + 1 // newline separator
	}

	// Even the extreme tier can overflow a tight budget: drop the least
	// relevant subjects (the tail: input arrives most relevant first).
	for total > budget && len(rendered) > 0 {
		last := rendered[len(rendered)-1]
		total -= last.EstimatedTokens + 1
		rendered = rendered[:len(rendered)-1]
	}
	if len(rendered) == 0 {
		return "", 0, tier, 0
	}

	lines := make([]string, len(rendered))
	for i, r := range rendered {
		lines[i] = r.Text
	}
	return strings.Join(lines, "\n"), total, tier, len(rendered)
}

// buildHistory selects verbatim messages newest-first under the budget and
// the message cap, then restores chronological order. Messages are never
// summarized here: they are either included whole or dropped, oldest first.
func (a *Assembler) buildHistory(history []Message, budget int) (string, int, []Message) {
	if len(history) == 0 || budget <= 0 {
		return "", 0, nil
	}

	// Preserve the most recently timestamped messages when trimming; a
	// stable sort keeps arrival order for equal timestamps.
	ordered := append([]Message(nil), history...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	var picked []Message
	total := 0
	for i := len(ordered) - 1; i >= 0; i-- {
		if len(picked) >= a.historyCap {
			break
		}
		cost := EstimateTokens(formatMessage(ordered[i]))
		if total+cost > budget {
			break
		}
		total += cost
		picked = append(picked, ordered[i])
	}
	if len(picked) == 0 {
		return "", 0, nil
	}

	// picked is newest-first; flip to chronological.
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}

	var b strings.Builder
	for _, m := range picked {
		b.WriteString(formatMessage(m))
	}
	return b.String(), total, picked
}

// MinimalParts is the degraded fallback: when budgeting or ranking fails,
// the new message must still reach the backend with a minimal system
// prompt.
func (a *Assembler) MinimalParts(systemPrompt string, newMessage Message) *PromptParts {
	newText := formatMessage(newMessage)
	return &PromptParts{
		System:           systemPrompt,
		NewMessage:       newText,
		SystemTokens:     EstimateTokens(systemPrompt),
		NewMessageTokens: EstimateTokens(newText),
		NewMsg:           newMessage,
		TierUsed:         TierExtreme,
	}
}
