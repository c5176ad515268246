// Package composer – orchestrator.go drives the per-message pipeline:
// retrieve history through the short-TTL cache, check the token budget,
// prepare a restart summary when the conversation is about to overflow, and
// hand off to the budget assembler.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cogfold/rebrief/pkg/rebrief/composer/ledger"
)

const (
	// defaultRestartThreshold is the fraction of the context window at
	// which a conversation is summarized and restarted.
	defaultRestartThreshold = 0.75

	// defaultVerbatimTail is how many recent messages ride along verbatim
	// with a restart summary.
	defaultVerbatimTail = 3

	// defaultHeuristicWindow is how many trailing messages the fallback
	// summary inspects.
	defaultHeuristicWindow = 20

	// defaultMinWordLength is the shortest word the fallback summary
	// keeps as a pseudo-topic.
	defaultMinWordLength = 7

	// defaultTopKeywords is how many high-frequency keywords a restart
	// summary lists.
	defaultTopKeywords = 5

	// systemOverheadTokens covers prompt scaffolding that is not part of
	// the visible system text (role markers, separators).
	systemOverheadTokens = 64

	// heuristicTopicCap bounds the pseudo-topic list in the fallback
	// summary.
	heuristicTopicCap = 12

	// heuristicMaxWordLength filters URLs, hashes, and pasted blobs out
	// of the pseudo-topic list.
	heuristicMaxWordLength = 32

	// restartCacheTTL keeps a prepared restart summary reusable while
	// repeated sends race the restart itself, so analysis is not
	// re-triggered for every message in the burst.
	restartCacheTTL = 30 * time.Second
)

// Summary sources recorded in the restart audit log.
const (
	SummarySourcePersisted = "persisted"
	SummarySourceAnalysis  = "analysis"
	SummarySourceHeuristic = "heuristic"
)

// Phase is the orchestrator's position in the per-message pipeline.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRetrievingHistory
	PhaseCheckingBudget
	PhaseNeedsRestart
	PhaseNormal
	PhaseAssembled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRetrievingHistory:
		return "retrieving_history"
	case PhaseCheckingBudget:
		return "checking_budget"
	case PhaseNeedsRestart:
		return "needs_restart"
	case PhaseNormal:
		return "normal"
	case PhaseAssembled:
		return "assembled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// AnalysisTrigger asks the analysis layer to distill the conversation into
// a persisted summary. Injected during the wiring phase because the
// analysis layer itself depends on the orchestrator.
type AnalysisTrigger interface {
	TriggerAnalysis(ctx context.Context, conversationID string) error
}

// RestartDecision reports whether a conversation must be summarized and
// restarted before its next prompt, and the summary text to restart with.
type RestartDecision struct {
	NeedsRestart    bool
	RestartText     string
	Source          string
	EstimatedTokens int
	MessageCount    int
}

// OrchestratorConfig carries the tunables for restart detection and the
// fallback summary. Zero values fall back to the package defaults.
type OrchestratorConfig struct {
	// Model resolves the context window and token ratio.
	Model string
	// ContextWindow pins the window explicitly; zero resolves it from
	// the model catalog.
	ContextWindow int
	// SystemPrompt is the fixed instruction block of every prompt.
	SystemPrompt string
	// AgentName identifies the agent's own messages until a classifier
	// is wired in.
	AgentName string

	Threshold       float64
	VerbatimTail    int
	HeuristicWindow int
	MinWordLength   int
	TopKeywords     int
}

type restartEntry struct {
	text     string
	source   string
	cachedAt time.Time
}

// Orchestrator owns the prompt pipeline for all conversations. History
// lives in the TTL cache, prepared restart summaries in a small timestamped
// map; both are evictable through Invalidate and Clear.
type Orchestrator struct {
	cfg       OrchestratorConfig
	logger    *slog.Logger
	history   *HistoryCache
	ledger    *ledger.Ledger
	assembler *Assembler
	settings  SettingsStore

	mu       sync.Mutex
	phase    Phase
	restarts map[string]restartEntry
	isAgent  func(sender string) bool
	analysis AnalysisTrigger
	now      func() time.Time
}

// NewOrchestrator constructs the pipeline with its acyclic dependencies.
// The analysis trigger and agent classifier arrive later via the Set
// methods; settings may be nil when no audit persistence is wanted.
func NewOrchestrator(cfg OrchestratorConfig, history *HistoryCache, led *ledger.Ledger, assembler *Assembler, settings SettingsStore, logger *slog.Logger) *Orchestrator {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = defaultRestartThreshold
	}
	if cfg.VerbatimTail <= 0 {
		cfg.VerbatimTail = defaultVerbatimTail
	}
	if cfg.HeuristicWindow <= 0 {
		cfg.HeuristicWindow = defaultHeuristicWindow
	}
	if cfg.MinWordLength <= 0 {
		cfg.MinWordLength = defaultMinWordLength
	}
	if cfg.TopKeywords <= 0 {
		cfg.TopKeywords = defaultTopKeywords
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
		history:   history,
		ledger:    led,
		assembler: assembler,
		settings:  settings,
		phase:     PhaseIdle,
		restarts:  make(map[string]restartEntry),
		now:       time.Now,
	}

	agent := strings.ToLower(strings.TrimSpace(cfg.AgentName))
	o.isAgent = func(sender string) bool {
		return agent != "" && strings.ToLower(strings.TrimSpace(sender)) == agent
	}
	return o
}

// SetAnalysisTrigger wires in the analysis layer. Must happen before the
// first message is processed.
func (o *Orchestrator) SetAnalysisTrigger(t AnalysisTrigger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.analysis = t
}

// SetAgentClassifier replaces the sender classifier used to tell agent
// replies apart from user messages.
func (o *Orchestrator) SetAgentClassifier(fn func(sender string) bool) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.isAgent = fn
}

// Phase reports the most recent pipeline phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.logger.Debug("phase transition", "phase", p.String())
}

// BuildPrompt runs the full pipeline for one incoming message. History
// retrieval failures propagate (the conversation cannot proceed without
// history); everything after that degrades rather than failing, so the new
// message always reaches the backend.
func (o *Orchestrator) BuildPrompt(ctx context.Context, conversationID, newMessageText, senderID string, pastSubjects []*ledger.Subject) (*PromptParts, error) {
	o.setPhase(PhaseRetrievingHistory)
	messages, err := o.history.Messages(ctx, conversationID)
	if err != nil {
		o.setPhase(PhaseIdle)
		return nil, fmt.Errorf("build prompt for %s: %w", conversationID, err)
	}

	o.setPhase(PhaseCheckingBudget)
	decision := o.CheckAndPrepareRestart(ctx, conversationID, messages)

	history := messages
	if decision.NeedsRestart {
		o.setPhase(PhaseNeedsRestart)
		if len(history) > o.cfg.VerbatimTail {
			history = history[len(history)-o.cfg.VerbatimTail:]
		}
		o.recordRestart(conversationID, decision)
	} else {
		o.setPhase(PhaseNormal)
	}

	newMsg := Message{Text: newMessageText, Sender: senderID, Timestamp: o.now()}
	parts := o.safeAssemble(AssembleInput{
		ContextWindow:  o.contextWindow(),
		SystemPrompt:   o.cfg.SystemPrompt,
		PastSubjects:   pastSubjects,
		History:        history,
		NewMessage:     newMsg,
		RestartSummary: decision.RestartText,
	})

	o.setPhase(PhaseAssembled)
	o.logger.Debug("prompt assembled",
		"conversation", conversationID,
		"tier", parts.TierUsed.String(),
		"subjects", parts.SubjectsIncluded,
		"messages", parts.MessagesIncluded,
		"tokens", parts.TotalEstimatedTokens(),
		"restart", parts.Restart)
	return parts, nil
}

// safeAssemble shields message delivery from assembly faults: on panic the
// prompt collapses to system + new message.
func (o *Orchestrator) safeAssemble(in AssembleInput) (parts *PromptParts) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("assembly failed, sending minimal prompt", "panic", r)
			parts = o.assembler.MinimalParts(in.SystemPrompt, in.NewMessage)
		}
	}()
	return o.assembler.Assemble(in)
}

// CheckAndPrepareRestart estimates the conversation's token footprint and,
// past the threshold, prepares the summary the next prompt restarts with.
// Summary generation never fails outright: persisted summaries are
// preferred, a freshly triggered analysis is tried once, and the heuristic
// fallback always produces text.
func (o *Orchestrator) CheckAndPrepareRestart(ctx context.Context, conversationID string, messages []Message) RestartDecision {
	window := o.contextWindow()
	estimate := systemOverheadTokens + EstimateTokens(o.cfg.SystemPrompt)
	for _, m := range messages {
		estimate += EstimateTokens(formatMessage(m))
	}

	decision := RestartDecision{
		EstimatedTokens: estimate,
		MessageCount:    len(messages),
	}
	restartAt := int(float64(window) * o.cfg.Threshold)
	if estimate < restartAt {
		return decision
	}

	decision.NeedsRestart = true
	if text, source, ok := o.cachedRestart(conversationID); ok {
		decision.RestartText, decision.Source = text, source
		return decision
	}

	decision.RestartText, decision.Source = o.restartSummary(ctx, conversationID, messages)
	o.storeRestart(conversationID, decision.RestartText, decision.Source)
	o.logger.Info("restart required",
		"conversation", conversationID,
		"estimated_tokens", estimate,
		"context_window", window,
		"summary_source", decision.Source)
	return decision
}

// restartSummary builds the text a restarted conversation resumes from.
func (o *Orchestrator) restartSummary(ctx context.Context, conversationID string, messages []Message) (text, source string) {
	if text, ok := o.persistedSummary(ctx, conversationID); ok {
		return text, SummarySourcePersisted
	}

	o.mu.Lock()
	trigger := o.analysis
	o.mu.Unlock()
	if trigger != nil {
		if err := trigger.TriggerAnalysis(ctx, conversationID); err != nil {
			o.logger.Warn("analysis trigger failed, falling back to heuristic summary",
				"conversation", conversationID, "error", err)
		} else if text, ok := o.persistedSummary(ctx, conversationID); ok {
			return text, SummarySourceAnalysis
		}
	}

	return o.heuristicSummary(messages), SummarySourceHeuristic
}

// persistedSummary assembles restart text from the ledger: the latest
// summary prose plus the conversation's active subjects and top keywords.
func (o *Orchestrator) persistedSummary(ctx context.Context, conversationID string) (string, bool) {
	sum, err := o.ledger.LatestSummary(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			o.logger.Warn("summary lookup failed", "conversation", conversationID, "error", err)
		}
		return "", false
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(sum.Text))

	if subjects, err := o.ledger.ActiveSubjects(ctx, conversationID); err != nil {
		o.logger.Warn("active subject lookup failed", "conversation", conversationID, "error", err)
	} else if len(subjects) > 0 {
		names := make([]string, 0, len(subjects))
		for _, s := range subjects {
			if name := s.Name(); name != "" {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			b.WriteString("\nActive subjects: ")
			b.WriteString(strings.Join(names, "; "))
		}
	}

	if kws, err := o.ledger.TopKeywords(ctx, conversationID, o.cfg.TopKeywords); err != nil {
		o.logger.Warn("keyword lookup failed", "conversation", conversationID, "error", err)
	} else if len(kws) > 0 {
		terms := make([]string, 0, len(kws))
		for _, k := range kws {
			terms = append(terms, k.Term)
		}
		b.WriteString("\nKey terms: ")
		b.WriteString(strings.Join(terms, ", "))
	}

	return b.String(), true
}

// heuristicSummary distills the trailing messages without a model call:
// long words become pseudo-topics, distinct non-agent senders become the
// participant count. The lead sentence guarantees non-empty output.
func (o *Orchestrator) heuristicSummary(messages []Message) string {
	window := messages
	if len(window) > o.cfg.HeuristicWindow {
		window = window[len(window)-o.cfg.HeuristicWindow:]
	}

	seen := make(map[string]bool)
	topics := make([]string, 0, heuristicTopicCap)
	senders := make(map[string]bool)
	for _, m := range window {
		sender := strings.TrimSpace(m.Sender)
		if sender != "" && !o.classify(sender) {
			senders[strings.ToLower(sender)] = true
		}
		for _, word := range strings.FieldsFunc(m.Text, isWordBoundary) {
			if n := len([]rune(word)); n < o.cfg.MinWordLength || n > heuristicMaxWordLength {
				continue
			}
			norm := strings.ToLower(word)
			if seen[norm] {
				continue
			}
			seen[norm] = true
			if len(topics) < heuristicTopicCap {
				topics = append(topics, norm)
			}
		}
	}

	var b strings.Builder
	b.WriteString("The conversation was summarized after running long.")
	if len(topics) > 0 {
		b.WriteString(" Recent topics: ")
		b.WriteString(strings.Join(topics, ", "))
		b.WriteString(".")
	}
	switch n := len(senders); {
	case n == 1:
		b.WriteString(" 1 participant was active.")
	case n > 1:
		fmt.Fprintf(&b, " %d participants were active.", n)
	}
	return b.String()
}

func isWordBoundary(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
}

func (o *Orchestrator) contextWindow() int {
	if o.cfg.ContextWindow > 0 {
		return o.cfg.ContextWindow
	}
	return ContextWindowFor(o.cfg.Model)
}

func (o *Orchestrator) classify(sender string) bool {
	o.mu.Lock()
	fn := o.isAgent
	o.mu.Unlock()
	return fn(sender)
}

func (o *Orchestrator) cachedRestart(conversationID string) (text, source string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, found := o.restarts[conversationID]
	if !found || o.now().Sub(entry.cachedAt) > restartCacheTTL {
		return "", "", false
	}
	return entry.text, entry.source, true
}

func (o *Orchestrator) storeRestart(conversationID, text, source string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restarts[conversationID] = restartEntry{text: text, source: source, cachedAt: o.now()}
}

// recordRestart persists the audit record. Failures are logged, never fatal.
func (o *Orchestrator) recordRestart(conversationID string, d RestartDecision) {
	if o.settings == nil {
		return
	}
	rec := RestartRecord{
		ConversationID:  conversationID,
		EstimatedTokens: d.EstimatedTokens,
		ContextWindow:   o.contextWindow(),
		MessageCount:    d.MessageCount,
		SummarySource:   d.Source,
		SummaryChars:    len(d.RestartText),
	}
	if err := o.settings.RecordRestart(rec); err != nil {
		o.logger.Warn("recording restart failed", "conversation", conversationID, "error", err)
	}
}

// Invalidate evicts one conversation's cached history and prepared restart
// summary, for callers that delete or reset a conversation.
func (o *Orchestrator) Invalidate(conversationID string) {
	o.history.Invalidate(conversationID)
	o.mu.Lock()
	delete(o.restarts, conversationID)
	o.mu.Unlock()
}

// Clear evicts every cached entry.
func (o *Orchestrator) Clear() {
	o.history.Clear()
	o.mu.Lock()
	o.restarts = make(map[string]restartEntry)
	o.mu.Unlock()
}
