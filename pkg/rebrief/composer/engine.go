// Package composer – engine.go assembles the pipeline components behind
// one facade and owns the two-phase construct/wire lifecycle.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cogfold/rebrief/pkg/rebrief/composer/ledger"
	"github.com/cogfold/rebrief/pkg/rebrief/composer/rank"
)

// maxAlternateAttempts bounds retries against alternate models when the
// configured model rejects a request format.
const maxAlternateAttempts = 2

// ErrNotWired is returned by operations that need the full pipeline before
// Wire has completed the second construction phase.
var ErrNotWired = errors.New("composer: engine not wired")

// ReplyFunc receives the outcome of one queued inference request.
type ReplyFunc func(result *ChatResult, err error)

// Engine wires the ledger, orchestrator, ranker, queue, and settings into
// the surface the host application talks to. Construction is two-phase:
// NewEngine builds every component with its acyclic dependencies, Wire
// injects the back-references and opens the engine for requests.
type Engine struct {
	cfg       *Config
	logger    *slog.Logger
	ledger    *ledger.Ledger
	ranker    *rank.Ranker
	orch      *Orchestrator
	queue     *RequestQueue
	history   *HistoryCache
	assembler *Assembler
	settings  SettingsStore

	mu       sync.Mutex
	backends map[string]InferenceBackend
	classify func(sender string) bool
	wired    bool
}

// NewEngine is construction phase one. A nil cfg uses the defaults, a nil
// settings store keeps everything in memory.
func NewEngine(cfg *Config, store ledger.Store, transport ConversationTransport, settings SettingsStore, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if settings == nil {
		settings = NewMemorySettings()
	}

	led := ledger.NewLedger(store, logger)
	led.SetCacheTTL(time.Duration(cfg.Ledger.CacheTTLSeconds) * time.Second)
	history := NewHistoryCache(transport, time.Duration(cfg.History.CacheTTLSeconds)*time.Second, logger)

	startTier, err := ParseTier(cfg.Budget.StartTier)
	if err != nil {
		startTier = TierRich
	}
	assembler := NewAssembler(AssemblerConfig{
		ReserveFraction:   cfg.Budget.ReserveFraction,
		DigestSubjectCap:  cfg.Budget.DigestSubjectCap,
		HistoryMessageCap: cfg.Budget.HistoryMessageCap,
		StartTier:         startTier,
	}, logger)

	orch := NewOrchestrator(OrchestratorConfig{
		Model:           cfg.Model,
		ContextWindow:   cfg.Budget.ContextWindow,
		SystemPrompt:    cfg.SystemPrompt,
		AgentName:       cfg.Name,
		Threshold:       cfg.Restart.Threshold,
		VerbatimTail:    cfg.Restart.VerbatimTail,
		HeuristicWindow: cfg.Restart.HeuristicWindow,
		MinWordLength:   cfg.Restart.MinWordLength,
		TopKeywords:     cfg.Restart.TopKeywords,
	}, history, led, assembler, settings, logger)

	ranker := rank.NewRanker(rank.Config{
		MatchWeight:   cfg.Ranker.MatchWeight,
		RecencyWeight: cfg.Ranker.RecencyWeight,
		MinSimilarity: cfg.Ranker.MinSimilarity,
		MaxProposals:  cfg.Ranker.MaxProposals,
		HalfLifeDays:  cfg.Ranker.RecencyHalfLifeDays,
	}, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		ledger:    led,
		ranker:    ranker,
		orch:      orch,
		queue:     NewRequestQueue(logger),
		history:   history,
		assembler: assembler,
		settings:  settings,
		backends:  make(map[string]InferenceBackend),
	}
}

// Wire is construction phase two: the analysis trigger and the agent
// classifier (both circular at construction time) arrive here, stored
// priorities are loaded, and the engine opens for requests. A nil
// classifier matches senders against the configured agent name.
func (e *Engine) Wire(analysis AnalysisTrigger, classify func(sender string) bool) error {
	if classify == nil {
		agent := strings.ToLower(strings.TrimSpace(e.cfg.Name))
		classify = func(sender string) bool {
			return agent != "" && strings.ToLower(strings.TrimSpace(sender)) == agent
		}
	}
	e.orch.SetAnalysisTrigger(analysis)
	e.orch.SetAgentClassifier(classify)

	priorities, err := e.settings.LoadPriorities()
	if err != nil {
		return fmt.Errorf("loading stored priorities: %w", err)
	}
	for conversationID, priority := range priorities {
		e.queue.SetPriority(conversationID, priority)
	}

	e.mu.Lock()
	e.classify = classify
	e.wired = true
	e.mu.Unlock()

	e.logger.Info("engine wired", "stored_priorities", len(priorities))
	return nil
}

func (e *Engine) isWired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wired
}

// RegisterBackend makes an inference backend dispatchable, with its
// declared concurrency enforced by the queue.
func (e *Engine) RegisterBackend(b InferenceBackend) {
	e.mu.Lock()
	e.backends[b.Name()] = b
	e.mu.Unlock()
	e.queue.RegisterBackend(b.Name(), b.Concurrency())
	e.logger.Info("backend registered", "backend", b.Name(), "concurrency", b.Concurrency())
}

func (e *Engine) backend(name string) (InferenceBackend, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.backends[name]
	return b, ok
}

// BuildPrompt produces the budgeted prompt for one incoming message.
// History retrieval and proposal ranking run concurrently; a ranking
// failure degrades to an empty digest rather than blocking the message.
func (e *Engine) BuildPrompt(ctx context.Context, conversationID, newMessageText, senderID string) (*PromptParts, error) {
	if !e.isWired() {
		return nil, ErrNotWired
	}

	var subjects []*ledger.Subject
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := e.history.Messages(gctx, conversationID)
		return err
	})
	g.Go(func() error {
		ranked, err := e.rankedSubjects(gctx, conversationID)
		if err != nil {
			e.logger.Warn("proposal ranking failed, continuing without past context",
				"conversation", conversationID, "error", err)
			return nil
		}
		subjects = ranked
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return e.orch.BuildPrompt(ctx, conversationID, newMessageText, senderID, subjects)
}

// CheckAndPrepareRestart reports whether the conversation must restart and
// the summary text to restart with.
func (e *Engine) CheckAndPrepareRestart(ctx context.Context, conversationID string, messages []Message) (RestartDecision, error) {
	if !e.isWired() {
		return RestartDecision{}, ErrNotWired
	}
	return e.orch.CheckAndPrepareRestart(ctx, conversationID, messages), nil
}

// RankProposals scores subjects from other conversations against this
// conversation's keyword profile.
func (e *Engine) RankProposals(ctx context.Context, conversationID string) ([]rank.Proposal, error) {
	if !e.isWired() {
		return nil, ErrNotWired
	}
	proposals, _, err := e.rankCandidates(ctx, conversationID)
	return proposals, err
}

func (e *Engine) rankCandidates(ctx context.Context, conversationID string) ([]rank.Proposal, map[string]*ledger.Subject, error) {
	keywords, err := e.ledger.Keywords(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("keyword profile for %s: %w", conversationID, err)
	}
	terms := make([]string, 0, len(keywords))
	for _, k := range keywords {
		terms = append(terms, k.Term)
	}

	candidates, err := e.ledger.AllSubjects(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("candidate subjects: %w", err)
	}

	proposals, err := e.ranker.Rank(ctx, conversationID, terms, candidates)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]*ledger.Subject, len(candidates))
	for _, s := range candidates {
		byID[s.ID] = s
	}
	return proposals, byID, nil
}

// rankedSubjects resolves ranked proposals back to their subjects, in
// score order, for the digest. A proposal whose subject no longer resolves
// is skipped with a warning.
func (e *Engine) rankedSubjects(ctx context.Context, conversationID string) ([]*ledger.Subject, error) {
	proposals, byID, err := e.rankCandidates(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	subjects := make([]*ledger.Subject, 0, len(proposals))
	for _, p := range proposals {
		subj, ok := byID[p.SourceSubject]
		if !ok {
			e.logger.Warn("proposal references a missing subject", "subject", p.SourceSubject)
			continue
		}
		subjects = append(subjects, subj)
	}
	return subjects, nil
}

// SetPriority stores a conversation's scheduling priority, clamped to the
// valid range, and persists it for the next start.
func (e *Engine) SetPriority(conversationID string, priority int) {
	p := ClampPriority(priority)
	e.queue.SetPriority(conversationID, p)
	if err := e.settings.SavePriority(conversationID, p); err != nil {
		e.logger.Warn("persisting priority failed", "conversation", conversationID, "error", err)
	}
}

// GetPriority returns the conversation's scheduling priority.
func (e *Engine) GetPriority(conversationID string) int {
	return e.queue.GetPriority(conversationID)
}

// HandleMessage queues one incoming message end to end: the prompt is
// built when the backend slot is granted, the model reply is appended to
// the cached transcript, and onReply receives the outcome. The returned
// handle supports aborting while queued or in flight.
func (e *Engine) HandleMessage(ctx context.Context, conversationID, text, senderID, backendName string, onReply ReplyFunc) (*RequestHandle, error) {
	if !e.isWired() {
		return nil, ErrNotWired
	}
	backend, ok := e.backend(backendName)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", backendName)
	}
	if onReply == nil {
		onReply = func(*ChatResult, error) {}
	}

	return e.queue.Submit(ctx, Request{
		ConversationID: conversationID,
		Text:           text,
		Sender:         senderID,
		Backend:        backendName,
		Run: func(runCtx context.Context) {
			onReply(e.process(runCtx, conversationID, text, senderID, backend))
		},
	})
}

// process runs inside a granted queue slot: build the prompt, call the
// model with alternate retries, and append both sides of the exchange to
// the cached transcript.
func (e *Engine) process(ctx context.Context, conversationID, text, senderID string, backend InferenceBackend) (*ChatResult, error) {
	parts, err := e.BuildPrompt(ctx, conversationID, text, senderID)
	if err != nil {
		return nil, err
	}

	sent := time.Now()
	result, err := e.chatWithFallback(ctx, backend, e.chatMessages(parts), e.cfg.Model, ChatOptions{Temperature: -1})
	if err != nil {
		return nil, err
	}

	e.history.Append(conversationID, Message{Text: text, Sender: senderID, Timestamp: sent})
	e.history.Append(conversationID, Message{Text: result.Text, Sender: e.cfg.Name, Timestamp: time.Now()})
	return result, nil
}

// chatWithFallback retries a format rejection against a bounded list of
// alternate models before surfacing the error.
func (e *Engine) chatWithFallback(ctx context.Context, backend InferenceBackend, messages []ChatMessage, model string, opts ChatOptions) (*ChatResult, error) {
	result, err := backend.Chat(ctx, messages, model, opts)
	if err == nil || !errors.Is(err, ErrModelIncompatible) {
		return result, err
	}

	tried := map[string]bool{strings.ToLower(model): true}
	for _, alt := range alternatesFor(tried, maxAlternateAttempts) {
		e.logger.Warn("model incompatible, retrying with alternate", "model", model, "alternate", alt)
		result, err = backend.Chat(ctx, messages, alt, opts)
		if err == nil || !errors.Is(err, ErrModelIncompatible) {
			return result, err
		}
		tried[alt] = true
	}
	return nil, fmt.Errorf("no compatible model after %d alternates: %w", maxAlternateAttempts, err)
}

// chatMessages flattens prompt parts into the backend's message format,
// attributing each verbatim history message to its author.
func (e *Engine) chatMessages(parts *PromptParts) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(parts.HistoryMessages)+4)
	if parts.System != "" {
		msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: parts.System})
	}
	if parts.PastDigest != "" {
		msgs = append(msgs, ChatMessage{
			Role:    RoleSystem,
			Content: "Relevant context from earlier conversations:\n" + parts.PastDigest,
		})
	}
	if parts.RestartSummary != "" {
		msgs = append(msgs, ChatMessage{
			Role:    RoleSystem,
			Content: "Summary of this conversation so far:\n" + parts.RestartSummary,
		})
	}
	for _, m := range parts.HistoryMessages {
		if e.isAgentSender(m.Sender) {
			msgs = append(msgs, ChatMessage{Role: RoleAssistant, Content: m.Text})
			continue
		}
		content := m.Text
		if m.Sender != "" {
			content = m.Sender + ": " + m.Text
		}
		msgs = append(msgs, ChatMessage{Role: RoleUser, Content: content})
	}
	msgs = append(msgs, ChatMessage{Role: RoleUser, Content: strings.TrimSuffix(parts.NewMessage, "\n")})
	return msgs
}

func (e *Engine) isAgentSender(sender string) bool {
	e.mu.Lock()
	fn := e.classify
	e.mu.Unlock()
	return fn != nil && fn(sender)
}

// Invalidate evicts every cached entry for one conversation, for deletion
// or reset flows.
func (e *Engine) Invalidate(conversationID string) {
	e.orch.Invalidate(conversationID)
	e.ledger.Invalidate(conversationID)
}

// Ledger exposes the analysis ledger for analysis-layer collaborators.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Ranker exposes the proposal ranker, mainly for the maintenance scheduler.
func (e *Engine) Ranker() *rank.Ranker { return e.ranker }

// Queue exposes the request queue for introspection.
func (e *Engine) Queue() *RequestQueue { return e.queue }

// History exposes the conversation history cache.
func (e *Engine) History() *HistoryCache { return e.history }

// Settings exposes the settings store, mainly for audit tooling and the
// maintenance scheduler.
func (e *Engine) Settings() SettingsStore { return e.settings }

// Close rejects pending requests, lets in-flight requests finish, and
// releases the settings store.
func (e *Engine) Close() error {
	e.queue.Close()
	return e.settings.Close()
}
