package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cogfold/rebrief/pkg/rebrief/composer/ledger"
)

func newTestEngine(t *testing.T, transport ConversationTransport) *Engine {
	t.Helper()
	if transport == nil {
		transport = &fakeTransport{}
	}
	engine := NewEngine(nil, ledger.NewMemStore(), transport, nil, nil)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func wireTestEngine(t *testing.T, transport ConversationTransport) *Engine {
	t.Helper()
	engine := newTestEngine(t, transport)
	if err := engine.Wire(nil, nil); err != nil {
		t.Fatalf("wire failed: %v", err)
	}
	return engine
}

// Every operation refuses to run between construction and wiring.
func TestEngineNotWired(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := engine.BuildPrompt(ctx, "conv-1", "hi", "user"); !errors.Is(err, ErrNotWired) {
		t.Errorf("BuildPrompt error = %v, want ErrNotWired", err)
	}
	if _, err := engine.CheckAndPrepareRestart(ctx, "conv-1", nil); !errors.Is(err, ErrNotWired) {
		t.Errorf("CheckAndPrepareRestart error = %v, want ErrNotWired", err)
	}
	if _, err := engine.RankProposals(ctx, "conv-1"); !errors.Is(err, ErrNotWired) {
		t.Errorf("RankProposals error = %v, want ErrNotWired", err)
	}
	if _, err := engine.HandleMessage(ctx, "conv-1", "hi", "user", "loopback", nil); !errors.Is(err, ErrNotWired) {
		t.Errorf("HandleMessage error = %v, want ErrNotWired", err)
	}
}

func TestEngineWireLoadsStoredPriorities(t *testing.T) {
	t.Parallel()
	settings := NewMemorySettings()
	if err := settings.SavePriority("conv-high", 9); err != nil {
		t.Fatalf("seed priority: %v", err)
	}

	engine := NewEngine(nil, ledger.NewMemStore(), &fakeTransport{}, settings, nil)
	t.Cleanup(func() { engine.Close() })
	if err := engine.Wire(nil, nil); err != nil {
		t.Fatalf("wire failed: %v", err)
	}

	if got := engine.GetPriority("conv-high"); got != 9 {
		t.Errorf("GetPriority = %d, want the stored 9", got)
	}
	if got := engine.GetPriority("conv-other"); got != DefaultPriority {
		t.Errorf("GetPriority for unknown conversation = %d, want default %d", got, DefaultPriority)
	}
}

func TestEngineBuildPromptIncludesNewMessage(t *testing.T) {
	t.Parallel()
	transport := &fakeTransport{messages: testMessages(4, 30, time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))}
	engine := wireTestEngine(t, transport)

	parts, err := engine.BuildPrompt(context.Background(), "conv-1", "what did we decide?", "user")
	if err != nil {
		t.Fatalf("BuildPrompt failed: %v", err)
	}
	if !strings.Contains(parts.NewMessage, "what did we decide?") {
		t.Errorf("new message missing from parts: %q", parts.NewMessage)
	}
	if parts.MessagesIncluded != 4 {
		t.Errorf("MessagesIncluded = %d, want 4", parts.MessagesIncluded)
	}
}

// A ranking failure degrades to an empty digest; the message still builds.
func TestEngineBuildPromptSurvivesRankingFailure(t *testing.T) {
	t.Parallel()
	store := &failingStore{Store: ledger.NewMemStore()}
	engine := NewEngine(nil, store, &fakeTransport{}, nil, nil)
	t.Cleanup(func() { engine.Close() })
	if err := engine.Wire(nil, nil); err != nil {
		t.Fatalf("wire failed: %v", err)
	}
	store.fail = true

	parts, err := engine.BuildPrompt(context.Background(), "conv-1", "still here", "user")
	if err != nil {
		t.Fatalf("BuildPrompt must survive a ranking failure, got %v", err)
	}
	if parts.PastDigest != "" {
		t.Errorf("expected empty digest after ranking failure, got %q", parts.PastDigest)
	}
	if !strings.Contains(parts.NewMessage, "still here") {
		t.Errorf("new message missing: %q", parts.NewMessage)
	}
}

// failingStore wraps a working store and fails Iterate on demand.
type failingStore struct {
	ledger.Store
	mu   sync.Mutex
	fail bool
}

func (f *failingStore) Iterate(ctx context.Context, conversationID string, typ ledger.ObjectType) (<-chan ledger.Object, error) {
	f.mu.Lock()
	failing := f.fail
	f.mu.Unlock()
	if failing {
		return nil, errors.New("store unavailable")
	}
	return f.Store.Iterate(ctx, conversationID, typ)
}

func TestEngineHandleMessageEndToEnd(t *testing.T) {
	t.Parallel()
	transport := &fakeTransport{}
	engine := wireTestEngine(t, transport)
	engine.RegisterBackend(NewLoopbackBackend("loopback", 1))

	done := make(chan struct{})
	var result *ChatResult
	var replyErr error
	handle, err := engine.HandleMessage(context.Background(), "conv-1", "hello there", "user", "loopback",
		func(r *ChatResult, err error) {
			result, replyErr = r, err
			close(done)
		})
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reply never arrived")
	}
	<-handle.Done

	if replyErr != nil {
		t.Fatalf("reply error: %v", replyErr)
	}
	if !strings.Contains(result.Text, "hello there") {
		t.Errorf("loopback echo missing the message: %q", result.Text)
	}

	// Both sides of the exchange land in the cached transcript.
	messages, err := engine.History().Messages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 cached messages after the exchange, got %d", len(messages))
	}
	if messages[0].Sender != "user" || messages[1].Sender != "rebrief" {
		t.Errorf("unexpected senders %q, %q", messages[0].Sender, messages[1].Sender)
	}
}

func TestEngineHandleMessageUnknownBackend(t *testing.T) {
	t.Parallel()
	engine := wireTestEngine(t, nil)
	if _, err := engine.HandleMessage(context.Background(), "conv-1", "hi", "user", "nope", nil); err == nil {
		t.Error("expected error for unregistered backend")
	}
}

// An incompatible model is retried against alternates before failing.
func TestEngineChatWithFallback(t *testing.T) {
	t.Parallel()
	engine := wireTestEngine(t, nil)

	var models []string
	backend := NewLoopbackBackend("picky", 1)
	backend.Reply = func(_ []ChatMessage, modelID string) string { return "ok from " + modelID }
	wrapped := &rejectingBackend{inner: backend, rejectPrefix: "gpt", seen: &models}

	result, err := engine.chatWithFallback(context.Background(), wrapped, []ChatMessage{{Role: RoleUser, Content: "x"}}, "gpt-4o-mini", ChatOptions{Temperature: -1})
	if err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	if len(models) < 2 {
		t.Fatalf("expected at least one alternate attempt, saw models %v", models)
	}
	if strings.HasPrefix(models[len(models)-1], "gpt") {
		t.Errorf("final model %q should not be from the rejected class", models[len(models)-1])
	}
	if !strings.HasPrefix(result.Text, "ok from ") {
		t.Errorf("unexpected result %q", result.Text)
	}
}

func TestEngineChatWithFallbackExhausted(t *testing.T) {
	t.Parallel()
	engine := wireTestEngine(t, nil)

	var models []string
	backend := NewLoopbackBackend("never", 1)
	wrapped := &rejectingBackend{inner: backend, rejectPrefix: "", seen: &models}

	_, err := engine.chatWithFallback(context.Background(), wrapped, nil, "gpt-4o-mini", ChatOptions{Temperature: -1})
	if !errors.Is(err, ErrModelIncompatible) {
		t.Fatalf("expected ErrModelIncompatible after exhausting alternates, got %v", err)
	}
	// Original model plus the bounded alternates, nothing more.
	if len(models) != 1+maxAlternateAttempts {
		t.Errorf("expected %d attempts, saw %v", 1+maxAlternateAttempts, models)
	}
}

// rejectingBackend refuses models whose ID starts with rejectPrefix (every
// model when the prefix is empty) and records the models it was offered.
type rejectingBackend struct {
	inner        *LoopbackBackend
	rejectPrefix string
	seen         *[]string
}

func (r *rejectingBackend) Name() string     { return r.inner.Name() }
func (r *rejectingBackend) Concurrency() int { return r.inner.Concurrency() }

func (r *rejectingBackend) Chat(ctx context.Context, messages []ChatMessage, modelID string, opts ChatOptions) (*ChatResult, error) {
	*r.seen = append(*r.seen, modelID)
	if r.rejectPrefix == "" || strings.HasPrefix(strings.ToLower(modelID), r.rejectPrefix) {
		return nil, fmt.Errorf("model %s: %w", modelID, ErrModelIncompatible)
	}
	return r.inner.Chat(ctx, messages, modelID, opts)
}

func TestEngineRankProposalsExcludesOwnSubjects(t *testing.T) {
	t.Parallel()
	engine := wireTestEngine(t, nil)
	ctx := context.Background()
	now := time.Now()

	if _, err := engine.Ledger().RecordSubject(ctx, "conv-main", []string{"rust", "async"}, "async in rust", now); err != nil {
		t.Fatalf("seed main: %v", err)
	}
	if _, err := engine.Ledger().RecordSubject(ctx, "conv-other", []string{"rust", "wasm"}, "wasm from rust", now); err != nil {
		t.Fatalf("seed other: %v", err)
	}

	proposals, err := engine.RankProposals(ctx, "conv-main")
	if err != nil {
		t.Fatalf("RankProposals failed: %v", err)
	}
	for _, p := range proposals {
		if p.SourceConversation == "conv-main" {
			t.Errorf("proposal %s sourced from the target conversation", p.SourceSubject)
		}
		if p.TargetConversation != "conv-main" {
			t.Errorf("proposal target = %q, want conv-main", p.TargetConversation)
		}
	}
	if len(proposals) == 0 {
		t.Error("expected the overlapping conv-other subject to be proposed")
	}
}

func TestEngineSetPriorityPersists(t *testing.T) {
	t.Parallel()
	settings := NewMemorySettings()
	engine := NewEngine(nil, ledger.NewMemStore(), &fakeTransport{}, settings, nil)
	t.Cleanup(func() { engine.Close() })
	if err := engine.Wire(nil, nil); err != nil {
		t.Fatalf("wire failed: %v", err)
	}

	engine.SetPriority("conv-1", 42)
	if got := engine.GetPriority("conv-1"); got != MaxPriority {
		t.Errorf("GetPriority = %d, want clamped %d", got, MaxPriority)
	}
	stored, err := settings.LoadPriorities()
	if err != nil {
		t.Fatalf("load priorities: %v", err)
	}
	if stored["conv-1"] != MaxPriority {
		t.Errorf("persisted priority = %d, want %d", stored["conv-1"], MaxPriority)
	}
}

func TestEngineInvalidateEvictsHistory(t *testing.T) {
	t.Parallel()
	transport := &fakeTransport{messages: testMessages(2, 10, time.Now())}
	engine := wireTestEngine(t, transport)
	ctx := context.Background()

	if _, err := engine.History().Messages(ctx, "conv-1"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	before := transport.calls
	engine.Invalidate("conv-1")
	if _, err := engine.History().Messages(ctx, "conv-1"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if transport.calls != before+1 {
		t.Errorf("expected exactly one reload after Invalidate, calls went %d -> %d", before, transport.calls)
	}
}
