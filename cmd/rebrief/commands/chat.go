package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/cogfold/rebrief/pkg/rebrief/composer"
	"github.com/cogfold/rebrief/pkg/rebrief/composer/ledger"
	"github.com/cogfold/rebrief/pkg/rebrief/scheduler"
)

// newChatCmd creates the `rebrief chat` command: a REPL that drives the
// full budgeting pipeline against the loopback backend.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat through the budgeting pipeline",
		Long: `Start a conversation that runs through the full pipeline: history
caching, budget checks, tiered compression, restart summaries, and the
priority queue. Without a real provider configured, replies come from the
in-process loopback backend.

Examples:
  rebrief chat "summarize what we discussed about tokenizers"
  rebrief chat            # interactive REPL
  rebrief chat --conversation standup`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().String("conversation", "local", "conversation identifier")
	return cmd
}

// memoryTransport is the REPL's conversation transport: an in-process
// transcript per conversation, authoritative across history cache expiry.
type memoryTransport struct {
	mu       sync.Mutex
	messages map[string][]composer.Message
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{messages: make(map[string][]composer.Message)}
}

func (m *memoryTransport) RetrieveAllMessages(_ context.Context, conversationID string) ([]composer.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]composer.Message(nil), m.messages[conversationID]...), nil
}

func (m *memoryTransport) Append(conversationID string, msg composer.Message) {
	m.mu.Lock()
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	m.mu.Unlock()
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg, cmd)
	composer.AuditSecrets(cfg, logger)
	composer.ResolveAPIKey(cfg, logger)

	settings, err := openSettings(cfg, logger)
	if err != nil {
		return err
	}

	transport := newMemoryTransport()
	engine := composer.NewEngine(cfg, ledger.NewMemStore(), transport, settings, logger)
	if err := engine.Wire(nil, nil); err != nil {
		return fmt.Errorf("wiring engine: %w", err)
	}
	defer engine.Close()

	backend := composer.NewLoopbackBackend("loopback", cfg.Queue.Concurrency)
	engine.RegisterBackend(backend)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Scheduler.Enabled {
		maint := scheduler.New(logger)
		if err := scheduler.RegisterMaintenance(maint, engine, cfg.Scheduler, logger); err != nil {
			return fmt.Errorf("registering maintenance jobs: %w", err)
		}
		if err := maint.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer maint.Stop()
	}

	conversation, _ := cmd.Flags().GetString("conversation")
	session := &chatSession{
		engine:       engine,
		transport:    transport,
		cfg:          cfg,
		conversation: conversation,
	}

	if len(args) > 0 {
		reply, err := session.send(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}
	return session.repl(ctx)
}

// chatSession holds the REPL state for one conversation.
type chatSession struct {
	engine       *composer.Engine
	transport    *memoryTransport
	cfg          *composer.Config
	conversation string
}

// send pushes one message through the queue and waits for the reply.
func (s *chatSession) send(ctx context.Context, text string) (string, error) {
	s.observeTopics(ctx, text)

	type outcome struct {
		result *composer.ChatResult
		err    error
	}
	out := make(chan outcome, 1)
	handle, err := s.engine.HandleMessage(ctx, s.conversation, text, "user", "loopback",
		func(result *composer.ChatResult, err error) {
			out <- outcome{result, err}
		})
	if err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		handle.Abort()
		return "", ctx.Err()
	case o := <-out:
		if o.err != nil {
			return "", o.err
		}
		now := time.Now()
		s.transport.Append(s.conversation, composer.Message{Text: text, Sender: "user", Timestamp: now})
		s.transport.Append(s.conversation, composer.Message{Text: o.result.Text, Sender: s.cfg.Name, Timestamp: now.Add(time.Millisecond)})
		return o.result.Text, nil
	}
}

// observeTopics feeds long words from the message into the ledger so the
// digest and proposal ranking have material to work with.
func (s *chatSession) observeTopics(ctx context.Context, text string) {
	topics := extractTopics(text, s.cfg.Restart.MinWordLength, 5)
	if len(topics) == 0 {
		return
	}
	if _, err := s.engine.Ledger().RecordSubject(ctx, s.conversation, topics, text, time.Now()); err != nil {
		// The conversation continues regardless; the subject just is not
		// tracked this turn.
		return
	}
}

func (s *chatSession) repl(ctx context.Context) error {
	_ = os.MkdirAll(s.cfg.Storage.DataDir, 0o700)
	historyFile := filepath.Join(s.cfg.Storage.DataDir, "chat_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("rebrief chat — conversation %q, /help for commands, /quit to leave\n", s.conversation)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err == io.EOF || err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := s.command(ctx, line); quit {
				return nil
			}
			continue
		}

		reply, err := s.send(ctx, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("%s> %s\n", s.cfg.Name, reply)
	}
}

// command handles a /slash command; returns true when the REPL should exit.
func (s *chatSession) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println("/priority [1-10]  show or set this conversation's priority")
		fmt.Println("/restart          show the restart decision for the current transcript")
		fmt.Println("/rank             rank subjects from other conversations")
		fmt.Println("/quit             leave the REPL")
	case "/priority":
		if len(fields) < 2 {
			fmt.Printf("priority: %d\n", s.engine.GetPriority(s.conversation))
			return false
		}
		p, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Println("usage: /priority [1-10]")
			return false
		}
		s.engine.SetPriority(s.conversation, p)
		fmt.Printf("priority set to %d\n", s.engine.GetPriority(s.conversation))
	case "/restart":
		messages, err := s.engine.History().Messages(ctx, s.conversation)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		decision, err := s.engine.CheckAndPrepareRestart(ctx, s.conversation, messages)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Printf("needs_restart=%v estimated_tokens=%d messages=%d\n",
			decision.NeedsRestart, decision.EstimatedTokens, decision.MessageCount)
		if decision.NeedsRestart {
			fmt.Printf("summary (%s):\n%s\n", decision.Source, decision.RestartText)
		}
	case "/rank":
		proposals, err := s.engine.RankProposals(ctx, s.conversation)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		if len(proposals) == 0 {
			fmt.Println("no proposals")
			return false
		}
		for _, p := range proposals {
			fmt.Printf("%.3f  %s (from %s)  keywords: %s\n",
				p.Score, p.SourceSubject, p.SourceConversation, strings.Join(p.MatchedKeywords, ", "))
		}
	default:
		fmt.Printf("unknown command %s, try /help\n", fields[0])
	}
	return false
}

// extractTopics pulls distinct long words out of a message, lower-cased,
// in order of first appearance.
func extractTopics(text string, minLength, limit int) []string {
	if minLength <= 0 {
		minLength = 7
	}
	seen := make(map[string]bool)
	var topics []string
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		word = strings.ToLower(word)
		if len(word) < minLength || len(word) > 32 || seen[word] {
			continue
		}
		seen[word] = true
		topics = append(topics, word)
		if limit > 0 && len(topics) >= limit {
			break
		}
	}
	return topics
}
