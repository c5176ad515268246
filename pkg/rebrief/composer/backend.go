// Package composer – backend.go declares the inference backend capability
// interface consumed by the engine, plus a loopback implementation used by
// tests and the local CLI. Provider wire protocols live behind this
// interface and are not this package's business.
package composer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrModelIncompatible is returned (possibly wrapped) by backends when the
// requested model cannot honor the requested response format. The engine
// retries a bounded number of alternate models before surfacing it.
var ErrModelIncompatible = errors.New("composer: model cannot honor requested response format")

// Role tags a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one role-tagged message handed to a backend.
type ChatMessage struct {
	Role    Role
	Content string
}

// StreamCallback receives incremental output chunks during generation.
type StreamCallback func(chunk string)

// ResponseFormat requests how the backend shapes its output.
type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

// ChatOptions carries the optional knobs of one Chat call.
type ChatOptions struct {
	OnStream         StreamCallback
	OnThinkingStream StreamCallback
	ResponseFormat   ResponseFormat
	// Temperature below zero means "backend default".
	Temperature float64
	// ContextBlob is an opaque token returned by a previous call; supplying
	// it lets the backend skip re-processing unchanged history. Purely an
	// optimization: backends may ignore it.
	ContextBlob []byte
}

// ChatResult is what a completed Chat call produced.
type ChatResult struct {
	Text         string
	ThinkingText string
	ContextBlob  []byte
}

// InferenceBackend is the narrow capability interface for one inference
// provider. Implementations own their transport, retries, and timeouts.
type InferenceBackend interface {
	// Name identifies the backend for queue slot tracking and logs.
	Name() string
	// Concurrency is the number of Chat calls the backend services at
	// once; zero or negative means unlimited.
	Concurrency() int
	// Chat runs one generation. Cancelling ctx aborts it.
	Chat(ctx context.Context, messages []ChatMessage, modelID string, opts ChatOptions) (*ChatResult, error)
}

// LoopbackBackend is an in-process backend that echoes a deterministic
// reply. It exists for tests and the local REPL; it exercises streaming,
// cancellation, and the context blob without any network.
type LoopbackBackend struct {
	name        string
	concurrency int
	delay       time.Duration

	// Reply overrides the default echo when set.
	Reply func(messages []ChatMessage, modelID string) string
}

// NewLoopbackBackend creates a loopback backend with the given concurrency
// limit (zero or negative = unlimited).
func NewLoopbackBackend(name string, concurrency int) *LoopbackBackend {
	return &LoopbackBackend{name: name, concurrency: concurrency}
}

// SetDelay makes every Chat call take at least d, for scheduling tests.
func (b *LoopbackBackend) SetDelay(d time.Duration) { b.delay = d }

// Name implements InferenceBackend.
func (b *LoopbackBackend) Name() string { return b.name }

// Concurrency implements InferenceBackend.
func (b *LoopbackBackend) Concurrency() int { return b.concurrency }

// Chat implements InferenceBackend.
func (b *LoopbackBackend) Chat(ctx context.Context, messages []ChatMessage, modelID string, opts ChatOptions) (*ChatResult, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := ""
	if b.Reply != nil {
		text = b.Reply(messages, modelID)
	} else {
		text = "(echo) " + lastUserContent(messages)
	}
	if opts.ResponseFormat == FormatJSON && !SupportsStructuredOutput(modelID) {
		return nil, fmt.Errorf("model %s: %w", modelID, ErrModelIncompatible)
	}

	if opts.OnStream != nil {
		for _, chunk := range splitChunks(text, 24) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			opts.OnStream(chunk)
		}
	}

	return &ChatResult{
		Text:        text,
		ContextBlob: []byte(fmt.Sprintf("loopback:%d", len(messages))),
	}, nil
}

func lastUserContent(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func splitChunks(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
