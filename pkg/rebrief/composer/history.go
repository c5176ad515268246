// Package composer – history.go implements the short-TTL conversation
// history cache. History is fetched through the transport on a miss and
// served from memory within the TTL; messages the engine itself sends are
// appended straight into the cache instead of invalidating it.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultHistoryTTL bounds how stale a cached transcript may get.
const defaultHistoryTTL = 5 * time.Second

// Message is one transcript message as the transport returns it.
type Message struct {
	Text      string
	Sender    string
	Timestamp time.Time
}

// ConversationTransport is the narrow capability interface for retrieving a
// conversation's full ordered transcript.
type ConversationTransport interface {
	RetrieveAllMessages(ctx context.Context, conversationID string) ([]Message, error)
}

type historyEntry struct {
	messages []Message
	cachedAt time.Time
}

// HistoryCache caches transcripts per conversation. Population is
// idempotent: two goroutines racing on the same cold key both fetch and the
// later write wins, which is harmless redundant work, not an error.
type HistoryCache struct {
	transport ConversationTransport
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]historyEntry
}

// NewHistoryCache creates a cache over the transport. A non-positive ttl
// uses the default.
func NewHistoryCache(transport ConversationTransport, ttl time.Duration, logger *slog.Logger) *HistoryCache {
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryCache{
		transport: transport,
		ttl:       ttl,
		logger:    logger.With("component", "history_cache"),
		now:       time.Now,
		entries:   make(map[string]historyEntry),
	}
}

// Messages returns the conversation's transcript, from cache when fresh.
// The returned slice is shared with the cache; callers must treat it as
// read-only. Transport failures on a miss propagate: the conversation
// cannot proceed without its history.
func (h *HistoryCache) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	h.mu.RLock()
	entry, ok := h.entries[conversationID]
	h.mu.RUnlock()
	if ok && h.now().Sub(entry.cachedAt) < h.ttl {
		return entry.messages, nil
	}

	messages, err := h.transport.RetrieveAllMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("retrieve history for %s: %w", conversationID, err)
	}

	h.mu.Lock()
	h.entries[conversationID] = historyEntry{messages: messages, cachedAt: h.now()}
	h.mu.Unlock()

	h.logger.Debug("history reloaded", "conversation", conversationID, "messages", len(messages))
	return messages, nil
}

// Append adds a just-sent message to an existing cache entry so the next
// build does not reload. A conversation with no cached entry is left alone:
// the next Messages call fetches the authoritative transcript anyway.
func (h *HistoryCache) Append(conversationID string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[conversationID]
	if !ok {
		return
	}
	entry.messages = append(entry.messages, msg)
	h.entries[conversationID] = entry
}

// Invalidate evicts one conversation's cached transcript.
func (h *HistoryCache) Invalidate(conversationID string) {
	h.mu.Lock()
	delete(h.entries, conversationID)
	h.mu.Unlock()
}

// Clear evicts everything.
func (h *HistoryCache) Clear() {
	h.mu.Lock()
	h.entries = make(map[string]historyEntry)
	h.mu.Unlock()
}

// Cached reports whether a fresh entry exists for the conversation.
func (h *HistoryCache) Cached(conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.entries[conversationID]
	return ok && h.now().Sub(entry.cachedAt) < h.ttl
}
