// Package composer – settings.go declares the settings store: durable
// per-conversation priorities plus the restart audit log, so priorities
// survive process restarts and forced context restarts stay inspectable.
// An in-memory implementation backs tests and ephemeral runs.
package composer

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RestartRecord is one audit entry for a forced context restart.
type RestartRecord struct {
	ID             string
	ConversationID string
	OccurredAt     time.Time

	// EstimatedTokens is the prompt estimate that tripped the restart
	// threshold; ContextWindow is the window it was measured against.
	EstimatedTokens int
	ContextWindow   int

	// MessageCount is how many transcript messages the conversation had
	// when it restarted.
	MessageCount int

	// SummarySource records where the restart summary came from;
	// SummaryChars its size before budget fitting.
	SummarySource string
	SummaryChars  int
}

// SettingsStore persists conversation priorities and restart audit records.
type SettingsStore interface {
	SavePriority(conversationID string, priority int) error
	// LoadPriorities returns every stored priority, already clamped.
	LoadPriorities() (map[string]int, error)
	RecordRestart(rec RestartRecord) error
	// RestartHistory returns a conversation's restarts, newest first,
	// at most limit entries (non-positive limit means all).
	RestartHistory(conversationID string, limit int) ([]RestartRecord, error)
	// PruneRestarts drops audit records older than the cutoff, returning
	// how many were removed.
	PruneRestarts(olderThan time.Time) (int, error)
	Close() error
}

// normalizeRestart fills the generated fields a caller may leave empty.
func normalizeRestart(rec RestartRecord) RestartRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	return rec
}

// MemorySettings is the in-memory SettingsStore. Nothing survives the
// process; use the SQLite store for durability.
type MemorySettings struct {
	mu         sync.RWMutex
	priorities map[string]int
	restarts   map[string][]RestartRecord
}

// NewMemorySettings creates an empty in-memory store.
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{
		priorities: make(map[string]int),
		restarts:   make(map[string][]RestartRecord),
	}
}

// SavePriority implements SettingsStore.
func (m *MemorySettings) SavePriority(conversationID string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priorities[conversationID] = ClampPriority(priority)
	return nil
}

// LoadPriorities implements SettingsStore.
func (m *MemorySettings) LoadPriorities() (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.priorities))
	for id, p := range m.priorities {
		out[id] = p
	}
	return out, nil
}

// RecordRestart implements SettingsStore.
func (m *MemorySettings) RecordRestart(rec RestartRecord) error {
	rec = normalizeRestart(rec)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts[rec.ConversationID] = append(m.restarts[rec.ConversationID], rec)
	return nil
}

// RestartHistory implements SettingsStore.
func (m *MemorySettings) RestartHistory(conversationID string, limit int) ([]RestartRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.restarts[conversationID]
	out := append([]RestartRecord(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneRestarts implements SettingsStore.
func (m *MemorySettings) PruneRestarts(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for conversationID, records := range m.restarts {
		kept := records[:0]
		for _, rec := range records {
			if rec.OccurredAt.Before(olderThan) {
				pruned++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(m.restarts, conversationID)
			continue
		}
		m.restarts[conversationID] = kept
	}
	return pruned, nil
}

// Close implements SettingsStore.
func (m *MemorySettings) Close() error { return nil }
