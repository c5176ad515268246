// Package ledger – memstore.go provides an in-memory Store used by tests
// and the local CLI. It honors the same identity and revision semantics as
// a persistent store but keeps everything in a mutex-guarded map.
package ledger

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemStore is an in-memory Store implementation. Safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]Object

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string]Object),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (m *MemStore) newRevision() string {
	m.entropyMu.Lock()
	defer m.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}

// CreateOrGetByIdentity implements Store.
func (m *MemStore) CreateOrGetByIdentity(ctx context.Context, obj Object) (Object, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.objects[obj.ObjectID()]; ok {
		return existing.Clone(), false, nil
	}

	stored := obj.Clone()
	setRevision(stored, m.newRevision(), "")
	m.objects[stored.ObjectID()] = stored
	return stored.Clone(), true, nil
}

// GetByIdentity implements Store.
func (m *MemStore) GetByIdentity(ctx context.Context, id string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return obj.Clone(), nil
}

// PutNewRevision implements Store.
func (m *MemStore) PutNewRevision(ctx context.Context, obj Object) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := ""
	if existing, ok := m.objects[obj.ObjectID()]; ok {
		prev = revisionOf(existing)
	}

	stored := obj.Clone()
	rev := m.newRevision()
	setRevision(stored, rev, prev)
	m.objects[stored.ObjectID()] = stored
	return rev, nil
}

// Iterate implements Store. The snapshot is taken under the read lock, then
// streamed without holding it, so slow consumers never block writers.
func (m *MemStore) Iterate(ctx context.Context, conversationID string, typ ObjectType) (<-chan Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	snapshot := make([]Object, 0, len(m.objects))
	for _, obj := range m.objects {
		if obj.Type() != typ {
			continue
		}
		if conversationID != "" && !obj.InConversation(conversationID) {
			continue
		}
		snapshot = append(snapshot, obj.Clone())
	}
	m.mu.RUnlock()

	out := make(chan Object)
	go func() {
		defer close(out)
		for _, obj := range snapshot {
			select {
			case out <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Len returns the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func setRevision(obj Object, revision, prev string) {
	switch o := obj.(type) {
	case *Subject:
		o.Revision, o.PrevRevision = revision, prev
	case *Keyword:
		o.Revision, o.PrevRevision = revision, prev
	case *Summary:
		o.Revision, o.PrevRevision = revision, prev
	}
}

func revisionOf(obj Object) string {
	switch o := obj.(type) {
	case *Subject:
		return o.Revision
	case *Keyword:
		return o.Revision
	case *Summary:
		return o.Revision
	}
	return ""
}
