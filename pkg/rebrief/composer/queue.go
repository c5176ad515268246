// Package composer – queue.go implements the priority request queue that
// orders pending prompt-build+infer requests across conversations and
// throttles them against each backend's concurrency limit. Scheduling is
// advisory: a dispatched request always runs to completion.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("composer: request queue closed")

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// DispatchFunc runs one prompt-build+infer request. The context is
// cancelled when the request is aborted.
type DispatchFunc func(ctx context.Context)

// Request is what callers submit.
type Request struct {
	ConversationID string
	Text           string
	Sender         string
	Backend        string
	Run            DispatchFunc
}

// RequestHandle lets callers observe and abort a submitted request.
type RequestHandle struct {
	ID string
	// Done is closed when the request finishes or is aborted.
	Done <-chan struct{}

	abort func()
}

// Abort cancels the request. A pending request is discarded; an in-flight
// one has its context cancelled and its backend slot released immediately
// so the next request can dispatch.
func (h *RequestHandle) Abort() {
	if h.abort != nil {
		h.abort()
	}
}

// queueEntry is one pending request. Entries are never persisted; they are
// consumed and discarded once dispatched.
type queueEntry struct {
	id             string
	conversationID string
	text           string
	sender         string
	enqueuedAt     time.Time
	priority       int
	backend        string
	run            DispatchFunc

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	released bool
}

// RequestQueue orders pending requests by conversation priority (then
// FIFO) and keeps each backend at or under its declared concurrency.
type RequestQueue struct {
	logger *slog.Logger

	mu         sync.Mutex
	priorities map[string]int
	limits     map[string]int
	inflight   map[string]int
	pending    []*queueEntry
	closed     bool

	entropy *ulid.MonotonicEntropy
}

// NewRequestQueue creates an empty queue.
func NewRequestQueue(logger *slog.Logger) *RequestQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestQueue{
		logger:     logger.With("component", "queue"),
		priorities: make(map[string]int),
		limits:     make(map[string]int),
		inflight:   make(map[string]int),
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// RegisterBackend declares a backend and its concurrency limit. Zero or
// negative means unlimited: submissions bypass ordering entirely.
func (q *RequestQueue) RegisterBackend(name string, concurrency int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limits[name] = concurrency
}

// SetPriority sets a conversation's priority, clamped to [1,10]. Pending
// requests from that conversation re-sort under the new priority.
func (q *RequestQueue) SetPriority(conversationID string, priority int) {
	p := ClampPriority(priority)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.priorities[conversationID] = p
	for _, entry := range q.pending {
		if entry.conversationID == conversationID {
			entry.priority = p
		}
	}
}

// GetPriority returns the conversation's priority, default 5.
func (q *RequestQueue) GetPriority(conversationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.priorities[conversationID]; ok {
		return p
	}
	return DefaultPriority
}

// Submit enqueues a request. Requests to unlimited backends start
// immediately; the rest wait for a slot in priority order.
func (q *RequestQueue) Submit(ctx context.Context, req Request) (*RequestHandle, error) {
	if req.Run == nil {
		return nil, fmt.Errorf("queue: request has no run function")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	limit, known := q.limits[req.Backend]
	if !known {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: unknown backend %q", req.Backend)
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry := &queueEntry{
		id:             ulid.MustNew(ulid.Timestamp(time.Now()), q.entropy).String(),
		conversationID: req.ConversationID,
		text:           req.Text,
		sender:         req.Sender,
		enqueuedAt:     time.Now(),
		priority:       q.priorityLocked(req.ConversationID),
		backend:        req.Backend,
		run:            req.Run,
		ctx:            runCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	handle := &RequestHandle{
		ID:    entry.id,
		Done:  entry.done,
		abort: func() { q.abort(entry) },
	}

	if limit <= 0 {
		// Unlimited backend: no ordering, no waiting.
		q.inflight[req.Backend]++
		q.mu.Unlock()
		go q.execute(entry)
		return handle, nil
	}

	q.pending = append(q.pending, entry)
	q.logger.Debug("request queued",
		"conversation", req.ConversationID, "backend", req.Backend,
		"priority", entry.priority, "pending", len(q.pending))
	q.dispatchLocked()
	q.mu.Unlock()
	return handle, nil
}

func (q *RequestQueue) priorityLocked(conversationID string) int {
	if p, ok := q.priorities[conversationID]; ok {
		return p
	}
	return DefaultPriority
}

// dispatchLocked starts every runnable request: highest priority first,
// earliest enqueued within a priority. Callers hold q.mu.
func (q *RequestQueue) dispatchLocked() {
	for {
		best := -1
		for i, entry := range q.pending {
			if q.inflight[entry.backend] >= q.limits[entry.backend] {
				continue
			}
			if best == -1 || betterThan(entry, q.pending[best]) {
				best = i
			}
		}
		if best == -1 {
			return
		}

		entry := q.pending[best]
		q.pending = append(q.pending[:best], q.pending[best+1:]...)
		q.inflight[entry.backend]++
		go q.execute(entry)
	}
}

// betterThan orders two pending entries: priority descending, then the
// ULID's embedded enqueue order ascending.
func betterThan(a, b *queueEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.id < b.id
}

// execute runs one entry and releases its slot afterwards.
func (q *RequestQueue) execute(entry *queueEntry) {
	defer close(entry.done)
	defer q.release(entry)
	q.logger.Debug("request dispatched",
		"conversation", entry.conversationID, "backend", entry.backend,
		"sender", entry.sender, "waited", time.Since(entry.enqueuedAt))
	entry.run(entry.ctx)
}

// release frees the entry's backend slot once, then re-evaluates the
// queue.
func (q *RequestQueue) release(entry *queueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry.released {
		return
	}
	entry.released = true
	if q.inflight[entry.backend] > 0 {
		q.inflight[entry.backend]--
	}
	q.dispatchLocked()
}

// abort cancels an entry. Pending entries are removed outright; in-flight
// entries keep running until their DispatchFunc observes the cancelled
// context, but their slot frees immediately.
func (q *RequestQueue) abort(entry *queueEntry) {
	entry.cancel()

	q.mu.Lock()
	for i, pending := range q.pending {
		if pending == entry {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			entry.released = true // never held a slot
			q.mu.Unlock()
			close(entry.done)
			q.logger.Debug("pending request aborted", "conversation", entry.conversationID)
			return
		}
	}
	q.mu.Unlock()

	// In flight: free the slot now so the next request dispatches.
	q.release(entry)
	q.logger.Debug("in-flight request aborted", "conversation", entry.conversationID)
}

// PendingCount returns the number of queued (not yet dispatched) requests.
func (q *RequestQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of running requests on one backend.
func (q *RequestQueue) InFlight(backend string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight[backend]
}

// Close rejects further submissions and aborts everything pending.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, entry := range pending {
		entry.cancel()
		entry.released = true
		close(entry.done)
	}
}
