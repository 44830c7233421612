// Package scheduler turns forge activity into work items and runs them:
// a periodic poll lists updated PRs and new commit comments, items are
// deduplicated by a stable key, and a bounded worker pool executes them.
// Execution is strictly serial per key and parallel across keys.
package scheduler

import (
	"context"
	"sync"
)

// WorkItem is one schedulable unit of work
type WorkItem struct {
	// Key identifies the item: "pr:<repo>/<id>" or "commit:<repo>/<hash>"
	Key string
	// Kind is the metric dimension ("pr" or "commit")
	Kind string
	// Run executes the item
	Run func(ctx context.Context) error
}

// Queue is a keyed work queue. Two items with the same key coalesce: a
// later arrival replaces a queued one, and an arrival during execution is
// re-queued after the running item completes.
type Queue struct {
	mu      sync.Mutex
	queued  map[string]*WorkItem
	order   []string
	running map[string]bool
	rerun   map[string]*WorkItem
	notify  chan struct{}
	closed  bool
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{
		queued:  make(map[string]*WorkItem),
		running: make(map[string]bool),
		rerun:   make(map[string]*WorkItem),
		notify:  make(chan struct{}, 1),
	}
}

// signal wakes one waiter. Callers hold q.mu; after Close the notify
// channel is closed and must not be sent on.
func (q *Queue) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Add enqueues an item, coalescing with any queued or running item of the
// same key.
func (q *Queue) Add(item *WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.running[item.Key] {
		q.rerun[item.Key] = item
		return
	}
	if _, exists := q.queued[item.Key]; !exists {
		q.order = append(q.order, item.Key)
	}
	q.queued[item.Key] = item
	q.signal()
}

// Next blocks until an item is available and marks its key running.
// It returns nil when the context is cancelled or the queue is closed.
func (q *Queue) Next(ctx context.Context) *WorkItem {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if len(q.order) > 0 {
			key := q.order[0]
			q.order = q.order[1:]
			item := q.queued[key]
			delete(q.queued, key)
			q.running[key] = true
			q.mu.Unlock()
			return item
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
	}
}

// Done releases a key after execution; an item that arrived while the key
// was running is moved back to the queue.
func (q *Queue) Done(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, key)
	if item, ok := q.rerun[key]; ok {
		delete(q.rerun, key)
		if _, exists := q.queued[key]; !exists {
			q.order = append(q.order, key)
		}
		q.queued[key] = item
		q.signal()
	}
}

// Close wakes all waiters and rejects further items
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.notify)
}

// Stats describes the queue for the operator surface
type Stats struct {
	Queued  int      `json:"queued"`
	Running int      `json:"running"`
	Keys    []string `json:"keys"`
}

// Stats returns a snapshot of the queue state
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, len(q.order))
	copy(keys, q.order)
	return Stats{
		Queued:  len(q.queued),
		Running: len(q.running),
		Keys:    keys,
	}
}
