package queue

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/models"
)

// FIFO is a thread-safe first-in first-out queue of resources.
// Items are never reordered; requeued items go to the tail.
type FIFO struct {
	mu     sync.Mutex
	items  []*models.Resource
	head   int // Index of the first live item in items
	closed bool
	log    *logrus.Entry
}

// NewFIFO creates an empty queue
func NewFIFO(log *logrus.Entry) *FIFO {
	return &FIFO{log: log}
}

// Push appends a resource at the tail. Returns false if the queue is closed.
func (q *FIFO) Push(r *models.Resource) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.log.Warnf("Attempted to add item to closed queue: %s", r.URLString())
		return false
	}
	q.items = append(q.items, r)
	return true
}

// TryPop removes and returns the head without blocking.
// Returns nil, false if the queue is empty or closed.
func (q *FIFO) TryPop() (*models.Resource, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.head >= len(q.items) {
		return nil, false
	}
	r := q.items[q.head]
	q.items[q.head] = nil // avoid memory leak
	q.head++
	q.compact()
	return r, true
}

// compact reclaims the consumed prefix once it dominates the backing array. Caller holds mu.
func (q *FIFO) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 > len(q.items) {
		live := copy(q.items, q.items[q.head:])
		for i := live; i < len(q.items); i++ {
			q.items[i] = nil
		}
		q.items = q.items[:live]
		q.head = 0
	}
}

// RemoveIf deletes every queued resource for which match returns true, keeping the
// order of the rest. The removed resources are returned in queue order.
func (q *FIFO) RemoveIf(match func(*models.Resource) bool) []*models.Resource {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*models.Resource
	kept := q.items[:0]
	for _, r := range q.items[q.head:] {
		if match(r) {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.head = 0
	return removed
}

// Snapshot returns copies of the queued resources in order
func (q *FIFO) Snapshot() []models.Resource {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.Resource, 0, len(q.items)-q.head)
	for _, r := range q.items[q.head:] {
		out = append(out, r.Clone())
	}
	return out
}

// Clear drops every queued item and returns how many there were
func (q *FIFO) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items) - q.head
	q.items = nil
	q.head = 0
	return n
}

// Close rejects further pushes and hides remaining items from TryPop
func (q *FIFO) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Reopen undoes Close
func (q *FIFO) Reopen() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = false
}

// Len returns the current number of items in the queue (thread-safe)
func (q *FIFO) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Closed reports whether Push currently rejects items
func (q *FIFO) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
