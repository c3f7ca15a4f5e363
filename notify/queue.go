package notify

import (
	"sync"
	"time"
)

// RetryableEvent is a queued outbound notification awaiting redelivery.
type RetryableEvent struct {
	Envelope   *Envelope
	Topic      string
	RetryCount int
	MaxRetries int
	EnqueuedAt time.Time
}

// retryQueue is a bounded FIFO. When full, the oldest entry is dropped
// to make room; losing the newest would starve fresh events behind
// permanently failing old ones.
type retryQueue struct {
	mu       sync.Mutex
	items    []*RetryableEvent
	capacity int
}

func newRetryQueue(capacity int) *retryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &retryQueue{capacity: capacity}
}

// push appends the event, evicting the oldest entry when the queue is
// full. It reports whether an eviction happened.
func (q *retryQueue) push(ev *RetryableEvent) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, ev)
	return evicted
}

// pop removes and returns the oldest event, or nil when empty.
func (q *retryQueue) pop() *RetryableEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
