package delivery

import (
	"sync"

	"github.com/roach88/circles/internal/event"
)

// queue is a thread-safe FIFO queue of wrappers waiting for delivery.
//
// The queue is unbounded: the dispatcher enqueues one wrapper per relevant
// node while holding a circle lock and must never block on delivery.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the workers.
type queue struct {
	mu       sync.Mutex
	wrappers []event.Wrapper
	queued   map[string]bool
	closed   bool
	signal   chan struct{} // Signals availability (buffered, size 1)
}

func newQueue() *queue {
	return &queue{
		wrappers: make([]event.Wrapper, 0, 64),
		queued:   make(map[string]bool),
		signal:   make(chan struct{}, 1),
	}
}

func wrapperKey(token, node string) string {
	return token + "/" + node
}

// Enqueue adds a wrapper to the back of the queue. A wrapper already
// waiting in the queue is not added twice.
// Returns false if the queue is closed or the wrapper is already queued.
func (q *queue) Enqueue(w event.Wrapper) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := wrapperKey(w.Token, w.Node)
	if q.closed || q.queued[key] {
		return false
	}
	q.queued[key] = true
	q.wrappers = append(q.wrappers, w)
	q.notify()
	return true
}

// TryDequeue removes the front wrapper without blocking.
func (q *queue) TryDequeue() (event.Wrapper, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.wrappers) == 0 {
		return event.Wrapper{}, false
	}
	w := q.wrappers[0]
	q.wrappers[0] = event.Wrapper{}
	if len(q.wrappers) == 1 {
		q.wrappers = q.wrappers[:0]
	} else {
		q.wrappers = q.wrappers[1:]
		// Wake another worker for the rest.
		q.notify()
	}
	delete(q.queued, wrapperKey(w.Token, w.Node))
	return w, true
}

// notify signals availability. Must be called with mu held.
func (q *queue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when wrappers may be available.
// The channel is closed by Close.
func (q *queue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.wrappers)
}

// Close signals that no more wrappers will be enqueued.
func (q *queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
