package queue

import "sync"

// Holder synchronizes access to a Queue[T] shared between the mux
// goroutine that enqueues frames and a waiter that wants to drain them
// without holding the mux loop open. Acquire/Release hand the queue back
// and forth; Wait blocks a consumer until the mux has released a
// non-empty queue, re-checking under the lock after waking (level
// triggered, not edge triggered, so a signal that arrives before Wait is
// called is never missed).
type Holder[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond
	q    *Queue[T]
	// borrowed is true while the mux goroutine holds the queue via
	// Acquire, so Wait knows not to hand out a queue still being
	// written to.
	borrowed bool
}

// NewHolder wraps q for synchronized hand-off.
func NewHolder[T any](q *Queue[T]) *Holder[T] {
	h := &Holder[T]{q: q}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Acquire takes exclusive ownership of the underlying queue for the
// duration of an enqueue, returning it to the caller. Release must be
// called with the (possibly mutated) queue when done.
func (h *Holder[T]) Acquire() *Queue[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.borrowed {
		h.cond.Wait()
	}
	h.borrowed = true
	return h.q
}

// Release hands q back, recording it as the holder's current queue and
// waking any goroutine blocked in Wait.
func (h *Holder[T]) Release(q *Queue[T]) {
	h.mu.Lock()
	h.q = q
	h.borrowed = false
	h.mu.Unlock()
	h.cond.Broadcast()
}

// Wait blocks until the queue is non-empty and not currently borrowed,
// then returns it for the caller to Dequeue from and Release back.
func (h *Holder[T]) Wait() *Queue[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.borrowed || h.q.Len() == 0 {
		h.cond.Wait()
	}
	h.borrowed = true
	return h.q
}

// Len reports the queue's current length without acquiring it.
func (h *Holder[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.q.Len()
}
