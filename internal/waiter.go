package internal

import (
	"context"
	"sync"
	"time"
)

// Waiter delivers published values to one-shot registrations whose predicate matches. It replaces
// ad-hoc "wait for the next matching event, with a timeout" code: a caller registers before
// triggering the work which will eventually publish, then waits.
type Waiter[T any] struct {
	mu      *sync.Mutex
	nextID  int64
	pending map[int64]*Registration[T]
}

// Registration is a single one-shot wait. It is removed from its Waiter when a value is delivered,
// when Wait returns, or when Cancel is called, whichever happens first.
type Registration[T any] struct {
	id     int64
	w      *Waiter[T]
	match  func(T) bool
	ch     chan T
	closed bool
}

func NewWaiter[T any]() *Waiter[T] {
	return &Waiter[T]{
		mu:      &sync.Mutex{},
		pending: make(map[int64]*Registration[T]),
	}
}

// Register a predicate. The returned registration must be waited on or cancelled.
func (w *Waiter[T]) Register(match func(T) bool) *Registration[T] {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	r := &Registration[T]{
		id:    w.nextID,
		w:     w,
		match: match,
		ch:    make(chan T, 1),
	}
	w.pending[r.id] = r
	return r
}

// Publish hands v to every pending registration whose predicate matches it, removing them.
// Returns the number of registrations which received v.
func (w *Waiter[T]) Publish(v T) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for id, r := range w.pending {
		if !r.match(v) {
			continue
		}
		r.ch <- v // buffered 1, and a registration is only ever delivered to once
		delete(w.pending, id)
		n++
	}
	return n
}

// Pending returns the number of registrations still waiting.
func (w *Waiter[T]) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Wait for a matching value. Returns false on timeout or context cancellation, which is an
// explicit absence rather than an error. The registration is always removed on return.
func (r *Registration[T]) Wait(ctx context.Context, timeout time.Duration) (T, bool) {
	defer r.Cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-r.ch:
		return v, true
	case <-timer.C:
	case <-ctx.Done():
	}
	// a value may have been delivered at the same time as the timeout fired
	select {
	case v := <-r.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Cancel the registration. Safe to call more than once.
func (r *Registration[T]) Cancel() {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	delete(r.w.pending, r.id)
}
