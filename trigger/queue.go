// Package trigger turns external events into save requests.
//
// Every trigger source runs on its own goroutine and calls Fire on the
// shared Dispatcher. Fire stops the active cycle and enqueues at most one
// Save Request for it; any number of fires while a cycle is stopping
// coalesce into that one request.
package trigger

import "time"

// Request asks the save coordinator to persist the handoffs of Target.
type Request[T Target] struct {
	Target T
	Reason string
	At     time.Time
}

// SaveQueue holds at most one pending request. Enqueueing never blocks.
type SaveQueue[T Target] struct {
	ch chan Request[T]
}

// NewSaveQueue creates an empty queue.
func NewSaveQueue[T Target]() *SaveQueue[T] {
	return &SaveQueue[T]{ch: make(chan Request[T], 1)}
}

// TryEnqueue adds r unless a request is already pending.
func (q *SaveQueue[T]) TryEnqueue(r Request[T]) bool {
	select {
	case q.ch <- r:
		return true
	default:
		return false
	}
}

// C is the receive side, read by the save coordinator only.
func (q *SaveQueue[T]) C() <-chan Request[T] {
	return q.ch
}

// Len is 0 or 1.
func (q *SaveQueue[T]) Len() int {
	return len(q.ch)
}
