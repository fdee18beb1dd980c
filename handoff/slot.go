// Package handoff implements the one-shot rendezvous used to pass a frozen
// buffer from a recorder to the save coordinator.
//
// A Slot is written exactly once and read exactly once. A second write or a
// second read is a HandoffViolation, never a silent overwrite.
package handoff

import (
	"context"
	"sync/atomic"

	"strzcam.com/blackbox/errors"
)

// Slot is a write-once, read-once single-value channel.
type Slot[T any] struct {
	name    string
	ch      chan T
	written atomic.Bool
	read    atomic.Bool
}

// NewSlot creates an empty slot. The name appears in violation errors.
func NewSlot[T any](name string) *Slot[T] {
	return &Slot[T]{name: name, ch: make(chan T, 1)}
}

func (s *Slot[T]) Name() string {
	return s.name
}

// Put stores v. It never blocks. Ownership of v passes to the reader.
func (s *Slot[T]) Put(v T) error {
	if !s.written.CompareAndSwap(false, true) {
		return &errors.HandoffError{Slot: s.name, Op: "write"}
	}
	s.ch <- v
	return nil
}

// Take blocks until the value is written or ctx is done.
func (s *Slot[T]) Take(ctx context.Context) (T, error) {
	var zero T
	if s.read.Load() {
		return zero, &errors.HandoffError{Slot: s.name, Op: "read"}
	}
	select {
	case v := <-s.ch:
		if !s.read.CompareAndSwap(false, true) {
			return zero, &errors.HandoffError{Slot: s.name, Op: "read"}
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Slot[T]) Written() bool {
	return s.written.Load()
}

func (s *Slot[T]) Consumed() bool {
	return s.read.Load()
}

// Pending reports whether a written value has not been taken yet.
func (s *Slot[T]) Pending() bool {
	return s.Written() && !s.Consumed()
}
