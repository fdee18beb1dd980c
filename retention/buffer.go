package retention

import (
	"fmt"
	"math"
	"time"

	"strzcam.com/blackbox/errors"
)

// Sample is one timestamped payload from a source.
type Sample[T any] struct {
	At      time.Time
	Payload T
}

// Seconds returns the sample timestamp as Unix seconds.
func (s Sample[T]) Seconds() float64 {
	return float64(s.At.UnixNano()) / float64(time.Second)
}

// RoundedSecond returns the timestamp rounded to the nearest whole second.
func (s Sample[T]) RoundedSecond() int64 {
	return int64(math.Round(s.Seconds()))
}

// Buffer holds the samples of the trailing window, oldest first.
// It is owned by a single recorder and is not safe for concurrent use.
type Buffer[T any] struct {
	data   []Sample[T]
	head   int
	window time.Duration
}

// NewBuffer creates a buffer that retains samples at most window older than
// the newest one.
func NewBuffer[T any](window time.Duration) *Buffer[T] {
	return &Buffer[T]{window: window}
}

// Push appends a sample and evicts every sample older than the window
// relative to it. A sample older than the newest retained one is rejected.
func (b *Buffer[T]) Push(s Sample[T]) error {
	if n := b.Len(); n > 0 {
		newest := b.data[len(b.data)-1].At
		if s.At.Before(newest) {
			return fmt.Errorf("%w: %s before %s", errors.ErrOutOfOrder,
				s.At.Format(time.RFC3339Nano), newest.Format(time.RFC3339Nano))
		}
	}
	b.data = append(b.data, s)
	b.evict(s.At)
	return nil
}

func (b *Buffer[T]) evict(now time.Time) {
	for b.head < len(b.data) && now.Sub(b.data[b.head].At) > b.window {
		var zero Sample[T]
		b.data[b.head] = zero // release payload for GC
		b.head++
	}
	// compact once the dead prefix dominates
	if b.head > 0 && b.head >= len(b.data)/2 {
		n := copy(b.data, b.data[b.head:])
		clear(b.data[n:])
		b.data = b.data[:n]
		b.head = 0
	}
}

// Snapshot returns the retained samples in arrival order and leaves the
// buffer empty. The returned slice is owned by the caller.
func (b *Buffer[T]) Snapshot() []Sample[T] {
	out := b.data[b.head:]
	b.data = nil
	b.head = 0
	if len(out) == 0 {
		return nil
	}
	return out
}

// Len returns the number of retained samples.
func (b *Buffer[T]) Len() int {
	return len(b.data) - b.head
}

// Newest returns the most recent sample, if any.
func (b *Buffer[T]) Newest() (Sample[T], bool) {
	if b.Len() == 0 {
		var zero Sample[T]
		return zero, false
	}
	return b.data[len(b.data)-1], true
}

// Window returns the retention window.
func (b *Buffer[T]) Window() time.Duration {
	return b.window
}
