// Package barrier provides the one-shot start gate shared by the recorders
// of one session.
//
// Each participant reports Ready (its source is open) or Fail, then blocks
// in Wait. The coordinator blocks in Await until every participant has
// reported, then either releases all of them through a single shared
// channel close or aborts the gate. A barrier is never reused.
package barrier

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"strzcam.com/blackbox/errors"
)

type phase int

const (
	phaseOpen phase = iota
	phaseReleased
	phaseAborted
)

// Report is the outcome of Await.
type Report struct {
	Ready   []string
	Failed  map[string]error
	Missing []string
}

// Complete reports whether every participant reported.
func (r Report) Complete() bool {
	return len(r.Missing) == 0
}

// Barrier is a one-shot start gate.
type Barrier struct {
	mu       sync.Mutex
	expected []string
	reports  map[string]error // nil value = ready
	changed  chan struct{}
	release  chan struct{}
	phase    phase
	abortErr error
}

// New creates a barrier for the named participants.
func New(participants ...string) *Barrier {
	return &Barrier{
		expected: slices.Clone(participants),
		reports:  make(map[string]error, len(participants)),
		changed:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
}

// Ready marks a participant as ready. Reporting twice is a no-op.
func (b *Barrier) Ready(name string) {
	b.report(name, nil)
}

// Fail marks a participant as unable to start.
func (b *Barrier) Fail(name string, err error) {
	if err == nil {
		err = errors.NewSourceError(name, nil)
	}
	b.report(name, err)
}

func (b *Barrier) report(name string, err error) {
	b.mu.Lock()
	if _, done := b.reports[name]; !done && slices.Contains(b.expected, name) {
		b.reports[name] = err
	}
	b.mu.Unlock()

	select {
	case b.changed <- struct{}{}:
	default:
	}
}

// Wait blocks a participant until the barrier is released or aborted.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.release:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.phase == phaseAborted {
			return fmt.Errorf("%w: %v", errors.ErrBarrierAborted, b.abortErr)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await blocks until every participant reported, ctx is done or timeout
// elapses. On timeout the returned error is a SourceUnavailable naming the
// participants that never reported. Await does not release or abort.
func (b *Barrier) Await(ctx context.Context, timeout time.Duration) (Report, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		report := b.snapshot()
		if report.Complete() {
			return report, nil
		}
		select {
		case <-b.changed:
		case <-deadline:
			report = b.snapshot()
			if report.Complete() {
				return report, nil
			}
			return report, errors.NewSourceError(fmt.Sprintf("%v", report.Missing),
				fmt.Errorf("not ready after %s", timeout))
		case <-ctx.Done():
			return b.snapshot(), ctx.Err()
		}
	}
}

func (b *Barrier) snapshot() Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := Report{Failed: make(map[string]error)}
	for _, name := range b.expected {
		err, ok := b.reports[name]
		switch {
		case !ok:
			r.Missing = append(r.Missing, name)
		case err != nil:
			r.Failed[name] = err
		default:
			r.Ready = append(r.Ready, name)
		}
	}
	sort.Strings(r.Ready)
	return r
}

// Release lets every waiting participant start. It fails if any participant
// has not reported yet or the barrier was already closed.
func (b *Barrier) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase != phaseOpen {
		return fmt.Errorf("barrier already closed")
	}
	if len(b.reports) != len(b.expected) {
		return fmt.Errorf("barrier released with %d of %d participants reported", len(b.reports), len(b.expected))
	}
	b.phase = phaseReleased
	close(b.release)
	return nil
}

// Abort wakes every waiting participant with ErrBarrierAborted. Aborting a
// closed barrier is a no-op.
func (b *Barrier) Abort(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase != phaseOpen {
		return
	}
	b.phase = phaseAborted
	b.abortErr = cause
	close(b.release)
}

// Released reports whether the barrier let its participants start.
func (b *Barrier) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase == phaseReleased
}
