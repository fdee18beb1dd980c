// Package recorder drives one sample source through a capture session.
//
// A Recorder owns its retention buffer and one handoff slot. It is a plain
// value: the session runs it with Run on a goroutine of its own and stops it
// with Stop. A Recorder is used for exactly one session.
package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"strzcam.com/blackbox/barrier"
	"strzcam.com/blackbox/errors"
	"strzcam.com/blackbox/handoff"
	"strzcam.com/blackbox/logging"
	"strzcam.com/blackbox/retention"
	"strzcam.com/blackbox/source"
)

// Runner is the type-erased view of a Recorder used by the session loop.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
	Stop() bool
	State() State
	Done() <-chan struct{}
	Err() error
}

// Snapshot is the frozen content of a retention buffer.
type Snapshot[T any] []retention.Sample[T]

// Option configures a Recorder.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the clock used to stamp samples.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Recorder captures samples from one source into a rolling window.
type Recorder[T any] struct {
	name   string
	src    source.Source[T]
	buffer *retention.Buffer[T]
	gate   *barrier.Barrier
	slot   *handoff.Slot[Snapshot[T]]
	now    func() time.Time
	logger *logging.Logger

	stop    atomic.Bool
	state   atomic.Int32
	samples atomic.Int64
	done    chan struct{}
	err     error // written before done is closed
}

// New creates a recorder in state INIT.
func New[T any](
	name string,
	src source.Source[T],
	window time.Duration,
	gate *barrier.Barrier,
	slot *handoff.Slot[Snapshot[T]],
	logger *logging.Logger,
	opts ...Option,
) *Recorder[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Recorder[T]{
		name:   name,
		src:    src,
		buffer: retention.NewBuffer[T](window),
		gate:   gate,
		slot:   slot,
		now:    o.now,
		logger: logger.WithSource(name),
		done:   make(chan struct{}),
	}
}

func (r *Recorder[T]) Name() string { return r.name }

func (r *Recorder[T]) State() State { return State(r.state.Load()) }

// Done is closed once the recorder reached a terminal state.
func (r *Recorder[T]) Done() <-chan struct{} { return r.done }

// Err returns the failure that ended the capture early, if any. It is only
// meaningful after Done is closed.
func (r *Recorder[T]) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Recorder[T]) Samples() int64 { return r.samples.Load() }

// Stop asks the capture loop to exit after the current read. It returns
// true only for the call that flipped the flag.
func (r *Recorder[T]) Stop() bool {
	return r.stop.CompareAndSwap(false, true)
}

func (r *Recorder[T]) transition(to State) {
	from := State(r.state.Swap(int32(to)))
	r.logger.Info("state transition", "from", from.String(), "to", to.String())
}

// Run executes the whole lifecycle. Every path out of Run writes the slot
// exactly once; the returned error is non-nil only for a handoff violation
// or a failure to open the source.
func (r *Recorder[T]) Run(ctx context.Context) error {
	defer close(r.done)

	handle, err := r.src.Open(ctx)
	if err != nil {
		r.err = errors.NewSourceError(r.name, err)
		r.logger.Error("failed to open source", "error", err.Error())
		r.transition(Failed)
		r.gate.Fail(r.name, r.err)
		if perr := r.slot.Put(nil); perr != nil {
			return perr
		}
		return r.err
	}

	r.transition(WaitingReady)
	r.gate.Ready(r.name)
	if err := r.gate.Wait(ctx); err != nil {
		r.logger.Warn("start barrier not released", "error", err.Error())
		r.closeHandle(handle)
		r.transition(Stopped)
		return r.handOff()
	}
	r.transition(Armed)
	r.transition(Running)

	r.capture(ctx, handle)

	r.closeHandle(handle)
	r.transition(Stopped)
	return r.handOff()
}

func (r *Recorder[T]) capture(ctx context.Context, handle source.Handle[T]) {
	for !r.stop.Load() && ctx.Err() == nil {
		payload, err := handle.ReadNext()
		if err != nil {
			if r.stop.Load() {
				return
			}
			r.err = errors.NewSourceError(r.name, err)
			r.logger.Error("source failed mid-capture, stopping early",
				"error", err.Error(), "samples", r.samples.Load())
			return
		}
		if err := r.buffer.Push(retention.Sample[T]{At: r.now(), Payload: payload}); err != nil {
			r.logger.Warn("dropping sample", "error", err.Error())
			continue
		}
		r.samples.Add(1)
	}
}

func (r *Recorder[T]) closeHandle(handle source.Handle[T]) {
	if err := handle.Close(); err != nil {
		r.logger.Warn("failed to close source", "error", err.Error())
	}
}

func (r *Recorder[T]) handOff() error {
	snap := r.buffer.Snapshot()
	if err := r.slot.Put(snap); err != nil {
		r.logger.Error("handoff violation", "error", err.Error())
		return err
	}
	r.transition(HandedOff)
	r.logger.Debug("snapshot handed off", "samples", len(snap))
	return nil
}
