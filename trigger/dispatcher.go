package trigger

import (
	"sync"
	"sync/atomic"
	"time"

	"strzcam.com/blackbox/logging"
)

// Target is the capture cycle a fire applies to.
type Target interface {
	ID() string
	// Stop signals every recorder of the cycle. Only the first call
	// returns true.
	Stop(reason string) bool
	// Settle reports whether the save request for the cycle was queued.
	// It is called exactly once, after the first successful Stop.
	Settle(queued bool)
}

// Firer is what trigger sources see of the Dispatcher.
type Firer interface {
	Fire(reason string) bool
	Shutdown(reason string)
}

// Dispatcher fans a trigger out to the active cycle and the save queue.
type Dispatcher[T Target] struct {
	queue  *SaveQueue[T]
	logger *logging.Logger

	mu     sync.Mutex
	active T
	set    bool

	fires    atomic.Int64
	shutdown chan struct{}
	once     sync.Once
	now      func() time.Time
}

// NewDispatcher creates a dispatcher feeding queue.
func NewDispatcher[T Target](queue *SaveQueue[T], logger *logging.Logger) *Dispatcher[T] {
	return &Dispatcher[T]{
		queue:    queue,
		logger:   logger.With("component", "trigger"),
		shutdown: make(chan struct{}),
		now:      time.Now,
	}
}

// Activate makes t the cycle that the next fire stops.
func (d *Dispatcher[T]) Activate(t T) {
	d.mu.Lock()
	d.active, d.set = t, true
	d.mu.Unlock()
}

// Deactivate clears the active cycle if it is still t.
func (d *Dispatcher[T]) Deactivate(t T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.set && d.active.ID() == t.ID() {
		var zero T
		d.active, d.set = zero, false
	}
}

// Active returns the current cycle, if any.
func (d *Dispatcher[T]) Active() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active, d.set
}

// Fire stops the active cycle and queues its save. It returns true only for
// the fire that queued a request; coalesced fires return false.
func (d *Dispatcher[T]) Fire(reason string) bool {
	d.fires.Add(1)
	t, ok := d.Active()
	if !ok {
		d.logger.Warn("trigger ignored, no active session", "reason", reason)
		return false
	}
	if !t.Stop(reason) {
		d.logger.Debug("trigger coalesced", "reason", reason, "session_id", t.ID())
		return false
	}
	queued := d.queue.TryEnqueue(Request[T]{Target: t, Reason: reason, At: d.now()})
	t.Settle(queued)
	if !queued {
		d.logger.Warn("save already pending, session will be discarded",
			"reason", reason, "session_id", t.ID())
		return false
	}
	d.logger.Info("triggered", "reason", reason, "session_id", t.ID())
	return true
}

// Fires counts every call to Fire.
func (d *Dispatcher[T]) Fires() int64 {
	return d.fires.Load()
}

// Shutdown fires once more and asks the session loop to exit. Repeated
// calls only fire.
func (d *Dispatcher[T]) Shutdown(reason string) {
	d.Fire(reason)
	d.once.Do(func() {
		d.logger.Info("shutdown requested", "reason", reason)
		close(d.shutdown)
	})
}

// ShutdownRequested is closed after the first Shutdown.
func (d *Dispatcher[T]) ShutdownRequested() <-chan struct{} {
	return d.shutdown
}
