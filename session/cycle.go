// Package session runs capture cycles back to back.
//
// A Cycle is one session: fresh recorders bound to fresh handoff slots
// behind one start barrier. The Loop builds a cycle, releases it, waits
// until a trigger stopped it and every recorder handed off, then builds the
// next one. Persisting a stopped cycle is the save coordinator's job; the
// loop never reads a slot unless the cycle's save request was discarded.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"strzcam.com/blackbox/barrier"
	"strzcam.com/blackbox/frame"
	"strzcam.com/blackbox/handoff"
	"strzcam.com/blackbox/logging"
	"strzcam.com/blackbox/recorder"
	"strzcam.com/blackbox/telemetry"
	"strzcam.com/blackbox/trigger"
)

// Source names, also used as barrier participants and slot names.
const (
	VideoSource     = "video"
	AudioSource     = "audio"
	TelemetrySource = "telemetry"
)

// Cycle is one capture session.
type Cycle struct {
	id      string
	started time.Time
	window  time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
	gate    *barrier.Barrier

	// Video is always present; Audio and Telemetry are nil when the source
	// is not configured.
	Video     *handoff.Slot[recorder.Snapshot[frame.Frame]]
	Audio     *handoff.Slot[recorder.Snapshot[[]byte]]
	Telemetry *handoff.Slot[recorder.Snapshot[telemetry.Record]]

	runners []recorder.Runner

	stopped    atomic.Bool
	reason     atomic.Value // string
	queued     atomic.Bool
	settled    chan struct{}
	settleOnce sync.Once
}

func (c *Cycle) ID() string { return c.id }

func (c *Cycle) Started() time.Time { return c.started }

// Window is the capture duration of every recorder in the cycle.
func (c *Cycle) Window() time.Duration { return c.window }

// Context is canceled when the loop is done with the cycle.
func (c *Cycle) Context() context.Context { return c.ctx }

func (c *Cycle) Runners() []recorder.Runner { return c.runners }

// Stop signals every recorder. Only the first call returns true.
func (c *Cycle) Stop(reason string) bool {
	if !c.stopped.CompareAndSwap(false, true) {
		return false
	}
	c.reason.Store(reason)
	for _, r := range c.runners {
		r.Stop()
	}
	c.logger.Info("session stopping", "reason", reason)
	return true
}

func (c *Cycle) Stopped() bool { return c.stopped.Load() }

// Reason is the reason passed to the first Stop.
func (c *Cycle) Reason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// Settle records whether a save request for the cycle was queued.
func (c *Cycle) Settle(queued bool) {
	c.settleOnce.Do(func() {
		c.queued.Store(queued)
		close(c.settled)
	})
}

// Settled is closed once the fate of the cycle's save request is known.
func (c *Cycle) Settled() <-chan struct{} { return c.settled }

// Queued reports whether the save coordinator owns the cycle's slots.
func (c *Cycle) Queued() bool { return c.queued.Load() }

// States returns the recorder states by source name.
func (c *Cycle) States() map[string]string {
	states := make(map[string]string, len(c.runners))
	for _, r := range c.runners {
		states[r.Name()] = r.State().String()
	}
	return states
}

// drain reads every slot and drops the snapshots. Only the loop calls it,
// and only for cycles no save request was queued for.
func (c *Cycle) drain(ctx context.Context) error {
	video, err := c.Video.Take(ctx)
	if err != nil {
		return err
	}
	samples := len(video)
	if c.Audio != nil {
		snap, err := c.Audio.Take(ctx)
		if err != nil {
			return err
		}
		samples += len(snap)
	}
	if c.Telemetry != nil {
		snap, err := c.Telemetry.Take(ctx)
		if err != nil {
			return err
		}
		samples += len(snap)
	}
	c.logger.Warn("session discarded", "samples", samples)
	return nil
}

// NewQueue creates the save queue shared by the dispatcher and the save
// coordinator.
func NewQueue() *trigger.SaveQueue[*Cycle] {
	return trigger.NewSaveQueue[*Cycle]()
}
