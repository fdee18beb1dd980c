package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"strzcam.com/blackbox/barrier"
	"strzcam.com/blackbox/errors"
	"strzcam.com/blackbox/frame"
	"strzcam.com/blackbox/handoff"
	"strzcam.com/blackbox/logging"
	"strzcam.com/blackbox/recorder"
	"strzcam.com/blackbox/source"
	"strzcam.com/blackbox/telemetry"
	"strzcam.com/blackbox/trigger"
)

// Policy decides what happens when a source fails to start.
type Policy string

const (
	// PolicyDegrade runs without the failed sources unless video failed.
	PolicyDegrade Policy = "degrade"
	// PolicyAbort abandons the cycle if any source failed.
	PolicyAbort Policy = "abort"
)

// Config tunes the loop.
type Config struct {
	Window         time.Duration
	BarrierTimeout time.Duration
	RetryDelay     time.Duration
	// ProgressInterval is how often a running cycle logs recorder states.
	ProgressInterval time.Duration
	Policy           Policy
}

// Sources are the devices sampled every cycle. Video is required.
type Sources struct {
	Video     source.Source[frame.Frame]
	Audio     source.Source[[]byte]
	Telemetry source.Source[telemetry.Record]
}

// Option configures a Loop.
type Option func(*Loop)

// WithRecorderOptions passes options to every recorder built by the loop.
func WithRecorderOptions(opts ...recorder.Option) Option {
	return func(l *Loop) { l.recorderOpts = append(l.recorderOpts, opts...) }
}

// WithCycleHook is called with every cycle once it is running.
func WithCycleHook(fn func(*Cycle)) Option {
	return func(l *Loop) { l.onCycle = fn }
}

// Loop runs capture cycles until shutdown.
type Loop struct {
	cfg          Config
	sources      Sources
	dispatcher   *trigger.Dispatcher[*Cycle]
	logger       *logging.Logger
	recorderOpts []recorder.Option
	onCycle      func(*Cycle)

	cycles atomic.Int64
}

// New creates a loop that publishes its cycles to dispatcher.
func New(cfg Config, sources Sources, dispatcher *trigger.Dispatcher[*Cycle], logger *logging.Logger, opts ...Option) (*Loop, error) {
	if sources.Video == nil {
		return nil, fmt.Errorf("a video source is required")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("capture window must be positive, got %s", cfg.Window)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDegrade
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 30 * time.Second
	}
	l := &Loop{
		cfg:        cfg,
		sources:    sources,
		dispatcher: dispatcher,
		logger:     logger.With("component", "session"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Cycles counts the cycles started so far.
func (l *Loop) Cycles() int64 { return l.cycles.Load() }

// Run builds cycles until shutdown is requested or ctx is done. The cycle
// running at that moment is stopped like a trigger and handed off before
// Run returns. Run only returns an error for a fatal handoff violation.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.shuttingDown(ctx) {
			l.logger.Info("session loop stopped", "cycles", l.cycles.Load())
			return nil
		}
		cycle := l.newCycle(ctx)
		err := l.runCycle(ctx, cycle)
		switch {
		case errors.IsFatal(err):
			l.logger.Error("fatal error, stopping session loop", "error", err.Error())
			return err
		case err != nil:
			l.logger.Warn("session abandoned", "session_id", cycle.ID(), "error", err.Error(),
				"retry_in", l.cfg.RetryDelay.String())
			l.sleep(ctx, l.cfg.RetryDelay)
		}
	}
}

func (l *Loop) shuttingDown(ctx context.Context) bool {
	select {
	case <-l.dispatcher.ShutdownRequested():
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits d unless shutdown comes first.
func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.dispatcher.ShutdownRequested():
	case <-ctx.Done():
	}
}

func (l *Loop) newCycle(ctx context.Context) *Cycle {
	id := uuid.New().String()
	cctx, cancel := context.WithCancel(ctx)
	logger := l.logger.WithSession(id)
	c := &Cycle{
		id:      id,
		started: time.Now(),
		window:  l.cfg.Window,
		ctx:     cctx,
		cancel:  cancel,
		logger:  logger,
		settled: make(chan struct{}),
	}

	participants := []string{VideoSource}
	if l.sources.Audio != nil {
		participants = append(participants, AudioSource)
	}
	if l.sources.Telemetry != nil {
		participants = append(participants, TelemetrySource)
	}
	gate := barrier.New(participants...)

	c.Video = handoff.NewSlot[recorder.Snapshot[frame.Frame]](VideoSource)
	c.runners = append(c.runners,
		recorder.New(VideoSource, l.sources.Video, l.cfg.Window, gate, c.Video, logger, l.recorderOpts...))
	if l.sources.Audio != nil {
		c.Audio = handoff.NewSlot[recorder.Snapshot[[]byte]](AudioSource)
		c.runners = append(c.runners,
			recorder.New(AudioSource, l.sources.Audio, l.cfg.Window, gate, c.Audio, logger, l.recorderOpts...))
	}
	if l.sources.Telemetry != nil {
		c.Telemetry = handoff.NewSlot[recorder.Snapshot[telemetry.Record]](TelemetrySource)
		c.runners = append(c.runners,
			recorder.New(TelemetrySource, l.sources.Telemetry, l.cfg.Window, gate, c.Telemetry, logger, l.recorderOpts...))
	}
	c.gate = gate
	return c
}

func (l *Loop) runCycle(ctx context.Context, c *Cycle) error {
	defer c.cancel()
	l.cycles.Add(1)
	c.logger.Info("session starting", "sources", len(c.runners), "window", l.cfg.Window.String())

	var (
		wg       conc.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)
	for _, r := range c.runners {
		wg.Go(func() {
			if err := r.Run(c.ctx); errors.IsFatal(err) {
				fatalMu.Lock()
				fatalErr = errors.Join(fatalErr, err)
				fatalMu.Unlock()
			}
		})
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if p := wg.WaitAndRecover(); p != nil {
			c.logger.Error("recorder panicked", "panic", p.String())
			fatalMu.Lock()
			fatalErr = errors.Join(fatalErr, p.AsError())
			fatalMu.Unlock()
		}
	}()
	fatal := func() error {
		fatalMu.Lock()
		defer fatalMu.Unlock()
		return fatalErr
	}

	report, err := c.gate.Await(ctx, l.cfg.BarrierTimeout)
	if err == nil {
		err = l.admit(c, report)
	}
	if err != nil {
		c.gate.Abort(err)
		c.cancel()
		<-done
		if ferr := fatal(); ferr != nil {
			return ferr
		}
		if derr := c.drain(context.Background()); derr != nil {
			return derr
		}
		return fmt.Errorf("%w: %w", errors.ErrBarrierAborted, err)
	}
	if err := c.gate.Release(); err != nil {
		c.logger.Error("failed to release start barrier", "error", err.Error())
	}

	l.dispatcher.Activate(c)
	if l.onCycle != nil {
		l.onCycle(c)
	}
	if l.shuttingDown(ctx) {
		l.dispatcher.Fire("shutdown")
	}

	l.await(ctx, c, done)

	if !c.Stopped() {
		// every source ended on its own; keep what they captured
		l.dispatcher.Fire("sources ended")
	}
	<-c.Settled()
	l.dispatcher.Deactivate(c)
	for _, r := range c.runners {
		if rerr := r.Err(); rerr != nil {
			c.logger.Warn("source ended early", "source", r.Name(), "error", rerr.Error())
		}
	}
	if ferr := fatal(); ferr != nil {
		return ferr
	}
	if !c.Queued() {
		if err := c.drain(context.Background()); err != nil {
			return err
		}
	}
	c.logger.Info("session ended", "reason", c.Reason(), "queued", c.Queued())
	return nil
}

// await blocks until every recorder is done. It never polls recorder state;
// the ticker only drives progress logging.
func (l *Loop) await(ctx context.Context, c *Cycle, done <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.ProgressInterval)
	defer ticker.Stop()
	shutdown := l.dispatcher.ShutdownRequested()
	ctxDone := ctx.Done()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.logger.Debug("session running", "states", c.States(),
				"elapsed", time.Since(c.started).Round(time.Second).String())
		case <-shutdown:
			shutdown = nil
			l.dispatcher.Fire("shutdown")
		case <-ctxDone:
			ctxDone = nil
			l.dispatcher.Fire("shutdown: " + ctx.Err().Error())
		}
	}
}

// admit applies the failure policy to the barrier report.
func (l *Loop) admit(c *Cycle, report barrier.Report) error {
	if len(report.Failed) == 0 {
		return nil
	}
	failed := make([]string, 0, len(report.Failed))
	for name := range report.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	if err, ok := report.Failed[VideoSource]; ok {
		return fmt.Errorf("primary source failed: %w", err)
	}
	if l.cfg.Policy == PolicyAbort {
		return errors.NewSourceError(fmt.Sprintf("%v", failed), fmt.Errorf("policy %s", PolicyAbort))
	}
	c.logger.Warn("running degraded", "failed", failed, "ready", report.Ready)
	return nil
}
