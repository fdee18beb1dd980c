// Package save persists stopped capture cycles.
//
// The Coordinator is the single consumer of the save queue. For every
// request it reads all handoff slots of the cycle, burns the overlays into
// the video, writes the video and audio containers to the temp directory
// and merges them into one recording in the output directory.
package save

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"strzcam.com/blackbox/errors"
	"strzcam.com/blackbox/frame"
	"strzcam.com/blackbox/handoff"
	"strzcam.com/blackbox/logging"
	"strzcam.com/blackbox/overlay"
	"strzcam.com/blackbox/persist"
	"strzcam.com/blackbox/recorder"
	"strzcam.com/blackbox/session"
	"strzcam.com/blackbox/store"
	"strzcam.com/blackbox/telemetry"
	"strzcam.com/blackbox/trigger"
)

// VideoEncoder writes frames to a video container.
type VideoEncoder interface {
	Encode(ctx context.Context, path string, rate float64, frames []frame.Frame) error
}

// AudioEncoder writes PCM chunks to an audio container.
type AudioEncoder interface {
	Encode(path string, format persist.AudioFormat, chunks [][]byte) error
}

// Merger combines a video and an audio container.
type Merger interface {
	Merge(ctx context.Context, video, audio, out string) error
}

// Config tunes the coordinator.
type Config struct {
	TempDir string
	// Ext is the container extension of the final recording.
	Ext         string
	MaxBytes    int64
	AudioFormat persist.AudioFormat
	// HandoffTimeout bounds the wait for one slot.
	HandoffTimeout time.Duration
}

// State of a save, as reported to status listeners.
type State string

const (
	StateSaving  State = "saving"
	StateSaved   State = "saved"
	StateSkipped State = "skipped"
	StateFailed  State = "failed"
)

// Status is one save progress event.
type Status struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	State     State     `json:"state"`
	Recording string    `json:"recording,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Result is the outcome of one save.
type Result struct {
	Recording string
	Manifest  Manifest
	Skipped   bool
}

// Coordinator is the single reader of the save queue and of every queued
// cycle's handoff slots.
type Coordinator struct {
	cfg    Config
	queue  *trigger.SaveQueue[*session.Cycle]
	store  *store.Store
	fs     afero.Fs
	video  VideoEncoder
	audio  AudioEncoder
	merger Merger
	logger *logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	listeners []func(Status)
	last      *Status
}

// NewCoordinator creates a coordinator reading from queue. Intermediates
// and the recording are written on the store's filesystem.
func NewCoordinator(
	cfg Config,
	queue *trigger.SaveQueue[*session.Cycle],
	st *store.Store,
	video VideoEncoder,
	audio AudioEncoder,
	merger Merger,
	logger *logging.Logger,
) *Coordinator {
	if cfg.Ext == "" {
		cfg.Ext = "avi"
	}
	if cfg.AudioFormat == (persist.AudioFormat{}) {
		cfg.AudioFormat = persist.DefaultAudioFormat
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = time.Minute
	}
	return &Coordinator{
		cfg:    cfg,
		queue:  queue,
		store:  st,
		fs:     st.Fs(),
		video:  video,
		audio:  audio,
		merger: merger,
		logger: logger.With("component", "save"),
		now:    time.Now,
	}
}

// OnStatus registers a listener for save progress.
func (c *Coordinator) OnStatus(fn func(Status)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Last returns the most recent status, if any.
func (c *Coordinator) Last() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Status{}, false
	}
	return *c.last, true
}

func (c *Coordinator) publish(s Status) {
	s.At = c.now()
	c.mu.Lock()
	c.last = &s
	listeners := append([]func(Status){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// Run saves requests until ctx is done. A save in progress is finished
// with a context that is not canceled, and a request still pending when
// ctx ends is saved before Run returns. Only a handoff violation is
// returned; every other failure is logged and the loop continues.
func (c *Coordinator) Run(ctx context.Context) error {
	saveCtx := context.WithoutCancel(ctx)
	for {
		select {
		case req := <-c.queue.C():
			if err := c.handle(saveCtx, req); errors.IsFatal(err) {
				return err
			}
		case <-ctx.Done():
			select {
			case req := <-c.queue.C():
				if err := c.handle(saveCtx, req); errors.IsFatal(err) {
					return err
				}
			default:
			}
			return nil
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, req trigger.Request[*session.Cycle]) error {
	logger := c.logger.WithSession(req.Target.ID())
	status := Status{SessionID: req.Target.ID(), Reason: req.Reason}
	status.State = StateSaving
	c.publish(status)

	result, err := c.Save(ctx, req)
	switch {
	case err == nil && result.Skipped:
		status.State = StateSkipped
		logger.Info("nothing to persist for this session")
	case err == nil:
		status.State, status.Recording = StateSaved, result.Recording
		logger.Info("recording saved", "recording", result.Recording,
			"frame_rate", result.Manifest.FrameRate, "merged", result.Manifest.Merged)
	case errors.IsSkippable(err):
		status.State, status.Error = StateSkipped, err.Error()
		logger.Warn("session skipped", "error", err.Error())
	default:
		status.State, status.Error = StateFailed, err.Error()
		logger.Error("save failed", "error", err.Error())
	}
	c.publish(status)
	return err
}

type snapshots struct {
	video     recorder.Snapshot[frame.Frame]
	audio     recorder.Snapshot[[]byte]
	telemetry recorder.Snapshot[telemetry.Record]
}

// collect reads every slot of the cycle. A slot that is not written within
// the handoff timeout is saved as empty and drained once it arrives; a
// second read is fatal.
func (c *Coordinator) collect(ctx context.Context, cycle *session.Cycle) (snapshots, error) {
	var snaps snapshots
	var err error
	if snaps.video, err = take(ctx, c, cycle.Video); err != nil {
		return snaps, err
	}
	if cycle.Audio != nil {
		if snaps.audio, err = take(ctx, c, cycle.Audio); err != nil {
			return snaps, err
		}
	}
	if cycle.Telemetry != nil {
		if snaps.telemetry, err = take(ctx, c, cycle.Telemetry); err != nil {
			return snaps, err
		}
	}
	return snaps, nil
}

func take[T any](ctx context.Context, c *Coordinator, slot *handoff.Slot[T]) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.HandoffTimeout)
	defer cancel()
	v, err := slot.Take(tctx)
	if err != nil && !errors.IsFatal(err) {
		c.logger.Error("handoff not received", "slot", slot.Name(), "error", err.Error())
		go drainLate(ctx, c.logger, slot)
		var zero T
		return zero, nil
	}
	return v, err
}

func drainLate[T any](ctx context.Context, logger *logging.Logger, slot *handoff.Slot[T]) {
	if _, err := slot.Take(ctx); err != nil {
		return
	}
	logger.Warn("late handoff discarded", "slot", slot.Name())
}

// Save persists one cycle.
func (c *Coordinator) Save(ctx context.Context, req trigger.Request[*session.Cycle]) (Result, error) {
	cycle := req.Target
	snaps, err := c.collect(ctx, cycle)
	if err != nil {
		return Result{}, err
	}
	if len(snaps.video) == 0 {
		return Result{Skipped: true}, nil
	}

	rate, err := Rate[frame.Frame](session.VideoSource, snaps.video)
	if err != nil {
		return Result{}, err
	}
	if err := overlay.Apply(snaps.video, snaps.telemetry); err != nil {
		return Result{}, fmt.Errorf("failed to apply overlay: %w", err)
	}
	frames := make([]frame.Frame, len(snaps.video))
	for i, s := range snaps.video {
		frames[i] = s.Payload
	}

	if err := c.fs.MkdirAll(c.cfg.TempDir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create temp directory: %w", err)
	}
	if err := c.store.EnsureDir(); err != nil {
		return Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	videoPath := filepath.Join(c.cfg.TempDir, fmt.Sprintf("video_%s.%s", cycle.ID(), c.cfg.Ext))
	audioPath := filepath.Join(c.cfg.TempDir, fmt.Sprintf("audio_%s.wav", cycle.ID()))

	if err := c.video.Encode(ctx, videoPath, rate, frames); err != nil {
		return Result{}, fmt.Errorf("failed to write video: %w", err)
	}

	epoch, out, err := c.store.Reserve(c.now(), c.cfg.Ext)
	if err != nil {
		return Result{}, err
	}
	manifest := Manifest{
		SessionID:   cycle.ID(),
		Reason:      req.Reason,
		TriggeredAt: req.At.UTC(),
		Window:      cycle.Window().String(),
		Recording:   filepath.Base(out),
		FrameRate:   rate,
		Width:       frames[0].Width,
		Height:      frames[0].Height,
		Sources:     []SourceSummary{summarize[frame.Frame](session.VideoSource, snaps.video)},
	}
	if cycle.Audio != nil {
		manifest.Sources = append(manifest.Sources, summarize[[]byte](session.AudioSource, snaps.audio))
	}
	if cycle.Telemetry != nil {
		manifest.Sources = append(manifest.Sources, summarize[telemetry.Record](session.TelemetrySource, snaps.telemetry))
	}

	if len(snaps.audio) > 0 {
		chunks := make([][]byte, len(snaps.audio))
		for i, s := range snaps.audio {
			chunks[i] = s.Payload
		}
		if err := c.audio.Encode(audioPath, c.cfg.AudioFormat, chunks); err != nil {
			return Result{}, fmt.Errorf("failed to write audio: %w", err)
		}
		if err := c.merger.Merge(ctx, videoPath, audioPath, out); err != nil {
			// intermediates stay in the temp directory
			c.remove(out)
			return Result{}, err
		}
		manifest.Merged = true
		c.remove(audioPath)
	} else {
		if err := persist.CopyFile(c.fs, videoPath, out); err != nil {
			return Result{}, fmt.Errorf("failed to copy video: %w", err)
		}
	}
	c.remove(videoPath)

	if _, err := writeManifest(c.fs, c.store.Dir(), epoch, manifest); err != nil {
		c.logger.Warn("failed to write manifest", "error", err.Error())
	}
	if removed, err := c.store.Prune(c.cfg.MaxBytes); err != nil {
		c.logger.Warn("failed to prune recordings", "error", err.Error())
	} else if len(removed) > 0 {
		c.logger.Info("removed old recordings", "removed", removed)
	}
	return Result{Recording: manifest.Recording, Manifest: manifest}, nil
}

func (c *Coordinator) remove(path string) {
	if err := c.fs.Remove(path); err != nil {
		c.logger.Debug("failed to remove intermediate", "path", path, "error", err.Error())
	}
}
