package save

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"strzcam.com/blackbox/errors"
	"strzcam.com/blackbox/frame"
	"strzcam.com/blackbox/handoff"
	"strzcam.com/blackbox/logging"
	"strzcam.com/blackbox/persist"
	"strzcam.com/blackbox/recorder"
	"strzcam.com/blackbox/session"
	"strzcam.com/blackbox/source"
	"strzcam.com/blackbox/store"
	"strzcam.com/blackbox/telemetry"
	"strzcam.com/blackbox/trigger"
)

const (
	testWidth  = 320
	testHeight = 240
)

// sliceSource replays items, then ends with io.EOF.
type sliceSource[T any] struct {
	items []T
}

func (s sliceSource[T]) Open(context.Context) (source.Handle[T], error) {
	return &sliceHandle[T]{items: s.items}, nil
}

type sliceHandle[T any] struct {
	items []T
	i     int
}

func (h *sliceHandle[T]) ReadNext() (T, error) {
	var zero T
	if h.i >= len(h.items) {
		return zero, io.EOF
	}
	v := h.items[h.i]
	h.i++
	return v, nil
}

func (h *sliceHandle[T]) Close() error { return nil }

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func frames(n int) []frame.Frame {
	out := make([]frame.Frame, n)
	for i := range out {
		out[i] = frame.Frame{
			Data:   make([]byte, frame.Size(testWidth, testHeight)),
			Width:  testWidth,
			Height: testHeight,
			Format: frame.RGB24,
		}
	}
	return out
}

func chunks(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, 64)
	}
	return out
}

type fakeVideo struct {
	fs     afero.Fs
	calls  int
	rate   float64
	frames []frame.Frame
}

func (v *fakeVideo) Encode(_ context.Context, path string, rate float64, frames []frame.Frame) error {
	v.calls++
	v.rate, v.frames = rate, frames
	return afero.WriteFile(v.fs, path, []byte("video"), 0644)
}

type fakeMerger struct {
	fs    afero.Fs
	calls int
	err   error
}

func (m *fakeMerger) Merge(_ context.Context, video, audio, out string) error {
	m.calls++
	if m.err != nil {
		// ffmpeg -y creates the output before failing
		afero.WriteFile(m.fs, out, []byte("partial"), 0644)
		return &errors.MergeError{Video: video, Audio: audio, Output: out, Err: m.err}
	}
	return afero.WriteFile(m.fs, out, []byte("merged"), 0644)
}

// capture runs the session loop until the first cycle is queued. The
// sources run dry on their own, so the loop saves what they captured.
func capture(t *testing.T, step time.Duration, sources session.Sources) trigger.Request[*session.Cycle] {
	t.Helper()
	clock := &stepClock{now: time.Unix(1_700_000_000, 0), step: step}
	queue := session.NewQueue()
	disp := trigger.NewDispatcher(queue, logging.NopLogger())
	cfg := session.Config{Window: time.Hour, BarrierTimeout: time.Second, RetryDelay: time.Millisecond}
	loop, err := session.New(cfg, sources, disp, logging.NopLogger(),
		session.WithRecorderOptions(recorder.WithClock(clock.Now)))
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(context.Background()) }()

	var req trigger.Request[*session.Cycle]
	select {
	case req = <-queue.C():
	case <-time.After(3 * time.Second):
		t.Fatal("no save request")
	}
	disp.Shutdown("test done")
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	return req
}

type fixture struct {
	fs     afero.Fs
	store  *store.Store
	video  *fakeVideo
	merger *fakeMerger
	coord  *Coordinator
	queue  *trigger.SaveQueue[*session.Cycle]
}

func newFixture() *fixture {
	fs := afero.NewMemMapFs()
	f := &fixture{
		fs:     fs,
		store:  store.New(fs, "recordings"),
		video:  &fakeVideo{fs: fs},
		merger: &fakeMerger{fs: fs},
		queue:  session.NewQueue(),
	}
	f.coord = NewCoordinator(Config{TempDir: "temp", HandoffTimeout: time.Second},
		f.queue, f.store, f.video, &persist.WAV{Fs: fs}, f.merger, logging.NopLogger())
	return f
}

func (f *fixture) tempFiles(t *testing.T) []string {
	t.Helper()
	entries, err := afero.ReadDir(f.fs, "temp")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSaveMergesAllSources(t *testing.T) {
	f := newFixture()
	records := []telemetry.Record{{"speed": 40}, {"speed": 42}, {"speed": 44}}
	req := capture(t, 100*time.Millisecond, session.Sources{
		Video:     sliceSource[frame.Frame]{items: frames(5)},
		Audio:     sliceSource[[]byte]{items: chunks(5)},
		Telemetry: sliceSource[telemetry.Record]{items: records},
	})

	result, err := f.coord.Save(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Skipped || !result.Manifest.Merged {
		t.Fatalf("unexpected result %+v", result)
	}
	data, err := afero.ReadFile(f.fs, filepath.Join("recordings", result.Recording))
	if err != nil || string(data) != "merged" {
		t.Errorf("expected merged recording, got %q, %v", data, err)
	}
	if len(f.video.frames) != 5 || f.video.rate <= 0 {
		t.Errorf("encoder got %d frames at %v fps", len(f.video.frames), f.video.rate)
	}
	if left := f.tempFiles(t); len(left) != 0 {
		t.Errorf("expected intermediates removed, found %v", left)
	}

	recs, err := f.store.List()
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one recording, got %v, %v", recs, err)
	}
	m, err := ReadManifest(f.fs, filepath.Join("recordings", recs[0].Manifest))
	if err != nil {
		t.Fatal(err)
	}
	if m.SessionID != req.Target.ID() || m.Reason != "sources ended" || len(m.Sources) != 3 {
		t.Errorf("unexpected manifest %+v", m)
	}
	if m.Sources[0].Name != session.VideoSource || m.Sources[0].Samples != 5 {
		t.Errorf("unexpected video summary %+v", m.Sources[0])
	}
	if m.Width != testWidth || m.Height != testHeight {
		t.Errorf("unexpected geometry %dx%d", m.Width, m.Height)
	}
}

func TestSaveWithoutAudioCopiesVideo(t *testing.T) {
	f := newFixture()
	req := capture(t, 100*time.Millisecond, session.Sources{
		Video: sliceSource[frame.Frame]{items: frames(4)},
	})
	result, err := f.coord.Save(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Manifest.Merged || f.merger.calls != 0 {
		t.Error("expected no merge without an audio source")
	}
	data, _ := afero.ReadFile(f.fs, filepath.Join("recordings", result.Recording))
	if string(data) != "video" {
		t.Errorf("expected the video copied as the recording, got %q", data)
	}
}

func TestSaveWithEmptyAudioCopiesVideo(t *testing.T) {
	f := newFixture()
	req := capture(t, 100*time.Millisecond, session.Sources{
		Video: sliceSource[frame.Frame]{items: frames(4)},
		Audio: sliceSource[[]byte]{},
	})
	result, err := f.coord.Save(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if f.merger.calls != 0 {
		t.Error("expected merge skipped for an empty audio snapshot")
	}
	if len(result.Manifest.Sources) != 2 || result.Manifest.Sources[1].Samples != 0 {
		t.Errorf("unexpected summaries %+v", result.Manifest.Sources)
	}
}

func TestMergeFailureKeepsIntermediates(t *testing.T) {
	f := newFixture()
	f.merger.err = fmt.Errorf("exit status 1")
	req := capture(t, 100*time.Millisecond, session.Sources{
		Video: sliceSource[frame.Frame]{items: frames(3)},
		Audio: sliceSource[[]byte]{items: chunks(3)},
	})
	_, err := f.coord.Save(context.Background(), req)
	if !errors.Is(err, errors.ErrMergeFailure) {
		t.Fatalf("expected MergeFailure, got %v", err)
	}
	if recs, _ := f.store.List(); len(recs) != 0 {
		t.Errorf("expected no recording, got %v", recs)
	}
	if files, _ := afero.ReadDir(f.fs, "recordings"); len(files) != 0 {
		t.Errorf("expected partial output removed, got %d files", len(files))
	}
	id := req.Target.ID()
	for _, name := range []string{"video_" + id + ".avi", "audio_" + id + ".wav"} {
		if ok, _ := afero.Exists(f.fs, filepath.Join("temp", name)); !ok {
			t.Errorf("expected %s kept for inspection", name)
		}
	}
}

// syncBuffer collects log output written from other goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLateHandoffIsDrained(t *testing.T) {
	f := newFixture()
	var logs syncBuffer
	coord := NewCoordinator(Config{TempDir: "temp", HandoffTimeout: 20 * time.Millisecond},
		f.queue, f.store, f.video, &persist.WAV{Fs: f.fs}, f.merger, logging.New(&logs, "debug"))
	req := capture(t, 100*time.Millisecond, session.Sources{
		Video: sliceSource[frame.Frame]{items: frames(3)},
		Audio: sliceSource[[]byte]{items: chunks(3)},
	})
	late := handoff.NewSlot[recorder.Snapshot[[]byte]](session.AudioSource)
	req.Target.Audio = late

	result, err := coord.Save(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Manifest.Merged || f.merger.calls != 0 {
		t.Error("expected the video to be saved without audio")
	}
	if err := late.Put(nil); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "late handoff discarded") {
		if time.Now().After(deadline) {
			t.Fatalf("late snapshot not drained, logs: %s", logs.String())
		}
		time.Sleep(time.Millisecond)
	}
	if !late.Consumed() {
		t.Error("expected the late slot to be read")
	}
}

func TestDegenerateCaptureIsSkippable(t *testing.T) {
	f := newFixture()
	req := capture(t, 0, session.Sources{
		Video: sliceSource[frame.Frame]{items: frames(3)},
	})
	_, err := f.coord.Save(context.Background(), req)
	if !errors.Is(err, errors.ErrDegenerateCapture) || !errors.IsSkippable(err) {
		t.Fatalf("expected skippable DegenerateCapture, got %v", err)
	}
	if f.video.calls != 0 {
		t.Error("expected nothing encoded")
	}
}

func TestEmptyVideoIsSkipped(t *testing.T) {
	f := newFixture()
	req := capture(t, time.Second, session.Sources{
		Video: sliceSource[frame.Frame]{},
	})
	result, err := f.coord.Save(context.Background(), req)
	if err != nil || !result.Skipped {
		t.Fatalf("expected skipped save, got %+v, %v", result, err)
	}
}

func TestSecondSaveOfCycleIsFatal(t *testing.T) {
	f := newFixture()
	req := capture(t, 100*time.Millisecond, session.Sources{
		Video: sliceSource[frame.Frame]{items: frames(2)},
	})
	if _, err := f.coord.Save(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Save(context.Background(), req); !errors.IsFatal(err) {
		t.Errorf("expected handoff violation on second read, got %v", err)
	}
}

func TestRunSavesPendingRequestOnCancel(t *testing.T) {
	f := newFixture()
	req := capture(t, 100*time.Millisecond, session.Sources{
		Video: sliceSource[frame.Frame]{items: frames(3)},
	})
	var (
		mu     sync.Mutex
		states []State
	)
	f.coord.OnStatus(func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	if !f.queue.TryEnqueue(req) {
		t.Fatal("enqueue failed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.coord.Run(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateSaving || states[1] != StateSaved {
		t.Errorf("unexpected status sequence %v", states)
	}
	last, ok := f.coord.Last()
	if !ok || last.State != StateSaved || last.SessionID != req.Target.ID() || last.Recording == "" {
		t.Errorf("unexpected last status %+v", last)
	}
	if f.queue.Len() != 0 {
		t.Error("expected the queue drained")
	}
}

func TestPruneAfterSave(t *testing.T) {
	f := newFixture()
	f.coord.cfg.MaxBytes = 1
	for epoch := int64(100); epoch < 103; epoch++ {
		path := filepath.Join("recordings", store.Name(epoch, "avi"))
		if err := afero.WriteFile(f.fs, path, []byte("old recording"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	req := capture(t, 100*time.Millisecond, session.Sources{
		Video: sliceSource[frame.Frame]{items: frames(2)},
	})
	result, err := f.coord.Save(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	recs, _ := f.store.List()
	if len(recs) != 1 || recs[0].Name != result.Recording {
		t.Errorf("expected only the new recording to survive, got %v", recs)
	}
}
