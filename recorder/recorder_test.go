package recorder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"strzcam.com/blackbox/barrier"
	"strzcam.com/blackbox/errors"
	"strzcam.com/blackbox/handoff"
	"strzcam.com/blackbox/logging"
	"strzcam.com/blackbox/source"
)

// counterHandle yields increasing integers, one per tick of the fake clock.
type counterHandle struct {
	mu     sync.Mutex
	next   int
	failAt int
	delay  time.Duration
	closed bool
}

func (h *counterHandle) ReadNext() (int, error) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAt > 0 && h.next == h.failAt {
		return 0, io.ErrUnexpectedEOF
	}
	h.next++
	return h.next, nil
}

func (h *counterHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

// stepClock advances one second on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newRecorder(src source.Source[int], gate *barrier.Barrier, slot *handoff.Slot[Snapshot[int]], window time.Duration) *Recorder[int] {
	clock := &stepClock{now: time.Unix(1_700_000_000, 0)}
	return New[int]("counter", src, window, gate, slot, logging.NopLogger(), WithClock(clock.Now))
}

func waitState(t *testing.T, r Runner, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("recorder did not reach %s, stuck in %s", want, r.State())
}

func TestLifecycleHandsOffTrailingWindow(t *testing.T) {
	handle := &counterHandle{delay: 100 * time.Microsecond}
	src := source.Func[int](func(context.Context) (source.Handle[int], error) { return handle, nil })
	gate := barrier.New("counter")
	slot := handoff.NewSlot[Snapshot[int]]("counter")
	rec := newRecorder(src, gate, slot, 3*time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- rec.Run(context.Background()) }()

	waitState(t, rec, WaitingReady)
	if _, err := gate.Await(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	if err := gate.Release(); err != nil {
		t.Fatal(err)
	}
	waitState(t, rec, Running)
	for rec.Samples() < 10 {
		time.Sleep(time.Millisecond)
	}

	if !rec.Stop() {
		t.Error("expected first Stop to flip the flag")
	}
	if rec.Stop() {
		t.Error("expected second Stop to be a no-op")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	snap, err := slot.Take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// one sample per second and a 3s window: at most 4 samples survive
	if len(snap) == 0 || len(snap) > 4 {
		t.Fatalf("expected 1..4 samples in window, got %d", len(snap))
	}
	newest := snap[len(snap)-1]
	for _, s := range snap {
		if newest.At.Sub(s.At) > 3*time.Second {
			t.Errorf("sample %d is outside the window", s.Payload)
		}
	}
	if rec.State() != HandedOff {
		t.Errorf("expected HANDED_OFF, got %s", rec.State())
	}
	if !handle.closed {
		t.Error("expected handle to be closed")
	}
}

func TestOpenFailureStillHandsOff(t *testing.T) {
	src := source.Func[int](func(context.Context) (source.Handle[int], error) {
		return nil, fmt.Errorf("no such device")
	})
	gate := barrier.New("counter")
	slot := handoff.NewSlot[Snapshot[int]]("counter")
	rec := newRecorder(src, gate, slot, time.Second)

	err := rec.Run(context.Background())
	if !errors.Is(err, errors.ErrSourceUnavailable) {
		t.Fatalf("expected SourceUnavailable, got %v", err)
	}
	if rec.State() != Failed {
		t.Errorf("expected FAILED, got %s", rec.State())
	}
	report, _ := gate.Await(context.Background(), 10*time.Millisecond)
	if _, ok := report.Failed["counter"]; !ok {
		t.Error("expected failure to be reported to the barrier")
	}
	snap, err := slot.Take(context.Background())
	if err != nil || len(snap) != 0 {
		t.Errorf("expected empty snapshot, got %v, %v", snap, err)
	}
}

func TestMidRunFailureStopsEarly(t *testing.T) {
	handle := &counterHandle{failAt: 5}
	src := source.Func[int](func(context.Context) (source.Handle[int], error) { return handle, nil })
	gate := barrier.New("counter")
	slot := handoff.NewSlot[Snapshot[int]]("counter")
	rec := newRecorder(src, gate, slot, time.Minute)

	go func() {
		gate.Await(context.Background(), time.Second)
		gate.Release()
	}()
	if err := rec.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if !errors.Is(rec.Err(), errors.ErrSourceUnavailable) {
		t.Errorf("expected mid-run SourceUnavailable, got %v", rec.Err())
	}
	snap, _ := slot.Take(context.Background())
	if len(snap) != 5 {
		t.Errorf("expected truncated snapshot of 5, got %d", len(snap))
	}
}

func TestStopBeforeReleaseYieldsEmptySnapshot(t *testing.T) {
	handle := &counterHandle{}
	src := source.Func[int](func(context.Context) (source.Handle[int], error) { return handle, nil })
	gate := barrier.New("counter")
	slot := handoff.NewSlot[Snapshot[int]]("counter")
	rec := newRecorder(src, gate, slot, time.Minute)
	rec.Stop()

	go func() {
		gate.Await(context.Background(), time.Second)
		gate.Release()
	}()
	if err := rec.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap, _ := slot.Take(context.Background())
	if len(snap) != 0 {
		t.Errorf("expected empty snapshot, got %d samples", len(snap))
	}
}

func TestAbortedBarrierStillHandsOff(t *testing.T) {
	handle := &counterHandle{}
	src := source.Func[int](func(context.Context) (source.Handle[int], error) { return handle, nil })
	gate := barrier.New("counter", "other")
	slot := handoff.NewSlot[Snapshot[int]]("counter")
	rec := newRecorder(src, gate, slot, time.Minute)

	go func() {
		waitState(t, rec, WaitingReady)
		gate.Abort(fmt.Errorf("other never came up"))
	}()
	if err := rec.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slot.Written() {
		t.Error("expected slot written after abort")
	}
	if !handle.closed {
		t.Error("expected handle closed after abort")
	}
}

func TestPrewrittenSlotIsFatal(t *testing.T) {
	handle := &counterHandle{}
	src := source.Func[int](func(context.Context) (source.Handle[int], error) { return handle, nil })
	gate := barrier.New("counter")
	slot := handoff.NewSlot[Snapshot[int]]("counter")
	slot.Put(nil)
	rec := newRecorder(src, gate, slot, time.Minute)
	rec.Stop()

	go func() {
		gate.Await(context.Background(), time.Second)
		gate.Release()
	}()
	if err := rec.Run(context.Background()); !errors.IsFatal(err) {
		t.Errorf("expected fatal handoff violation, got %v", err)
	}
}

func TestStateStrings(t *testing.T) {
	for s, want := range map[State]string{
		Init: "INIT", WaitingReady: "WAITING_READY", Armed: "ARMED", Running: "RUNNING",
		Stopped: "STOPPED", HandedOff: "HANDED_OFF", Failed: "FAILED", State(99): "UNKNOWN",
	} {
		if s.String() != want {
			t.Errorf("%d: got %s, want %s", s, s.String(), want)
		}
	}
	if !HandedOff.Terminal() || !Failed.Terminal() || Running.Terminal() {
		t.Error("unexpected Terminal classification")
	}
}
