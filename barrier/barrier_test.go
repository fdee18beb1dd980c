package barrier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"strzcam.com/blackbox/errors"
)

func TestDoesNotReleaseBeforeAllReady(t *testing.T) {
	b := New("camera", "microphone", "obd")
	var started atomic.Int32
	var wg sync.WaitGroup
	for _, name := range []string{"camera", "microphone"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			b.Ready(name)
			if err := b.Wait(context.Background()); err == nil {
				started.Add(1)
			}
		}(name)
	}

	_, err := b.Await(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, errors.ErrSourceUnavailable) {
		t.Fatalf("expected SourceUnavailable after timeout with 2 of 3, got %v", err)
	}
	if err := b.Release(); err == nil {
		t.Fatal("expected Release to refuse with a missing participant")
	}
	if started.Load() != 0 {
		t.Fatalf("expected no participant to start, got %d", started.Load())
	}

	b.Ready("obd")
	report, err := b.Await(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if len(report.Ready) != 3 {
		t.Errorf("expected 3 ready, got %v", report.Ready)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	wg.Wait()
	if started.Load() != 2 {
		t.Errorf("expected both waiters released, got %d", started.Load())
	}
}

func TestAwaitBlocksUntilLastReport(t *testing.T) {
	b := New("a", "b", "c")
	b.Ready("a")
	b.Ready("b")

	done := make(chan Report)
	go func() {
		r, _ := b.Await(context.Background(), 0)
		done <- r
	}()

	select {
	case <-done:
		t.Fatal("Await returned with 2 of 3 reported")
	case <-time.After(20 * time.Millisecond):
	}

	b.Ready("c")
	select {
	case r := <-done:
		if !r.Complete() {
			t.Errorf("expected complete report, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not return after last report")
	}
}

func TestFailedParticipantCountsAsReported(t *testing.T) {
	b := New("camera", "obd")
	b.Ready("camera")
	b.Fail("obd", fmt.Errorf("no adapter"))

	report, err := b.Await(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if _, ok := report.Failed["obd"]; !ok {
		t.Errorf("expected obd in failed set, got %+v", report)
	}
	if err := b.Release(); err != nil {
		t.Errorf("expected release with a failed participant, got %v", err)
	}
}

func TestAbortWakesWaiters(t *testing.T) {
	b := New("camera")
	b.Ready("camera")
	errCh := make(chan error)
	go func() { errCh <- b.Wait(context.Background()) }()

	b.Abort(fmt.Errorf("primary failed"))
	select {
	case err := <-errCh:
		if !errors.Is(err, errors.ErrBarrierAborted) {
			t.Errorf("expected ErrBarrierAborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by abort")
	}
	if err := b.Release(); err == nil {
		t.Error("expected release after abort to fail")
	}
	if b.Released() {
		t.Error("aborted barrier must not report released")
	}
}

func TestReleaseIsOneShot(t *testing.T) {
	b := New("camera")
	b.Ready("camera")
	if err := b.Release(); err != nil {
		t.Fatal(err)
	}
	if err := b.Release(); err == nil {
		t.Error("expected second release to fail")
	}
	b.Abort(nil) // no-op
	if err := b.Wait(context.Background()); err != nil {
		t.Errorf("expected released barrier to stay released, got %v", err)
	}
}

func TestUnknownParticipantIgnored(t *testing.T) {
	b := New("camera")
	b.Ready("stranger")
	if _, err := b.Await(context.Background(), 10*time.Millisecond); err == nil {
		t.Error("expected unknown participant not to satisfy the barrier")
	}
}
