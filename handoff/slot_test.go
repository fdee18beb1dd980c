package handoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"strzcam.com/blackbox/errors"
)

func TestPutThenTake(t *testing.T) {
	slot := NewSlot[[]int]("camera")
	if err := slot.Put([]int{1, 2, 3}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !slot.Pending() {
		t.Error("expected slot to be pending after put")
	}
	got, err := slot.Take(context.Background())
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 items, got %d", len(got))
	}
	if slot.Pending() {
		t.Error("expected slot not pending after take")
	}
}

func TestSecondWriteIsViolation(t *testing.T) {
	slot := NewSlot[int]("mic")
	if err := slot.Put(1); err != nil {
		t.Fatal(err)
	}
	err := slot.Put(2)
	if !errors.Is(err, errors.ErrHandoffViolation) {
		t.Fatalf("expected HandoffViolation, got %v", err)
	}
	if !errors.IsFatal(err) {
		t.Error("expected violation to be fatal")
	}
	v, _ := slot.Take(context.Background())
	if v != 1 {
		t.Errorf("expected first value to survive, got %d", v)
	}
}

func TestConcurrentWritersOnlyOneWins(t *testing.T) {
	slot := NewSlot[int]("telemetry")
	var wg sync.WaitGroup
	var mu sync.Mutex
	violations := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if err := slot.Put(v); err != nil {
				mu.Lock()
				violations++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if violations != 15 {
		t.Errorf("expected 15 violations, got %d", violations)
	}
}

func TestSecondReadIsViolation(t *testing.T) {
	slot := NewSlot[int]("camera")
	slot.Put(7)
	if _, err := slot.Take(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := slot.Take(context.Background())
	if !errors.Is(err, errors.ErrHandoffViolation) {
		t.Errorf("expected HandoffViolation on second read, got %v", err)
	}
}

func TestTakeBlocksUntilPut(t *testing.T) {
	slot := NewSlot[string]("camera")
	done := make(chan string)
	go func() {
		v, _ := slot.Take(context.Background())
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("Take returned before Put")
	case <-time.After(20 * time.Millisecond):
	}

	slot.Put("frames")
	select {
	case v := <-done:
		if v != "frames" {
			t.Errorf("expected frames, got %s", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Take")
	}
}

func TestTakeHonoursContext(t *testing.T) {
	slot := NewSlot[int]("camera")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := slot.Take(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if slot.Consumed() {
		t.Error("a cancelled take must not consume the slot")
	}
}
