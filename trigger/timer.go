package trigger

import (
	"context"
	"fmt"
	"time"
)

// TimerTrigger fires periodically.
type TimerTrigger struct {
	Interval time.Duration
}

func (t *TimerTrigger) Name() string { return "timer" }

func (t *TimerTrigger) Run(ctx context.Context, f Firer) error {
	if t.Interval <= 0 {
		return fmt.Errorf("timer interval must be positive, got %s", t.Interval)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.Fire("timer")
		case <-ctx.Done():
			return nil
		}
	}
}
