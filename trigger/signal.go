package trigger

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// SignalTrigger saves and shuts down on a process interrupt.
type SignalTrigger struct {
	Signals []os.Signal
}

// NewSignalTrigger listens for SIGINT and SIGTERM.
func NewSignalTrigger() *SignalTrigger {
	return &SignalTrigger{Signals: []os.Signal{unix.SIGINT, unix.SIGTERM}}
}

func (s *SignalTrigger) Name() string { return "signal" }

func (s *SignalTrigger) Run(ctx context.Context, f Firer) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, s.Signals...)
	defer signal.Stop(ch)
	for {
		select {
		case sig := <-ch:
			f.Shutdown("signal: " + sig.String())
		case <-ctx.Done():
			return nil
		}
	}
}
