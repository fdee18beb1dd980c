package trigger

import (
	"context"

	"github.com/sourcegraph/conc"

	"strzcam.com/blackbox/logging"
)

// Source is an independent producer of trigger events.
type Source interface {
	Name() string
	// Run delivers events to f until ctx is done.
	Run(ctx context.Context, f Firer) error
}

// RunAll runs every source on its own goroutine and blocks until all of
// them returned. A source that fails or panics is logged and does not stop
// the others.
func RunAll(ctx context.Context, f Firer, logger *logging.Logger, sources ...Source) {
	var wg conc.WaitGroup
	for _, src := range sources {
		wg.Go(func() {
			l := logger.With("trigger", src.Name())
			l.Info("trigger source started")
			if err := src.Run(ctx, f); err != nil && ctx.Err() == nil {
				l.Error("trigger source stopped", "error", err.Error())
				return
			}
			l.Debug("trigger source stopped")
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		logger.Error("trigger source panicked", "panic", r.String())
	}
}
