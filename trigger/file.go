package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"strzcam.com/blackbox/logging"
)

// FileTrigger fires when a file is created or written in Dir, e.g. by a
// GPIO button daemon. Created files are removed once they fired so the next
// press can create them again.
type FileTrigger struct {
	Dir    string
	Logger *logging.Logger
}

func (t *FileTrigger) Name() string { return "file" }

func (t *FileTrigger) Run(ctx context.Context, f Firer) error {
	if err := os.MkdirAll(t.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create trigger directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(t.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", t.Dir, err)
	}
	logger := t.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				f.Fire("file: " + filepath.Base(event.Name))
				if event.Op&fsnotify.Create == fsnotify.Create {
					if err := os.Remove(event.Name); err != nil && !os.IsNotExist(err) {
						logger.Warn("failed to remove trigger file", "path", event.Name, "error", err.Error())
					}
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err.Error())
		case <-ctx.Done():
			return nil
		}
	}
}
