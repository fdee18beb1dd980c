package trigger

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

const ctrlC = 0x03

// KeyTrigger fires on any key pressed on the controlling terminal. The
// terminal is put in raw mode, so Ctrl-C arrives as a key and is turned
// into a shutdown.
type KeyTrigger struct {
	In *os.File
	// Input replaces In for tests; raw mode is skipped when it is set.
	Input io.Reader
}

func (k *KeyTrigger) Name() string { return "keyboard" }

func (k *KeyTrigger) Run(ctx context.Context, f Firer) error {
	in := k.Input
	if in == nil {
		file := k.In
		if file == nil {
			file = os.Stdin
		}
		fd := int(file.Fd())
		if !term.IsTerminal(fd) {
			return fmt.Errorf("%s is not a terminal", file.Name())
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer term.Restore(fd, state)
		keepOutputProcessing(fd)
		in = file
	}

	keys := make(chan byte)
	errs := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := in.Read(buf); err != nil {
				errs <- err
				return
			}
			select {
			case keys <- buf[0]:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case key := <-keys:
			if key == ctrlC {
				f.Shutdown("key: ctrl-c")
				continue
			}
			f.Fire(fmt.Sprintf("key: %q", rune(key)))
		case err := <-errs:
			if err == io.EOF {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
