package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"strzcam.com/blackbox/frame"
	"strzcam.com/blackbox/logging"
)

// shmHeaderSize is an int8 tag followed by a little-endian uint32 length.
const shmHeaderSize = 5

// SharedMemory reads frames an external camera process publishes into a
// single file, usually under /dev/shm.
type SharedMemory struct {
	Path   string
	Width  int
	Height int
	Format frame.PixelFormat
	// Stall fails the read when no new frame arrives for this long.
	Stall  time.Duration
	Logger *logging.Logger
}

var _ Source[frame.Frame] = (*SharedMemory)(nil)

func (s *SharedMemory) Open(ctx context.Context) (Handle[frame.Frame], error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(s.Path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.Path), err)
	}
	logger := s.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	stall := s.Stall
	if stall <= 0 {
		stall = 5 * time.Second
	}
	return &shmHandle{
		ctx:     ctx,
		src:     s,
		watcher: watcher,
		stall:   stall,
		logger:  logger,
	}, nil
}

type shmHandle struct {
	ctx     context.Context
	src     *SharedMemory
	watcher *fsnotify.Watcher
	stall   time.Duration
	last    []byte
	logger  *logging.Logger
}

// ReadNext blocks until the publisher writes a frame different from the
// previous one.
func (h *shmHandle) ReadNext() (frame.Frame, error) {
	timer := time.NewTimer(h.stall)
	defer timer.Stop()
	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return frame.Frame{}, fmt.Errorf("watcher closed")
			}
			if event.Name != h.src.Path ||
				(event.Op&fsnotify.Write != fsnotify.Write && event.Op&fsnotify.Create != fsnotify.Create) {
				continue
			}
			data, tag, err := readShm(h.src.Path)
			if err != nil {
				h.logger.Warn("error reading frame from shared memory", "error", err.Error())
				continue
			}
			// skip the same event triggered twice
			if bytes.Equal(data, h.last) {
				continue
			}
			f := frame.Frame{Data: data, Width: uint32(h.src.Width), Height: uint32(h.src.Height), Format: h.src.Format}
			if err := f.Validate(); err != nil {
				h.logger.Warn("dropping frame", "error", err.Error(), "tag", tag)
				continue
			}
			h.last = data
			return f, nil
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return frame.Frame{}, fmt.Errorf("watcher closed")
			}
			h.logger.Warn("watcher error", "error", err.Error())
		case <-timer.C:
			return frame.Frame{}, fmt.Errorf("no frame published to %s for %s", h.src.Path, h.stall)
		case <-h.ctx.Done():
			return frame.Frame{}, h.ctx.Err()
		}
	}
}

func (h *shmHandle) Close() error {
	return h.watcher.Close()
}

func readShm(path string) ([]byte, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if len(data) < shmHeaderSize {
		return nil, 0, fmt.Errorf("invalid frame data: too short")
	}
	tag := int(int8(data[0]))
	length := binary.LittleEndian.Uint32(data[1:shmHeaderSize])
	if int(length) > len(data)-shmHeaderSize {
		return nil, tag, fmt.Errorf("invalid frame data: header claims %d bytes, file has %d", length, len(data)-shmHeaderSize)
	}
	return data[shmHeaderSize : shmHeaderSize+int(length)], tag, nil
}
