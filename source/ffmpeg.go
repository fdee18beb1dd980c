package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"strzcam.com/blackbox/frame"
	"strzcam.com/blackbox/logging"
)

// process is a capture subprocess whose stdout is read in fixed-size
// chunks.
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *syncBuffer
	size   int
	once   sync.Once
}

func startProcess(ctx context.Context, binary string, size int, args ...string) (*process, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}
	return &process{cmd: cmd, stdout: stdout, stderr: stderr, size: size}, nil
}

// syncBuffer collects stderr written by the exec goroutine.
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

func (p *process) read() ([]byte, error) {
	buf := make([]byte, p.size)
	if _, err := io.ReadFull(p.stdout, buf); err != nil {
		if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return buf, nil
}

func (p *process) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// FFmpegVideo captures a camera through ffmpeg as raw rgb24 frames.
type FFmpegVideo struct {
	Binary string
	Format string // input format, e.g. v4l2
	Device string
	Width  int
	Height int
	FPS    int
	Logger *logging.Logger
}

var _ Source[frame.Frame] = (*FFmpegVideo)(nil)

func (v *FFmpegVideo) args() []string {
	args := []string{"-v", "error", "-f", or(v.Format, "v4l2")}
	if v.Width > 0 && v.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", v.Width, v.Height))
	}
	if v.FPS > 0 {
		args = append(args, "-framerate", fmt.Sprintf("%d", v.FPS))
	}
	return append(args, "-i", v.Device, "-f", "rawvideo", "-pix_fmt", "rgb24", "pipe:1")
}

// Open starts ffmpeg and reads one warm-up frame, so a camera that cannot
// deliver fails here rather than mid-capture.
func (v *FFmpegVideo) Open(ctx context.Context) (Handle[frame.Frame], error) {
	if v.Width <= 0 || v.Height <= 0 {
		return nil, fmt.Errorf("video size must be set, got %dx%d", v.Width, v.Height)
	}
	p, err := startProcess(ctx, or(v.Binary, "ffmpeg"), frame.Size(uint32(v.Width), uint32(v.Height)), v.args()...)
	if err != nil {
		return nil, err
	}
	if _, err := p.read(); err != nil {
		p.Close()
		return nil, fmt.Errorf("camera %s did not deliver a frame: %w", v.Device, err)
	}
	if v.Logger != nil {
		v.Logger.Debug("camera ready", "device", v.Device, "width", v.Width, "height", v.Height)
	}
	return &videoHandle{p: p, width: uint32(v.Width), height: uint32(v.Height)}, nil
}

type videoHandle struct {
	p             *process
	width, height uint32
}

func (h *videoHandle) ReadNext() (frame.Frame, error) {
	data, err := h.p.read()
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{Data: data, Width: h.width, Height: h.height, Format: frame.RGB24}, nil
}

func (h *videoHandle) Close() error { return h.p.Close() }

// FFmpegAudio captures a microphone through ffmpeg as signed 16-bit
// little-endian PCM chunks.
type FFmpegAudio struct {
	Binary      string
	Format      string // alsa or pulse
	Device      string
	Channels    int
	SampleRate  int
	ChunkFrames int
	Logger      *logging.Logger
}

var _ Source[[]byte] = (*FFmpegAudio)(nil)

const sampleWidth = 2

func (a *FFmpegAudio) args() []string {
	return []string{
		"-v", "error",
		"-f", or(a.Format, "alsa"),
		"-i", or(a.Device, "default"),
		"-f", "s16le",
		"-ac", fmt.Sprintf("%d", a.Channels),
		"-ar", fmt.Sprintf("%d", a.SampleRate),
		"pipe:1",
	}
}

// ChunkSize is the byte size of one chunk.
func (a *FFmpegAudio) ChunkSize() int {
	return a.ChunkFrames * a.Channels * sampleWidth
}

func (a *FFmpegAudio) Open(ctx context.Context) (Handle[[]byte], error) {
	if a.Channels <= 0 || a.SampleRate <= 0 || a.ChunkFrames <= 0 {
		return nil, fmt.Errorf("invalid audio settings: %d channels, %d Hz, %d frames per chunk",
			a.Channels, a.SampleRate, a.ChunkFrames)
	}
	p, err := startProcess(ctx, or(a.Binary, "ffmpeg"), a.ChunkSize(), a.args()...)
	if err != nil {
		return nil, err
	}
	if a.Logger != nil {
		a.Logger.Debug("microphone ready", "device", a.Device, "rate", a.SampleRate)
	}
	return &audioHandle{p: p}, nil
}

type audioHandle struct {
	p *process
}

func (h *audioHandle) ReadNext() ([]byte, error) { return h.p.read() }
func (h *audioHandle) Close() error { return h.p.Close() }

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
