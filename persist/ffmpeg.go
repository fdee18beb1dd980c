package persist

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"strzcam.com/blackbox/errors"
	"strzcam.com/blackbox/frame"
	"strzcam.com/blackbox/logging"
)

// DefaultBinary is looked up on PATH.
const DefaultBinary = "ffmpeg"

// Available reports whether binary can be executed.
func Available(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// FFmpegVideo encodes packed frames piped to ffmpeg's stdin.
type FFmpegVideo struct {
	Binary string
	Codec  string // default mpeg4
	Tag    string // default XVID
	Logger *logging.Logger
}

// Encode writes frames as one video at the given frame rate.
func (e *FFmpegVideo) Encode(ctx context.Context, path string, rate float64, frames []frame.Frame) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to encode")
	}
	if rate <= 0 {
		return fmt.Errorf("invalid frame rate %f", rate)
	}
	width, height, format := frames[0].Width, frames[0].Height, frames[0].Format
	for i, f := range frames {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if f.Width != width || f.Height != height {
			return fmt.Errorf("frame %d is %dx%d, expected %dx%d", i, f.Width, f.Height, width, height)
		}
		if f.Format != format {
			return fmt.Errorf("frame %d is %s, expected %s", i, f.Format, format)
		}
	}
	codec, tag := or(e.Codec, "mpeg4"), or(e.Tag, "XVID")

	cmd := exec.CommandContext(ctx, or(e.Binary, DefaultBinary),
		"-y",
		"-v", "error",
		"-f", "rawvideo",
		"-pixel_format", format.String(),
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", fmt.Sprintf("%.4f", rate),
		"-i", "pipe:0",
		"-c:v", codec,
		"-vtag", tag,
		"-q:v", "3",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get ffmpeg stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	if e.Logger != nil {
		e.Logger.Debug("ffmpeg started", "path", path, "width", width, "height", height, "fps", rate, "frames", len(frames))
	}

	w := bufio.NewWriterSize(stdin, frame.Size(width, height))
	var writeErr error
	for _, f := range frames {
		if _, writeErr = w.Write(f.Data); writeErr != nil {
			break
		}
	}
	if writeErr == nil {
		writeErr = w.Flush()
	}
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if writeErr != nil {
		return fmt.Errorf("error writing to ffmpeg stdin: %w", writeErr)
	}
	return nil
}

// FFmpegMerger muxes a video and an audio container into the final
// artifact. The video stream is copied, the audio re-encoded to AAC.
type FFmpegMerger struct {
	Binary string
}

// Merge runs ffmpeg once; failures are not retried.
func (m *FFmpegMerger) Merge(ctx context.Context, video, audio, out string) error {
	cmd := exec.CommandContext(ctx, or(m.Binary, DefaultBinary),
		"-y", "-v", "error",
		"-i", video,
		"-i", audio,
		"-c:v", "copy",
		"-c:a", "aac",
		"-strict", "experimental",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// -y may have left a partial file behind
		_ = os.Remove(out)
		return &errors.MergeError{Video: video, Audio: audio, Output: out, Stderr: stderr.String(), Err: err}
	}
	return nil
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
