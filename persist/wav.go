// Package persist writes snapshots to container files and merges them with
// ffmpeg.
package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"

	"github.com/spf13/afero"
)

// AudioFormat describes interleaved PCM chunks.
type AudioFormat struct {
	Channels    int `mapstructure:"channels" yaml:"channels"`
	SampleWidth int `mapstructure:"sample_width" yaml:"sample_width"` // bytes per sample
	SampleRate  int `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// DefaultAudioFormat is mono 16-bit at 44.1kHz.
var DefaultAudioFormat = AudioFormat{Channels: 1, SampleWidth: 2, SampleRate: 44100}

// Validate checks that the format can be written.
func (f AudioFormat) Validate() error {
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return fmt.Errorf("invalid audio format: %d channels at %d Hz", f.Channels, f.SampleRate)
	}
	if f.SampleWidth < 1 || f.SampleWidth > 4 {
		return fmt.Errorf("invalid audio format: sample width %d", f.SampleWidth)
	}
	return nil
}

// FrameSize is the byte size of one sample across all channels.
func (f AudioFormat) FrameSize() int {
	return f.Channels * f.SampleWidth
}

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	Subchunk2Size uint32
}

const wavHeaderSize = 44

// WAV writes RIFF/WAVE PCM files.
type WAV struct {
	Fs afero.Fs
}

// Encode writes chunks, in order, as one WAV file at path.
func (w *WAV) Encode(path string, format AudioFormat, chunks [][]byte) error {
	if err := format.Validate(); err != nil {
		return err
	}
	var dataLen int
	for _, c := range chunks {
		dataLen += len(c)
	}
	if rem := dataLen % format.FrameSize(); rem != 0 {
		return fmt.Errorf("audio data of %d bytes is not a whole number of %d byte frames", dataLen, format.FrameSize())
	}

	f, err := w.Fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	header := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(wavHeaderSize - 8 + dataLen),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate * format.FrameSize()),
		BlockAlign:    uint16(format.FrameSize()),
		BitsPerSample: uint16(8 * format.SampleWidth),
		Data:          [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataLen),
	}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, c := range chunks {
		if _, err := bw.Write(c); err != nil {
			return fmt.Errorf("failed to write audio data: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// CopyFile copies src to dst on fsys.
func CopyFile(fsys afero.Fs, src, dst string) error {
	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := fsys.Create(dst)
	if err != nil {
		return err
	}
	if _, err := bufio.NewReader(in).WriteTo(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
