// Package config holds the recorder configuration.
//
// Values come, in increasing precedence, from Default, an optional YAML
// file, a .env file, BLACKBOX_* environment variables and command line
// flags. The cli package wires viper to all of them; Load reads the result.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"strzcam.com/blackbox/persist"
)

// Config represents the complete recorder configuration
type Config struct {
	Capture CaptureConfig `mapstructure:"capture"`
	Session SessionConfig `mapstructure:"session"`
	Trigger TriggerConfig `mapstructure:"trigger"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Output  OutputConfig  `mapstructure:"output"`
	Merge   MergeConfig   `mapstructure:"merge"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CaptureConfig controls what is sampled and for how long it is kept
type CaptureConfig struct {
	// DurationSeconds is the trailing window kept by every recorder
	DurationSeconds int             `mapstructure:"duration_seconds"`
	Video           VideoConfig     `mapstructure:"video"`
	Audio           AudioConfig     `mapstructure:"audio"`
	Telemetry       TelemetryConfig `mapstructure:"telemetry"`
}

// VideoConfig selects the camera adapter.
type VideoConfig struct {
	// Source is "ffmpeg" to read a device through ffmpeg or "shm" to follow
	// frames published to shared memory by another process
	Source string `mapstructure:"source"`
	// Format is the ffmpeg input format, e.g. v4l2 or avfoundation
	Format  string `mapstructure:"format"`
	Device  string `mapstructure:"device"`
	Width   int    `mapstructure:"width"`
	Height  int    `mapstructure:"height"`
	FPS     int    `mapstructure:"fps"`
	ShmPath string `mapstructure:"shm_path"`
	// StallMs fails a shared memory read after this long without a new frame
	StallMs int `mapstructure:"stall_ms"`
}

// AudioConfig selects the microphone.
type AudioConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Format      string `mapstructure:"format"`
	Device      string `mapstructure:"device"`
	Channels    int    `mapstructure:"channels"`
	SampleRate  int    `mapstructure:"sample_rate"`
	ChunkFrames int    `mapstructure:"chunk_frames"`
}

// TelemetryConfig selects the OBD-II adapter.
type TelemetryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Port       string `mapstructure:"port"`
	Baud       int    `mapstructure:"baud"`
	Protocol   string `mapstructure:"protocol"`
	IntervalMs int    `mapstructure:"interval_ms"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
	// DataLog is the file in paths.log_dir receiving one line per record
	DataLog string `mapstructure:"data_log"`
}

// SessionConfig controls the capture cycle
type SessionConfig struct {
	BarrierTimeoutSeconds int `mapstructure:"barrier_timeout_seconds"`
	// OnSourceFailure is "degrade" or "abort"
	OnSourceFailure         string `mapstructure:"on_source_failure"`
	RetryDelaySeconds       int    `mapstructure:"retry_delay_seconds"`
	ProgressIntervalSeconds int    `mapstructure:"progress_interval_seconds"`
	HandoffTimeoutSeconds   int    `mapstructure:"handoff_timeout_seconds"`
}

// TriggerConfig enables the trigger sources
type TriggerConfig struct {
	Keyboard bool `mapstructure:"keyboard"`
	Signals  bool `mapstructure:"signals"`
	// Dir is watched for files that act as triggers (empty disables)
	Dir string `mapstructure:"dir"`
	// IntervalSeconds saves periodically (0 disables)
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// PathsConfig controls where files go
type PathsConfig struct {
	TempDir   string `mapstructure:"temp_dir"`
	OutputDir string `mapstructure:"output_dir"`
	// LogDir holds the process log and the telemetry data log. Empty logs
	// to stderr only and disables the data log.
	LogDir string `mapstructure:"log_dir"`
}

// OutputConfig controls the recordings
type OutputConfig struct {
	Ext   string `mapstructure:"ext"`
	Codec string `mapstructure:"codec"`
	Tag   string `mapstructure:"tag"`
	// MaxBytes caps the output directory, oldest recordings go first (0 = unlimited)
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// MergeConfig locates the muxer
type MergeConfig struct {
	FFmpeg string `mapstructure:"ffmpeg"`
}

// ServerConfig controls the operator web page
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig controls the process log
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			DurationSeconds: 300,
			Video: VideoConfig{
				Source:  VideoSourceFFmpeg,
				Format:  "v4l2",
				Device:  "/dev/video0",
				Width:   640,
				Height:  480,
				FPS:     30,
				ShmPath: "/dev/shm/blackbox_frame",
				StallMs: 5000,
			},
			Audio: AudioConfig{
				Enabled:     true,
				Format:      "alsa",
				Device:      "default",
				Channels:    1,
				SampleRate:  44100,
				ChunkFrames: 2048,
			},
			Telemetry: TelemetryConfig{
				Enabled:    true,
				Port:       "/dev/ttyUSB0",
				Baud:       38400,
				Protocol:   "0", // automatic
				IntervalMs: 200,
				TimeoutMs:  2000,
				DataLog:    "car.data",
			},
		},
		Session: SessionConfig{
			BarrierTimeoutSeconds:   30,
			OnSourceFailure:         "degrade",
			RetryDelaySeconds:       5,
			ProgressIntervalSeconds: 30,
			HandoffTimeoutSeconds:   60,
		},
		Trigger: TriggerConfig{
			Keyboard: true,
			Signals:  true,
		},
		Paths: PathsConfig{
			TempDir:   "temp",
			OutputDir: "out",
			LogDir:    "log",
		},
		Output: OutputConfig{
			Ext:   "avi",
			Codec: "mpeg4",
			Tag:   "XVID",
		},
		Merge: MergeConfig{
			FFmpeg: "ffmpeg",
		},
		Server: ServerConfig{
			Enabled: false,
			Addr:    ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Video sources
const (
	VideoSourceFFmpeg = "ffmpeg"
	VideoSourceShm    = "shm"
)

// Window is the capture duration.
func (c *CaptureConfig) Window() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// Stall is the shared memory stall timeout.
func (c *VideoConfig) Stall() time.Duration {
	return time.Duration(c.StallMs) * time.Millisecond
}

// PCM returns the PCM layout produced by the audio source.
func (c *AudioConfig) PCM() persist.AudioFormat {
	return persist.AudioFormat{Channels: c.Channels, SampleWidth: 2, SampleRate: c.SampleRate}
}

// Interval is the time between two telemetry polls.
func (c *TelemetryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Timeout bounds one adapter response.
func (c *TelemetryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *SessionConfig) BarrierTimeout() time.Duration {
	return time.Duration(c.BarrierTimeoutSeconds) * time.Second
}

func (c *SessionConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c *SessionConfig) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalSeconds) * time.Second
}

func (c *SessionConfig) HandoffTimeout() time.Duration {
	return time.Duration(c.HandoffTimeoutSeconds) * time.Second
}

// Interval is the periodic trigger interval, zero when disabled.
func (c *TriggerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Capture defaults
	viper.SetDefault("capture.duration_seconds", defaults.Capture.DurationSeconds)
	viper.SetDefault("capture.video.source", defaults.Capture.Video.Source)
	viper.SetDefault("capture.video.format", defaults.Capture.Video.Format)
	viper.SetDefault("capture.video.device", defaults.Capture.Video.Device)
	viper.SetDefault("capture.video.width", defaults.Capture.Video.Width)
	viper.SetDefault("capture.video.height", defaults.Capture.Video.Height)
	viper.SetDefault("capture.video.fps", defaults.Capture.Video.FPS)
	viper.SetDefault("capture.video.shm_path", defaults.Capture.Video.ShmPath)
	viper.SetDefault("capture.video.stall_ms", defaults.Capture.Video.StallMs)
	viper.SetDefault("capture.audio.enabled", defaults.Capture.Audio.Enabled)
	viper.SetDefault("capture.audio.format", defaults.Capture.Audio.Format)
	viper.SetDefault("capture.audio.device", defaults.Capture.Audio.Device)
	viper.SetDefault("capture.audio.channels", defaults.Capture.Audio.Channels)
	viper.SetDefault("capture.audio.sample_rate", defaults.Capture.Audio.SampleRate)
	viper.SetDefault("capture.audio.chunk_frames", defaults.Capture.Audio.ChunkFrames)
	viper.SetDefault("capture.telemetry.enabled", defaults.Capture.Telemetry.Enabled)
	viper.SetDefault("capture.telemetry.port", defaults.Capture.Telemetry.Port)
	viper.SetDefault("capture.telemetry.baud", defaults.Capture.Telemetry.Baud)
	viper.SetDefault("capture.telemetry.protocol", defaults.Capture.Telemetry.Protocol)
	viper.SetDefault("capture.telemetry.interval_ms", defaults.Capture.Telemetry.IntervalMs)
	viper.SetDefault("capture.telemetry.timeout_ms", defaults.Capture.Telemetry.TimeoutMs)
	viper.SetDefault("capture.telemetry.data_log", defaults.Capture.Telemetry.DataLog)

	// Session defaults
	viper.SetDefault("session.barrier_timeout_seconds", defaults.Session.BarrierTimeoutSeconds)
	viper.SetDefault("session.on_source_failure", defaults.Session.OnSourceFailure)
	viper.SetDefault("session.retry_delay_seconds", defaults.Session.RetryDelaySeconds)
	viper.SetDefault("session.progress_interval_seconds", defaults.Session.ProgressIntervalSeconds)
	viper.SetDefault("session.handoff_timeout_seconds", defaults.Session.HandoffTimeoutSeconds)

	// Trigger defaults
	viper.SetDefault("trigger.keyboard", defaults.Trigger.Keyboard)
	viper.SetDefault("trigger.signals", defaults.Trigger.Signals)
	viper.SetDefault("trigger.dir", defaults.Trigger.Dir)
	viper.SetDefault("trigger.interval_seconds", defaults.Trigger.IntervalSeconds)

	// Paths defaults
	viper.SetDefault("paths.temp_dir", defaults.Paths.TempDir)
	viper.SetDefault("paths.output_dir", defaults.Paths.OutputDir)
	viper.SetDefault("paths.log_dir", defaults.Paths.LogDir)

	// Output defaults
	viper.SetDefault("output.ext", defaults.Output.Ext)
	viper.SetDefault("output.codec", defaults.Output.Codec)
	viper.SetDefault("output.tag", defaults.Output.Tag)
	viper.SetDefault("output.max_bytes", defaults.Output.MaxBytes)

	viper.SetDefault("merge.ffmpeg", defaults.Merge.FFmpeg)

	viper.SetDefault("server.enabled", defaults.Server.Enabled)
	viper.SetDefault("server.addr", defaults.Server.Addr)

	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the directory searched for blackbox.yaml after the
// working directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "blackbox")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blackbox")
}

// Policy is the failure policy as a plain string, "degrade" or "abort".
func (c *SessionConfig) Policy() string {
	return strings.ToLower(c.OnSourceFailure)
}
