package config

import (
	"fmt"
	"slices"
	"strings"

	"strzcam.com/blackbox/store"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "capture.duration_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidFailurePolicies returns the accepted session.on_source_failure values
func ValidFailurePolicies() []string {
	return []string{"degrade", "abort"}
}

// ValidVideoSources returns the accepted capture.video.source values
func ValidVideoSources() []string {
	return []string{VideoSourceFFmpeg, VideoSourceShm}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateCapture()...)
	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateTrigger()...)
	errors = append(errors, c.validatePaths()...)
	errors = append(errors, c.validateOutput()...)
	errors = append(errors, c.validateLogging()...)

	if c.Server.Enabled && c.Server.Addr == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be set when the server is enabled",
		})
	}
	if c.Merge.FFmpeg == "" {
		errors = append(errors, ValidationError{
			Field:   "merge.ffmpeg",
			Value:   c.Merge.FFmpeg,
			Message: "must not be empty",
		})
	}

	return errors
}

func positive(field string, v int) []ValidationError {
	if v > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
}

func nonNegative(field string, v int) []ValidationError {
	if v >= 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
}

func (c *Config) validateCapture() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("capture.duration_seconds", c.Capture.DurationSeconds)...)

	v := c.Capture.Video
	if !slices.Contains(ValidVideoSources(), v.Source) {
		errors = append(errors, ValidationError{
			Field:   "capture.video.source",
			Value:   v.Source,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidVideoSources(), ", ")),
		})
	}
	errors = append(errors, positive("capture.video.width", v.Width)...)
	errors = append(errors, positive("capture.video.height", v.Height)...)
	switch v.Source {
	case VideoSourceFFmpeg:
		errors = append(errors, positive("capture.video.fps", v.FPS)...)
		if v.Device == "" {
			errors = append(errors, ValidationError{Field: "capture.video.device", Value: v.Device, Message: "must not be empty"})
		}
	case VideoSourceShm:
		if v.ShmPath == "" {
			errors = append(errors, ValidationError{Field: "capture.video.shm_path", Value: v.ShmPath, Message: "must not be empty"})
		}
		errors = append(errors, nonNegative("capture.video.stall_ms", v.StallMs)...)
	}

	if a := c.Capture.Audio; a.Enabled {
		errors = append(errors, positive("capture.audio.channels", a.Channels)...)
		errors = append(errors, positive("capture.audio.sample_rate", a.SampleRate)...)
		errors = append(errors, positive("capture.audio.chunk_frames", a.ChunkFrames)...)
	}

	if tm := c.Capture.Telemetry; tm.Enabled {
		if tm.Port == "" {
			errors = append(errors, ValidationError{Field: "capture.telemetry.port", Value: tm.Port, Message: "must not be empty"})
		}
		errors = append(errors, positive("capture.telemetry.baud", tm.Baud)...)
		errors = append(errors, positive("capture.telemetry.interval_ms", tm.IntervalMs)...)
		errors = append(errors, positive("capture.telemetry.timeout_ms", tm.TimeoutMs)...)
		if strings.ContainsAny(tm.DataLog, `/\`) {
			errors = append(errors, ValidationError{
				Field:   "capture.telemetry.data_log",
				Value:   tm.DataLog,
				Message: "must be a file name inside paths.log_dir",
			})
		}
	}
	return errors
}

func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError
	errors = append(errors, nonNegative("session.barrier_timeout_seconds", c.Session.BarrierTimeoutSeconds)...)
	errors = append(errors, nonNegative("session.retry_delay_seconds", c.Session.RetryDelaySeconds)...)
	errors = append(errors, nonNegative("session.progress_interval_seconds", c.Session.ProgressIntervalSeconds)...)
	errors = append(errors, nonNegative("session.handoff_timeout_seconds", c.Session.HandoffTimeoutSeconds)...)
	if !slices.Contains(ValidFailurePolicies(), c.Session.Policy()) {
		errors = append(errors, ValidationError{
			Field:   "session.on_source_failure",
			Value:   c.Session.OnSourceFailure,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidFailurePolicies(), ", ")),
		})
	}
	return errors
}

func (c *Config) validateTrigger() []ValidationError {
	return nonNegative("trigger.interval_seconds", c.Trigger.IntervalSeconds)
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError
	if c.Paths.TempDir == "" {
		errors = append(errors, ValidationError{Field: "paths.temp_dir", Value: c.Paths.TempDir, Message: "must not be empty"})
	}
	if c.Paths.OutputDir == "" {
		errors = append(errors, ValidationError{Field: "paths.output_dir", Value: c.Paths.OutputDir, Message: "must not be empty"})
	}
	if c.Paths.TempDir != "" && c.Paths.TempDir == c.Paths.OutputDir {
		errors = append(errors, ValidationError{
			Field:   "paths.temp_dir",
			Value:   c.Paths.TempDir,
			Message: "must differ from paths.output_dir",
		})
	}
	return errors
}

func (c *Config) validateOutput() []ValidationError {
	var errors []ValidationError
	ext := c.Output.Ext
	if ext == "" || ext == store.ManifestExt || strings.ContainsAny(ext, `./\ `) {
		errors = append(errors, ValidationError{
			Field:   "output.ext",
			Value:   ext,
			Message: "must be a container extension without a dot",
		})
	}
	if c.Output.MaxBytes < 0 {
		errors = append(errors, ValidationError{Field: "output.max_bytes", Value: c.Output.MaxBytes, Message: "must be non-negative"})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	if slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		return nil
	}
	return []ValidationError{{
		Field:   "logging.level",
		Value:   c.Logging.Level,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
	}}
}
