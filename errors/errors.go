// Package errors provides the error taxonomy for the recorder.
//
// Sentinel errors identify the class of a failure and are matched with
// [Is]. Typed errors carry the context of a failure (which source, which
// files) and unwrap to their sentinel, so callers can use either form:
//
//	if errors.Is(err, errors.ErrSourceUnavailable) { ... }
//
//	var srcErr *errors.SourceError
//	if errors.As(err, &srcErr) { log(srcErr.Source) }
//
// Only [ErrHandoffViolation] is fatal: it signals a broken internal
// invariant and halts the session loop. Every other error is contained to
// the component that produced it.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers only need this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

var (
	// ErrSourceUnavailable indicates a sample source could not be opened or
	// never reported ready to the start barrier.
	ErrSourceUnavailable = New("source unavailable")
	// ErrDegenerateCapture indicates a snapshot too small or time-inconsistent
	// to compute a sample rate.
	ErrDegenerateCapture = New("degenerate capture")
	// ErrMergeFailure indicates the external merge process failed.
	ErrMergeFailure = New("merge failed")
	// ErrHandoffViolation indicates a handoff slot was written or read more
	// than once. It is a programming error.
	ErrHandoffViolation = New("handoff violation")
	// ErrBarrierAborted is returned to participants of a start barrier that
	// was aborted instead of released.
	ErrBarrierAborted = New("start barrier aborted")
	// ErrOutOfOrder indicates a sample older than the newest retained sample.
	ErrOutOfOrder = New("sample out of order")
)

// SourceError reports a failure of one sample source.
type SourceError struct {
	Source string
	Err    error
}

// NewSourceError wraps err as a SourceUnavailable failure of source.
func NewSourceError(source string, err error) *SourceError {
	return &SourceError{Source: source, Err: err}
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrSourceUnavailable, e.Source)
	}
	return fmt.Sprintf("%s: %s: %v", ErrSourceUnavailable, e.Source, e.Err)
}

// Unwrap returns both the sentinel and the cause.
func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSourceUnavailable}
	}
	return []error{ErrSourceUnavailable, e.Err}
}

// CaptureError reports a snapshot that cannot be persisted.
type CaptureError struct {
	Source string
	Count  int
	Span   float64 // last - first, in seconds
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%s: %s has %d samples over %.3fs", ErrDegenerateCapture, e.Source, e.Count, e.Span)
}

func (e *CaptureError) Unwrap() error { return ErrDegenerateCapture }

// MergeError reports a failed merge. The intermediate files named here are
// left on disk.
type MergeError struct {
	Video  string
	Audio  string
	Output string
	Stderr string
	Err    error
}

func (e *MergeError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s + %s -> %s", ErrMergeFailure, e.Video, e.Audio, e.Output)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&sb, " (%s)", s)
	}
	return sb.String()
}

func (e *MergeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMergeFailure}
	}
	return []error{ErrMergeFailure, e.Err}
}

// HandoffError reports misuse of a one-shot handoff slot.
type HandoffError struct {
	Slot string
	Op   string // "write" or "read"
}

func (e *HandoffError) Error() string {
	return fmt.Sprintf("%s: second %s on slot %q", ErrHandoffViolation, e.Op, e.Slot)
}

func (e *HandoffError) Unwrap() error { return ErrHandoffViolation }

// IsFatal reports whether err breaks an internal invariant and must stop
// the session loop.
func IsFatal(err error) bool {
	return err != nil && Is(err, ErrHandoffViolation)
}

// IsSkippable reports whether err only means that the current cycle has
// nothing worth persisting.
func IsSkippable(err error) bool {
	return err != nil && Is(err, ErrDegenerateCapture)
}
