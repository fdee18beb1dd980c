package save

import (
	"strzcam.com/blackbox/errors"
	"strzcam.com/blackbox/retention"
)

// Rate is the average sample rate of a snapshot: count / (last - first).
// Fewer than two samples or a non-positive span is a DegenerateCapture.
func Rate[T any](source string, samples []retention.Sample[T]) (float64, error) {
	n := len(samples)
	if n == 0 {
		return 0, &errors.CaptureError{Source: source}
	}
	span := samples[n-1].Seconds() - samples[0].Seconds()
	if span <= 0 {
		return 0, &errors.CaptureError{Source: source, Count: n, Span: span}
	}
	return float64(n) / span, nil
}
