// Package source defines the sample source contract and the device
// adapters that satisfy it.
//
// A Source is opened once per session. The returned Handle is read from a
// single recorder goroutine; ReadNext may block on the device and is never
// interrupted mid-call.
package source

import (
	"context"
	"io"
)

// Source opens a device for one capture session.
type Source[T any] interface {
	Open(ctx context.Context) (Handle[T], error)
}

// Handle is an open device.
type Handle[T any] interface {
	ReadNext() (T, error)
	io.Closer
}

// Func adapts a function to Source.
type Func[T any] func(ctx context.Context) (Handle[T], error)

// Open calls f.
func (f Func[T]) Open(ctx context.Context) (Handle[T], error) {
	return f(ctx)
}
