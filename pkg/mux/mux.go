// Package mux defines the contracts shared by the stream multiplexer
// variants: a multiplexed session carrying independent, ordered, bidirectional
// byte streams over one underlying channel.
package mux

import (
	"context"
	"io"
)

// Stream is a single multiplexed stream. Streams are ordered internally but
// carry no ordering relationship to sibling streams on the same session.
type Stream interface {
	io.Reader
	io.Writer
	// CloseWrite half-closes the stream: no further writes are permitted, and
	// the remote observes end-of-file after draining in-flight data.
	CloseWrite() error
	// Reset aborts the stream in both directions, discarding buffered data.
	Reset() error
	io.Closer
	// ID returns the stream identifier, unique within its session.
	ID() uint64
}

// Muxer is a multiplexed session. It is symmetric: either end can open and
// accept streams.
type Muxer interface {
	// OpenStream opens a new outbound stream, cancelling the open operation
	// if the provided context is cancelled.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream accepts the next inbound stream, cancelling the accept
	// operation if the provided context is cancelled.
	AcceptStream(ctx context.Context) (Stream, error)
	// Close closes the session and its underlying channel. It is idempotent.
	Close() error
	// Closed returns a channel that is closed when the session is closed.
	Closed() <-chan struct{}
	// InternalError returns the error that caused the session to close, if
	// any. It returns nil if Close was invoked manually.
	InternalError() error
}
