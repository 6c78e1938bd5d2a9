// Package mplex implements the unwindowed stream multiplexer: the same
// substream abstraction as the windowed engine, but with a varint-framed wire
// format and no credit. Back-pressure comes from bounded per-stream inbound
// queues; if a consumer falls behind, the reader cannot enqueue and the
// underlying channel stalls.
package mplex

import (
	"errors"
	"fmt"
)

const (
	// ProtocolID is the protocol identifier negotiated for this multiplexer.
	ProtocolID = "/mplex/6.7.0"

	// maxMessageSize is the maximum frame body size.
	maxMessageSize = 1 << 20
	// queueCapacity is the per-stream inbound frame queue capacity, chosen so
	// that a full queue of typical frames approximates the windowed engine's
	// default receive window.
	queueCapacity = 32
	// defaultAcceptBacklog is the number of pending inbound streams.
	defaultAcceptBacklog = 256
	// writeQueueSize is the outbound frame queue capacity.
	writeQueueSize = 64
)

// tag encodes a frame type in the low 3 bits of the header varint.
type tag uint8

const (
	// tagNewStream opens a stream. The body carries the stream name.
	tagNewStream tag = iota
	// tagMessageReceiver carries data on a stream the sender accepted.
	tagMessageReceiver
	// tagMessageInitiator carries data on a stream the sender opened.
	tagMessageInitiator
	// tagCloseReceiver half-closes a stream the sender accepted.
	tagCloseReceiver
	// tagCloseInitiator half-closes a stream the sender opened.
	tagCloseInitiator
	// tagResetReceiver aborts a stream the sender accepted.
	tagResetReceiver
	// tagResetInitiator aborts a stream the sender opened.
	tagResetInitiator
)

var (
	// ErrSessionClosed is returned from operations that fail due to a session
	// being closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrStreamReset is returned from operations on a stream that has been
	// reset, locally or by the remote.
	ErrStreamReset = errors.New("stream reset")
	// ErrWriteClosed is returned from writes on a stream that has been closed
	// for writing.
	ErrWriteClosed = errors.New("closed for writing")
)

// ProtocolError indicates a framing violation. It is fatal to the session.
type ProtocolError struct {
	// message describes the violation.
	message string
}

// newProtocolError creates a new protocol error with fmt.Sprintf semantics.
func newProtocolError(format string, v ...interface{}) *ProtocolError {
	return &ProtocolError{message: fmt.Sprintf(format, v...)}
}

// Error implements error.Error.
func (e *ProtocolError) Error() string {
	return "protocol error: " + e.message
}

// IsProtocolError indicates whether or not an error value is or wraps a
// protocol error.
func IsProtocolError(err error) bool {
	var protocolError *ProtocolError
	return errors.As(err, &protocolError)
}

// frame is a single wire frame: (stream-id << 3 | tag) as a varint, a varint
// body length, and the body.
type frame struct {
	// id is the stream identifier.
	id uint64
	// kind is the frame tag.
	kind tag
	// body is the frame body.
	body []byte
}
