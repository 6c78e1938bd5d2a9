// Package yamux implements the windowed stream multiplexer: a credit-based,
// frame-oriented engine carrying many independent bidirectional byte streams
// over a single underlying channel, with per-stream windows, back-pressure,
// ordered close, and graceful teardown.
package yamux

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// protocolVersion is the frame header version byte.
	protocolVersion = 0
	// headerSize is the fixed frame header size in bytes.
	headerSize = 12
)

// frameKind encodes a frame type on the wire.
type frameKind uint8

const (
	// frameKindData indicates a data frame. The length field carries the body
	// length.
	frameKindData frameKind = iota
	// frameKindWindowUpdate indicates a window update frame. The length field
	// carries the credit delta.
	frameKindWindowUpdate
	// frameKindPing indicates a ping frame. The length field carries an
	// opaque nonce, echoed with the ACK flag set.
	frameKindPing
	// frameKindGoAway indicates a session-level shutdown notice. The length
	// field carries a reason code.
	frameKindGoAway
)

// Stream-control flags carried in the frame header.
const (
	// flagSYN opens a stream.
	flagSYN uint16 = 1 << iota
	// flagACK acknowledges a stream open.
	flagACK
	// flagFIN half-closes the sending direction.
	flagFIN
	// flagRST resets the stream, discarding buffered data.
	flagRST
)

// GoAway reason codes carried in the length field.
const (
	// goAwayNormal indicates orderly shutdown.
	goAwayNormal uint32 = iota
	// goAwayProtocolError indicates a protocol violation.
	goAwayProtocolError
	// goAwayInternalError indicates an internal failure.
	goAwayInternalError
)

// frame is a single wire frame: a fixed header and an optional body. Only
// data frames carry bodies.
type frame struct {
	// kind is the frame type.
	kind frameKind
	// flags are the stream-control flags.
	flags uint16
	// stream is the stream identifier, or 0 for session-level frames.
	stream uint32
	// length is the body length for data frames, the credit delta for window
	// updates, the nonce for pings, and the reason code for go away frames.
	length uint32
	// body is the data frame body.
	body []byte
}

// encodeHeader encodes the frame header into the provided buffer.
func (f *frame) encodeHeader(buffer *[headerSize]byte) {
	buffer[0] = protocolVersion
	buffer[1] = byte(f.kind)
	binary.BigEndian.PutUint16(buffer[2:4], f.flags)
	binary.BigEndian.PutUint32(buffer[4:8], f.stream)
	binary.BigEndian.PutUint32(buffer[8:12], f.length)
}

// decodeHeader decodes a frame header from the provided buffer. The body, if
// any, is left for the caller to read.
func decodeHeader(buffer *[headerSize]byte) (frame, error) {
	if buffer[0] != protocolVersion {
		return frame{}, newProtocolError("unknown protocol version: %d", buffer[0])
	}
	kind := frameKind(buffer[1])
	if kind > frameKindGoAway {
		return frame{}, newProtocolError("unknown frame kind: %d", kind)
	}
	return frame{
		kind:   kind,
		flags:  binary.BigEndian.Uint16(buffer[2:4]),
		stream: binary.BigEndian.Uint32(buffer[4:8]),
		length: binary.BigEndian.Uint32(buffer[8:12]),
	}, nil
}

// ProtocolError indicates a framing violation, flag misuse, window overrun,
// or oversized frame. It is fatal to the session.
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
