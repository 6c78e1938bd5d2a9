package mplex

import (
	"io"
	"net"
	"sync"
)

// Stream represents a single multiplexed stream.
type Stream struct {
	// session is the parent session.
	session *Session
	// id is the stream identifier.
	id uint64
	// local indicates whether or not the stream was opened locally.
	local bool
	// name is the stream name carried by the open frame.
	name string

	// inbound is the bounded queue of received frame bodies. It is written
	// to only by the session's reader Goroutine.
	inbound chan []byte
	// readLock serializes reads and guards current.
	readLock sync.Mutex
	// current is the partially consumed head frame body.
	current []byte

	// remoteCloseWriteOnce guards closure of remoteClosedWrite.
	remoteCloseWriteOnce sync.Once
	// remoteClosedWrite is closed when the remote half-closes the stream.
	remoteClosedWrite chan struct{}
	// resetOnce guards closure of resetSignal.
	resetOnce sync.Once
	// resetSignal is closed when the stream is reset.
	resetSignal chan struct{}
	// closeWriteOnce guards closure of closedWrite.
	closeWriteOnce sync.Once
	// closedWrite is closed when the stream is closed for writing locally.
	closedWrite chan struct{}
	// closeOnce guards closure of closed.
	closeOnce sync.Once
	// closed is closed when the stream is closed locally.
	closed chan struct{}
}

// newStream constructs a new stream.
func newStream(session *Session, id uint64, local bool, name string) *Stream {
	return &Stream{
		session:           session,
		id:                id,
		local:             local,
		name:              name,
		inbound:           make(chan []byte, queueCapacity),
		remoteClosedWrite: make(chan struct{}),
		resetSignal:       make(chan struct{}),
		closedWrite:       make(chan struct{}),
		closed:            make(chan struct{}),
	}
}

// ID returns the stream identifier, unique within the session. The two sides
// number their streams independently, so the wire identifier is shifted left
// by one bit and the low bit is set for locally opened streams.
func (s *Stream) ID() uint64 {
	if s.local {
		return s.id<<1 | 1
	}
	return s.id << 1
}

// Name returns the stream name carried by the open frame.
func (s *Stream) Name() string {
	return s.name
}

// outboundTag selects the wire tag for an outbound frame based on which side
// opened the stream.
func (s *Stream) outboundTag(receiver, initiator tag) tag {
	if s.local {
		return initiator
	}
	return receiver
}

// Read implements io.Reader.Read.
func (s *Stream) Read(buffer []byte) (int, error) {
	s.readLock.Lock()
	defer s.readLock.Unlock()

	// Check for persistent pre-existing error conditions.
	if isClosed(s.closed) {
		return 0, net.ErrClosed
	} else if isClosed(s.resetSignal) {
		return 0, ErrStreamReset
	}

	// Refill the head chunk if it has been consumed. Buffered frames are
	// served even after the remote half-closes; end-of-file is reported only
	// once the queue is drained.
	for len(s.current) == 0 {
		select {
		case s.current = <-s.inbound:
		default:
			select {
			case s.current = <-s.inbound:
			case <-s.remoteClosedWrite:
				select {
				case s.current = <-s.inbound:
				default:
					return 0, io.EOF
				}
			case <-s.resetSignal:
				return 0, ErrStreamReset
			case <-s.closed:
				return 0, net.ErrClosed
			case <-s.session.closed:
				return 0, ErrSessionClosed
			}
		}
	}

	// Serve from the head chunk.
	count := copy(buffer, s.current)
	s.current = s.current[count:]
	return count, nil
}

// Write implements io.Writer.Write.
func (s *Stream) Write(data []byte) (int, error) {
	// Check for persistent pre-existing error conditions.
	if isClosed(s.closed) {
		return 0, net.ErrClosed
	} else if isClosed(s.closedWrite) {
		return 0, ErrWriteClosed
	} else if isClosed(s.resetSignal) {
		return 0, ErrStreamReset
	} else if isClosed(s.session.closed) {
		return 0, ErrSessionClosed
	}

	// Transmit the data in frames no larger than the message size bound.
	kind := s.outboundTag(tagMessageReceiver, tagMessageInitiator)
	var count int
	for len(data) > 0 {
		block := data
		if len(block) > maxMessageSize {
			block = block[:maxMessageSize]
		}
		body := make([]byte, len(block))
		copy(body, block)
		outbound := frame{id: s.id, kind: kind, body: body}
		select {
		case s.session.outboundFrames <- outbound:
		case <-s.closed:
			return count, net.ErrClosed
		case <-s.closedWrite:
			return count, ErrWriteClosed
		case <-s.resetSignal:
			return count, ErrStreamReset
		case <-s.session.closed:
			return count, ErrSessionClosed
		}
		count += len(block)
		data = data[len(block):]
	}
	return count, nil
}

// CloseWrite half-closes the stream. Subsequent calls are no-ops.
func (s *Stream) CloseWrite() error {
	var err error
	s.closeWriteOnce.Do(func() {
		close(s.closedWrite)
		err = s.session.enqueueFrame(frame{id: s.id, kind: s.outboundTag(tagCloseReceiver, tagCloseInitiator)})
	})
	return err
}

// Close closes the stream locally, half-closing it on the wire. Subsequent
// calls are no-ops.
func (s *Stream) Close() error {
	err := s.CloseWrite()
	s.closeOnce.Do(func() {
		close(s.closed)
		// If both directions are done, then deregister the stream. Otherwise
		// the session's reader Goroutine deregisters it when the remote's
		// half-close or reset arrives.
		if isClosed(s.remoteClosedWrite) || isClosed(s.resetSignal) {
			s.session.removeStream(s)
		}
	})
	return err
}

// Reset aborts the stream in both directions. Subsequent calls are no-ops.
func (s *Stream) Reset() error {
	s.session.resetStream(s, true)
	return nil
}
