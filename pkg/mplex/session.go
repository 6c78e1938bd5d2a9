package mplex

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/peerway-io/peerway/pkg/logging"
)

// streamKey identifies a stream within a session. Identifier spaces on the
// two sides are independent, so the key records which side opened the stream.
type streamKey struct {
	// id is the stream identifier.
	id uint64
	// local indicates whether or not the stream was opened locally.
	local bool
}

// Session provides bidirectional stream multiplexing over a single underlying
// channel using the unwindowed wire format.
type Session struct {
	// logger is the session logger.
	logger *logging.Logger

	// closeOnce guards closure of closer and closed.
	closeOnce sync.Once
	// closer closes the underlying channel.
	closer io.Closer
	// closed is closed when the session is closed.
	closed chan struct{}
	// internalErrorLock guards access to internalError.
	internalErrorLock sync.RWMutex
	// internalError records the error associated with closure, if any.
	internalError error

	// streamLock guards nextStreamID and streams.
	streamLock sync.Mutex
	// nextStreamID is the next locally originated stream identifier.
	nextStreamID uint64
	// streams maps stream keys to their corresponding stream objects.
	streams map[streamKey]*Stream

	// inboundStreams is the backlog of pending inbound streams waiting to be
	// accepted.
	inboundStreams chan *Stream
	// outboundFrames is the outbound frame queue, drained FIFO by the writer
	// Goroutine.
	outboundFrames chan frame
}

// NewSession creates a new multiplexed session on top of an existing channel.
// The session takes ownership of the channel.
func NewSession(conn io.ReadWriteCloser, logger *logging.Logger) *Session {
	session := &Session{
		logger:         logger,
		closer:         conn,
		closed:         make(chan struct{}),
		streams:        make(map[streamKey]*Stream),
		inboundStreams: make(chan *Stream, defaultAcceptBacklog),
		outboundFrames: make(chan frame, writeQueueSize),
	}
	go session.run(conn)
	return session
}

// run is the primary entry point for the session's background Goroutines.
func (s *Session) run(conn io.ReadWriteCloser) {
	readErrors := make(chan error, 1)
	go func() {
		readErrors <- s.read(conn)
	}()
	writeErrors := make(chan error, 1)
	go func() {
		writeErrors <- s.write(conn)
	}()
	select {
	case err := <-readErrors:
		s.closeWithError(fmt.Errorf("read error: %w", err))
	case err := <-writeErrors:
		s.closeWithError(fmt.Errorf("write error: %w", err))
	case <-s.closed:
	}
}

// write is the entry point for the writer Goroutine.
func (s *Session) write(conn io.Writer) error {
	writer := bufio.NewWriter(conn)
	var varint [binary.MaxVarintLen64]byte
	for {
		var next frame
		select {
		case next = <-s.outboundFrames:
		case <-s.closed:
			return ErrSessionClosed
		}
		count := binary.PutUvarint(varint[:], next.id<<3|uint64(next.kind))
		if _, err := writer.Write(varint[:count]); err != nil {
			return fmt.Errorf("unable to write frame header: %w", err)
		}
		count = binary.PutUvarint(varint[:], uint64(len(next.body)))
		if _, err := writer.Write(varint[:count]); err != nil {
			return fmt.Errorf("unable to write frame length: %w", err)
		}
		if len(next.body) > 0 {
			if _, err := writer.Write(next.body); err != nil {
				return fmt.Errorf("unable to write frame body: %w", err)
			}
		}
		if len(s.outboundFrames) == 0 {
			if err := writer.Flush(); err != nil {
				return fmt.Errorf("unable to flush frames: %w", err)
			}
		}
	}
}

// read is the entry point for the reader Goroutine.
func (s *Session) read(conn io.Reader) error {
	reader := bufio.NewReader(conn)
	for {
		header, err := binary.ReadUvarint(reader)
		if err != nil {
			return fmt.Errorf("unable to read frame header: %w", err)
		}
		length, err := binary.ReadUvarint(reader)
		if err != nil {
			return fmt.Errorf("unable to read frame length: %w", err)
		}
		if length > maxMessageSize {
			return newProtocolError("frame body length %d exceeds maximum message size", length)
		}
		var body []byte
		if length > 0 {
			body = make([]byte, length)
			if _, err := io.ReadFull(reader, body); err != nil {
				return fmt.Errorf("unable to read frame body: %w", err)
			}
		}
		received := frame{id: header >> 3, kind: tag(header & 0x7), body: body}
		if err := s.handleFrame(received); err != nil {
			return err
		}
	}
}

// handleFrame dispatches a received frame.
func (s *Session) handleFrame(received frame) error {
	switch received.kind {
	case tagNewStream:
		return s.handleNewStream(received)
	case tagMessageInitiator, tagMessageReceiver:
		return s.handleMessage(received)
	case tagCloseInitiator, tagCloseReceiver:
		s.handleClose(received)
		return nil
	case tagResetInitiator, tagResetReceiver:
		s.handleReset(received)
		return nil
	default:
		return newProtocolError("unknown frame tag: %d", received.kind)
	}
}

// keyForFrame maps a received frame to the key of the stream it addresses.
// Frames tagged from the initiator's perspective address remotely opened
// streams; frames tagged from the receiver's perspective address locally
// opened ones.
func keyForFrame(received frame) streamKey {
	switch received.kind {
	case tagMessageInitiator, tagCloseInitiator, tagResetInitiator:
		return streamKey{id: received.id, local: false}
	default:
		return streamKey{id: received.id, local: true}
	}
}

// lookupStream resolves a received frame to its stream, if registered.
func (s *Session) lookupStream(received frame) *Stream {
	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	return s.streams[keyForFrame(received)]
}

// handleNewStream registers a remotely opened stream.
func (s *Session) handleNewStream(received frame) error {
	key := streamKey{id: received.id, local: false}
	s.streamLock.Lock()
	if _, ok := s.streams[key]; ok {
		s.streamLock.Unlock()
		return newProtocolError("stream %d opened twice", received.id)
	}
	stream := newStream(s, received.id, false, string(received.body))
	s.streams[key] = stream
	s.streamLock.Unlock()

	select {
	case s.inboundStreams <- stream:
		return nil
	default:
		s.logger.Warnf("rejecting stream %d: accept backlog full", received.id)
		s.resetStream(stream, true)
		return nil
	}
}

// handleMessage delivers a data frame to its stream's inbound queue. If the
// queue is full, delivery blocks, which transitively stalls all reads from
// the underlying channel. That stall is the engine's only source of
// back-pressure.
func (s *Session) handleMessage(received frame) error {
	stream := s.lookupStream(received)
	if stream == nil {
		// The stream was already closed locally and deregistered; drop the
		// data.
		return nil
	}
	if isClosed(stream.remoteClosedWrite) {
		return newProtocolError("data received after half-close on stream %d", received.id)
	}
	select {
	case stream.inbound <- received.body:
		return nil
	case <-stream.resetSignal:
		return nil
	case <-stream.closed:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// handleClose processes a half-close.
func (s *Session) handleClose(received frame) {
	stream := s.lookupStream(received)
	if stream == nil {
		return
	}
	stream.remoteCloseWriteOnce.Do(func() {
		close(stream.remoteClosedWrite)
	})
	if isClosed(stream.closed) {
		s.removeStream(stream)
	}
}

// handleReset processes a stream abort.
func (s *Session) handleReset(received frame) {
	stream := s.lookupStream(received)
	if stream == nil {
		return
	}
	s.resetStream(stream, false)
}

// resetStream resets a stream: pending operations are unblocked and the
// stream is removed from the stream table. If send is set, a reset frame is
// transmitted to the remote.
func (s *Session) resetStream(stream *Stream, send bool) {
	stream.resetOnce.Do(func() {
		close(stream.resetSignal)
		s.removeStream(stream)
		if send {
			s.enqueueFrame(frame{id: stream.id, kind: stream.outboundTag(tagResetReceiver, tagResetInitiator)})
		}
	})
}

// removeStream removes a stream from the stream table.
func (s *Session) removeStream(stream *Stream) {
	s.streamLock.Lock()
	delete(s.streams, streamKey{id: stream.id, local: stream.local})
	s.streamLock.Unlock()
}

// enqueueFrame enqueues a frame for transmission, blocking until the frame is
// queued or the session closes.
func (s *Session) enqueueFrame(f frame) error {
	select {
	case s.outboundFrames <- f:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// OpenStream opens a new stream, cancelling the open operation if the
// provided context is cancelled or the session is closed.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	s.streamLock.Lock()
	id := s.nextStreamID
	s.nextStreamID++
	stream := newStream(s, id, true, strconv.FormatUint(id, 10))
	s.streams[streamKey{id: id, local: true}] = stream
	s.streamLock.Unlock()

	open := frame{id: id, kind: tagNewStream, body: []byte(stream.name)}
	select {
	case s.outboundFrames <- open:
		return stream, nil
	case <-ctx.Done():
		s.removeStream(stream)
		return nil, ctx.Err()
	case <-s.closed:
		s.removeStream(stream)
		return nil, ErrSessionClosed
	}
}

// AcceptStream accepts an incoming stream, cancelling the accept operation if
// the provided context is cancelled or the session is closed.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	for {
		select {
		case stream := <-s.inboundStreams:
			if isClosed(stream.resetSignal) {
				continue
			}
			return stream, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrSessionClosed
		}
	}
}

// NumStreams returns the number of live streams on the session.
func (s *Session) NumStreams() int {
	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	return len(s.streams)
}

// Closed returns a channel that is closed when the session is closed.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// InternalError returns any internal error that caused the session to close.
// It returns nil if Close was manually invoked.
func (s *Session) InternalError() error {
	s.internalErrorLock.RLock()
	defer s.internalErrorLock.RUnlock()
	return s.internalError
}

// closeWithError is the internal close method that allows for optional error
// reporting when closing.
func (s *Session) closeWithError(internalError error) (err error) {
	s.closeOnce.Do(func() {
		err = s.closer.Close()
		if internalError != nil {
			s.internalErrorLock.Lock()
			s.internalError = internalError
			s.internalErrorLock.Unlock()
		}
		close(s.closed)
	})
	return
}

// Close closes the session and its underlying channel. Only the first call
// to Close will have any effect.
func (s *Session) Close() error {
	return s.closeWithError(nil)
}

// isClosed checks if a signaling channel is closed.
func isClosed(channel <-chan struct{}) bool {
	select {
	case <-channel:
		return true
	default:
		return false
	}
}
