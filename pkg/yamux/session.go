package yamux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/peerway-io/peerway/pkg/logging"
)

var (
	// ErrSessionClosed is returned from operations that fail due to a session
	// being closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionShutdown is returned from open operations after a local
	// GoAway, which promises the remote that no further streams will be
	// opened.
	ErrSessionShutdown = errors.New("session is shutting down")
	// ErrRemoteGoAway is returned from open operations after the remote
	// signals that it will accept no further streams.
	ErrRemoteGoAway = errors.New("remote will not accept new streams")
	// ErrStreamsExhausted is returned from open operations once local stream
	// identifiers are exhausted.
	ErrStreamsExhausted = errors.New("local stream identifiers exhausted")
	// ErrStreamReset is returned from operations on a stream that has been
	// reset, locally or by the remote.
	ErrStreamReset = errors.New("stream reset")
)

// Session provides bidirectional stream multiplexing over a single underlying
// channel. Sessions are symmetric: either end can open and accept streams.
// The client parameter determines stream identifier parity (client-initiated
// streams are odd, server-initiated streams are even) and must differ between
// the two ends.
type Session struct {
	// client indicates whether or not the session uses odd-numbered outbound
	// stream identifiers.
	client bool
	// configuration is the session configuration.
	configuration *Configuration
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

	// streamLock guards nextOutboundStreamID, streams, localGoAway, and
	// remoteGoAway.
	streamLock sync.Mutex
	// nextOutboundStreamID is the next outbound stream identifier that will
	// be used. It is set to 0 when outbound identifiers are exhausted.
	nextOutboundStreamID uint32
	// streams maps stream identifiers to their corresponding stream objects.
	streams map[uint32]*Stream
	// localGoAway records that we've told the remote we will open no further
	// streams and will accept no further inbound opens.
	localGoAway bool
	// remoteGoAway records that the remote has told us it will open no
	// further streams and will accept no further opens from us.
	remoteGoAway bool

	// goAwayOnce guards transmission of the normal go away frame.
	goAwayOnce sync.Once

	// inboundStreams is the backlog of pending inbound streams waiting to be
	// accepted. It is written to only by the reader Goroutine.
	inboundStreams chan *Stream
	// outboundFrames is the outbound frame queue, drained FIFO by the writer
	// Goroutine. Frame transmission order is determined entirely by enqueue
	// order.
	outboundFrames chan frame

	// windowIncrements enqueues transmission of a receive window increment.
	// The amount will be added to any pending increment for the stream. This
	// channel is unbuffered, but guaranteed to be approximately non-blocking
	// as long as the session is not closed: its consumer never waits on the
	// underlying channel, which keeps the reader Goroutine from ever blocking
	// behind the writer and closing a wait cycle with the remote.
	windowIncrements chan windowIncrement
	// resetRequests enqueues transmission of a stream reset. Any pending
	// window increment for the stream will be cancelled. Like
	// windowIncrements, it is unbuffered but approximately non-blocking.
	resetRequests chan uint32
	// pongRequests enqueues transmission of a ping response. Like
	// windowIncrements, it is unbuffered but approximately non-blocking.
	pongRequests chan uint32

	// pingLock guards pings and nextPingNonce.
	pingLock sync.Mutex
	// pings maps outstanding ping nonces to their completion signals.
	pings map[uint32]chan struct{}
	// nextPingNonce is the next ping nonce that will be used.
	nextPingNonce uint32
}

// NewSession creates a new multiplexed session on top of an existing channel.
// The session takes ownership of the channel, so it should not be used
// directly after being passed to this function. If configuration is nil, the
// default configuration is used.
func NewSession(conn io.ReadWriteCloser, client bool, configuration *Configuration, logger *logging.Logger) *Session {
	// If no configuration was provided, then use default values, otherwise
	// normalize any out-of-range values provided by the caller.
	if configuration == nil {
		configuration = DefaultConfiguration()
	} else {
		configuration.normalize()
	}

	// Create the session.
	session := &Session{
		client:           client,
		configuration:    configuration,
		logger:           logger,
		closer:           conn,
		closed:           make(chan struct{}),
		streams:          make(map[uint32]*Stream),
		inboundStreams:   make(chan *Stream, configuration.AcceptBacklog),
		outboundFrames:   make(chan frame, configuration.WriteQueueSize),
		windowIncrements: make(chan windowIncrement),
		resetRequests:    make(chan uint32),
		pongRequests:     make(chan uint32),
		pings:            make(map[uint32]chan struct{}),
	}
	if client {
		session.nextOutboundStreamID = 1
	} else {
		session.nextOutboundStreamID = 2
	}

	// Start the session's background Goroutines.
	go session.run(conn)

	// Done.
	return session
}

// run is the primary entry point for the session's background Goroutines.
func (s *Session) run(conn io.ReadWriteCloser) {
	// Start the reader Goroutine and monitor for its termination.
	readErrors := make(chan error, 1)
	go func() {
		readErrors <- s.read(conn)
	}()

	// Start the writer Goroutine and monitor for its termination.
	writeErrors := make(chan error, 1)
	go func() {
		writeErrors <- s.write(conn)
	}()

	// Start the state accumulation/transmission Goroutine. It will only
	// terminate when the session is closed.
	go s.accumulate()

	// Wait for failure or session closure.
	select {
	case err := <-readErrors:
		// On protocol violations, notify the remote when possible before
		// tearing down the channel.
		if IsProtocolError(err) {
			s.enqueueBestEffort(frame{kind: frameKindGoAway, length: goAwayProtocolError})
		}
		s.closeWithError(fmt.Errorf("read error: %w", err))
	case err := <-writeErrors:
		s.closeWithError(fmt.Errorf("write error: %w", err))
	case <-s.closed:
	}
}

// write is the entry point for the writer Goroutine. It owns the write half
// of the underlying channel and drains the outbound frame queue FIFO.
func (s *Session) write(conn io.Writer) error {
	writer := bufio.NewWriter(conn)
	var header [headerSize]byte
	for {
		var next frame
		select {
		case next = <-s.outboundFrames:
		case <-s.closed:
			return ErrSessionClosed
		}
		next.encodeHeader(&header)
		if _, err := writer.Write(header[:]); err != nil {
			return fmt.Errorf("unable to write frame header: %w", err)
		}
		if len(next.body) > 0 {
			if _, err := writer.Write(next.body); err != nil {
				return fmt.Errorf("unable to write frame body: %w", err)
			}
		}
		// Flush once the queue is drained so that frames aren't held back
		// while batching remains possible under load.
		if len(s.outboundFrames) == 0 {
			if err := writer.Flush(); err != nil {
				return fmt.Errorf("unable to flush frames: %w", err)
			}
		}
	}
}

// read is the entry point for the reader Goroutine. It owns the read half of
// the underlying channel.
func (s *Session) read(conn io.Reader) error {
	reader := bufio.NewReader(conn)
	var headerBuffer [headerSize]byte
	for {
		if _, err := io.ReadFull(reader, headerBuffer[:]); err != nil {
			return fmt.Errorf("unable to read frame header: %w", err)
		}
		received, err := decodeHeader(&headerBuffer)
		if err != nil {
			return err
		}
		switch received.kind {
		case frameKindData:
			err = s.handleData(reader, received)
		case frameKindWindowUpdate:
			err = s.handleWindowUpdate(received)
		case frameKindPing:
			err = s.handlePing(received)
		case frameKindGoAway:
			err = s.handleGoAway(received)
		}
		if err != nil {
			return err
		}
	}
}

// windowIncrement is used to pass a receive window increment from a stream
// or the reader Goroutine to the accumulation Goroutine.
type windowIncrement struct {
	// stream is the stream identifier.
	stream uint32
	// amount is the increment amount.
	amount uint32
}

// flagsForStream consumes the pending SYN and ACK flags for a stream, if the
// stream is still registered.
func (s *Session) flagsForStream(id uint32) uint16 {
	s.streamLock.Lock()
	stream := s.streams[id]
	s.streamLock.Unlock()
	if stream == nil {
		return 0
	}
	return stream.takeFlags()
}

// accumulate is the entry point for the state accumulation/transmission
// Goroutine. It aggregates window increments, stream resets, and ping
// responses without bound while waiting for queue space, which is what keeps
// the requesting channels approximately non-blocking.
func (s *Session) accumulate() {
	// Track pending updates.
	increments := make(map[uint32]uint64)
	resets := make(map[uint32]bool)
	var pongs []uint32

	// Loop and process updates until session closure.
	for {
		// Stage the next pending frame, if any. Responses take priority over
		// resets, which take priority over window increments. The staged
		// frame's removal from the pending state is deferred until it is
		// actually queued.
		var pending chan frame
		var next frame
		var committed func()
		if len(pongs) > 0 {
			pending = s.outboundFrames
			nonce := pongs[0]
			next = frame{kind: frameKindPing, flags: flagACK, length: nonce}
			committed = func() { pongs = pongs[1:] }
		} else if len(resets) > 0 {
			for id := range resets {
				pending = s.outboundFrames
				next = frame{kind: frameKindWindowUpdate, flags: flagRST, stream: id}
				target := id
				committed = func() { delete(resets, target) }
				break
			}
		} else if len(increments) > 0 {
			for id, amount := range increments {
				chunk := amount
				if chunk > math.MaxUint32 {
					chunk = math.MaxUint32
				}
				pending = s.outboundFrames
				next = frame{
					kind:   frameKindWindowUpdate,
					flags:  s.flagsForStream(id),
					stream: id,
					length: uint32(chunk),
				}
				target, consumed := id, chunk
				committed = func() {
					if remaining := increments[target] - consumed; remaining > 0 {
						increments[target] = remaining
					} else {
						delete(increments, target)
					}
				}
				break
			}
		}

		// Queue the staged frame or absorb the next update.
		select {
		case pending <- next:
			committed()
		case increment := <-s.windowIncrements:
			if !resets[increment.stream] {
				increments[increment.stream] += uint64(increment.amount)
			}
		case id := <-s.resetRequests:
			delete(increments, id)
			resets[id] = true
		case nonce := <-s.pongRequests:
			pongs = append(pongs, nonce)
		case <-s.closed:
			return
		}
	}
}

// requestWindowIncrement hands a receive window increment to the accumulation
// Goroutine.
func (s *Session) requestWindowIncrement(stream, amount uint32) {
	select {
	case s.windowIncrements <- windowIncrement{stream, amount}:
	case <-s.closed:
	}
}

// requestReset hands a stream reset to the accumulation Goroutine.
func (s *Session) requestReset(stream uint32) {
	select {
	case s.resetRequests <- stream:
	case <-s.closed:
	}
}

// requestPong hands a ping response to the accumulation Goroutine.
func (s *Session) requestPong(nonce uint32) {
	select {
	case s.pongRequests <- nonce:
	case <-s.closed:
	}
}

// discard drops a data frame body from the channel.
func discard(reader *bufio.Reader, length uint32) error {
	if length == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
		return fmt.Errorf("unable to discard data: %w", err)
	}
	return nil
}

// handleData processes a data frame.
func (s *Session) handleData(reader *bufio.Reader, received frame) error {
	// Enforce the frame size bound before any allocation.
	if received.length > s.configuration.MaxMessageSize {
		return newProtocolError("data frame length %d exceeds maximum message size", received.length)
	}

	// Resolve the target stream.
	stream, err := s.resolveStream(received)
	if err != nil {
		return err
	}

	// If the stream is unknown (already closed locally and deregistered) or
	// was rejected at open, then discard the body.
	if stream == nil {
		return discard(reader, received.length)
	}

	// Absorb the body.
	if received.length > 0 {
		stream.receiveLock.Lock()

		// Data arriving after the remote half-closed its sending direction
		// violates the close protocol.
		if isClosed(stream.remoteClosedWrite) {
			stream.receiveLock.Unlock()
			return newProtocolError("data received after half-close")
		}

		// Streams that were reset keep discarding in-flight data until the
		// remote notices.
		if isClosed(stream.resetSignal) {
			stream.receiveLock.Unlock()
			return discard(reader, received.length)
		}

		// Enforce the receive window.
		if received.length > stream.recvWindow {
			stream.receiveLock.Unlock()
			return newProtocolError("receive window exceeded by %d bytes", received.length-stream.recvWindow)
		}
		stream.recvWindow -= received.length

		// Enforce the receive buffer bound. A consumer that has fallen this
		// far behind costs the stream, but not the session.
		if stream.receiveBuffered+received.length > s.configuration.MaxBufferSize {
			stream.receiveLock.Unlock()
			if err := discard(reader, received.length); err != nil {
				return err
			}
			s.logger.Warnf("resetting stream %d: receive buffer bound exceeded", stream.id)
			s.resetStream(stream, true)
			return nil
		}

		// Buffer the data and wake any waiting reader.
		body := make([]byte, received.length)
		if _, err := io.ReadFull(reader, body); err != nil {
			stream.receiveLock.Unlock()
			return fmt.Errorf("unable to read frame body: %w", err)
		}
		wasEmpty := stream.receiveBuffered == 0
		stream.receiveChunks = append(stream.receiveChunks, body)
		stream.receiveBuffered += received.length
		if wasEmpty {
			stream.receiveReady <- struct{}{}
		}

		// Under the on-receive policy, replenish the window immediately.
		var replenish uint32
		if s.configuration.WindowUpdateMode == WindowUpdateOnReceive {
			stream.recvWindow += received.length
			replenish = received.length
		}
		stream.receiveLock.Unlock()
		if replenish > 0 {
			s.requestWindowIncrement(stream.id, replenish)
		}
	}

	// Process close flags.
	return s.handleCloseFlags(stream, received.flags)
}

// handleWindowUpdate processes a window update frame.
func (s *Session) handleWindowUpdate(received frame) error {
	// Resolve the target stream.
	stream, err := s.resolveStream(received)
	if err != nil {
		return err
	}
	if stream == nil {
		return nil
	}

	// Apply the credit, watching for counter overflow.
	if received.length > 0 {
		if err := stream.addSendCredit(received.length); err != nil {
			return err
		}
	}

	// Process close flags.
	return s.handleCloseFlags(stream, received.flags)
}

// resolveStream maps a frame to its stream, creating the stream for SYN
// frames. It returns a nil stream (and no error) if the frame should be
// silently discarded.
func (s *Session) resolveStream(received frame) (*Stream, error) {
	if received.flags&flagSYN != 0 {
		return s.incomingStream(received.stream)
	}
	if received.stream == 0 {
		return nil, newProtocolError("zero stream identifier")
	}
	s.streamLock.Lock()
	stream := s.streams[received.stream]
	s.streamLock.Unlock()
	return stream, nil
}

// incomingStream registers a remote-initiated stream. It returns a nil stream
// (and no error) if the stream was rejected.
func (s *Session) incomingStream(id uint32) (*Stream, error) {
	// Validate the identifier: it must be non-zero and carry the remote's
	// parity (odd for client-initiated streams, even for server-initiated
	// ones).
	if id == 0 {
		return nil, newProtocolError("zero stream identifier")
	}
	if s.client == (id%2 == 1) {
		return nil, newProtocolError("stream %d opened with local identifier parity", id)
	}

	// Register the stream.
	s.streamLock.Lock()
	if s.localGoAway {
		// We've told the remote we're done; reject new streams.
		s.streamLock.Unlock()
		s.requestReset(id)
		return nil, nil
	}
	if _, ok := s.streams[id]; ok {
		s.streamLock.Unlock()
		return nil, newProtocolError("stream %d opened twice", id)
	}
	if len(s.streams) >= s.configuration.MaxNumStreams {
		s.streamLock.Unlock()
		return nil, newProtocolError("maximum stream count exceeded")
	}
	stream := newStream(s, id, defaultCredit)
	stream.ackPending = true
	s.streams[id] = stream
	s.streamLock.Unlock()

	// If our receive window exceeds the protocol's implicit initial credit,
	// then grant the difference up front.
	if extra := s.configuration.ReceiveWindow - defaultCredit; extra > 0 {
		stream.receiveLock.Lock()
		stream.recvWindow += extra
		stream.receiveLock.Unlock()
		s.requestWindowIncrement(id, extra)
	}

	// Enqueue the stream for acceptance, rejecting it if the backlog is
	// full.
	select {
	case s.inboundStreams <- stream:
		return stream, nil
	default:
		s.logger.Warnf("rejecting stream %d: accept backlog full", id)
		s.resetStream(stream, true)
		return nil, nil
	}
}

// handleCloseFlags processes the FIN and RST flags on a stream frame.
func (s *Session) handleCloseFlags(stream *Stream, flags uint16) error {
	if flags&flagRST != 0 {
		s.resetStream(stream, false)
		return nil
	}
	if flags&flagFIN != 0 {
		if isClosed(stream.resetSignal) {
			return nil
		}
		if isClosed(stream.remoteClosedWrite) {
			return newProtocolError("half-close received twice for stream %d", stream.id)
		}
		close(stream.remoteClosedWrite)
		// If we've fully closed our side already, then the stream is done.
		if isClosed(stream.closed) {
			s.removeStream(stream.id)
		}
	}
	return nil
}

// handlePing processes a ping frame: requests are echoed with the ACK flag,
// responses complete their outstanding ping. Unmatched responses are ignored.
func (s *Session) handlePing(received frame) error {
	if received.flags&flagACK != 0 {
		s.pingLock.Lock()
		if signal, ok := s.pings[received.length]; ok {
			delete(s.pings, received.length)
			close(signal)
		}
		s.pingLock.Unlock()
		return nil
	}
	s.requestPong(received.length)
	return nil
}

// handleGoAway processes a go away frame. A normal shutdown notice puts the
// session in draining mode; error codes indicate that the remote detected a
// failure and are fatal.
func (s *Session) handleGoAway(received frame) error {
	switch received.length {
	case goAwayNormal:
		s.streamLock.Lock()
		s.remoteGoAway = true
		s.streamLock.Unlock()
		return nil
	case goAwayProtocolError:
		return errors.New("remote reported a protocol error")
	case goAwayInternalError:
		return errors.New("remote reported an internal error")
	default:
		return newProtocolError("unknown go away code: %d", received.length)
	}
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

// enqueueBestEffort enqueues a frame only if queue space is immediately
// available.
func (s *Session) enqueueBestEffort(f frame) {
	select {
	case s.outboundFrames <- f:
	default:
	}
}

// resetStream resets a stream: buffered data is discarded, pending operations
// are unblocked, and the stream is removed from the stream table. If send is
// set, a reset frame is transmitted to the remote.
func (s *Session) resetStream(stream *Stream, send bool) {
	stream.resetOnce.Do(func() {
		close(stream.resetSignal)
		stream.receiveLock.Lock()
		stream.receiveChunks = nil
		stream.receiveBuffered = 0
		select {
		case <-stream.receiveReady:
		default:
		}
		stream.receiveLock.Unlock()
		s.removeStream(stream.id)
		if send {
			s.requestReset(stream.id)
		}
	})
}

// removeStream removes a stream from the stream table.
func (s *Session) removeStream(id uint32) {
	s.streamLock.Lock()
	delete(s.streams, id)
	s.streamLock.Unlock()
}

// OpenStream opens a new stream, cancelling the open operation if the
// provided context is cancelled or the session is closed. The context only
// regulates the lifetime of the open operation, not the stream itself.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	// Allocate and register the stream.
	s.streamLock.Lock()
	if s.remoteGoAway {
		s.streamLock.Unlock()
		return nil, ErrRemoteGoAway
	}
	if s.localGoAway {
		s.streamLock.Unlock()
		return nil, ErrSessionShutdown
	}
	if s.nextOutboundStreamID == 0 {
		s.streamLock.Unlock()
		return nil, ErrStreamsExhausted
	}
	if len(s.streams) >= s.configuration.MaxNumStreams {
		s.streamLock.Unlock()
		return nil, errors.New("maximum stream count reached")
	}
	id := s.nextOutboundStreamID
	if math.MaxUint32-s.nextOutboundStreamID < 2 {
		s.nextOutboundStreamID = 0
	} else {
		s.nextOutboundStreamID += 2
	}
	stream := newStream(s, id, defaultCredit)
	s.streams[id] = stream
	s.streamLock.Unlock()

	// In lazy mode, the SYN flag rides on the first data frame. In eager
	// mode, announce the stream immediately with a window update carrying any
	// extra receive window beyond the protocol's implicit initial credit.
	if s.configuration.LazyOpen {
		stream.flagLock.Lock()
		stream.synPending = true
		stream.flagLock.Unlock()
		return stream, nil
	}
	extra := s.configuration.ReceiveWindow - defaultCredit
	stream.receiveLock.Lock()
	stream.recvWindow += extra
	stream.receiveLock.Unlock()
	open := frame{kind: frameKindWindowUpdate, flags: flagSYN, stream: id, length: extra}
	select {
	case s.outboundFrames <- open:
		return stream, nil
	case <-ctx.Done():
		s.removeStream(id)
		return nil, ctx.Err()
	case <-s.closed:
		s.removeStream(id)
		return nil, ErrSessionClosed
	}
}

// AcceptStream accepts an incoming stream, cancelling the accept operation if
// the provided context is cancelled or the session is closed.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	for {
		select {
		case stream := <-s.inboundStreams:
			// Skip streams that were reset while pending.
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

// Ping transmits a ping frame with a fresh nonce and measures the round trip
// to the matching response.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	// Register the ping.
	s.pingLock.Lock()
	nonce := s.nextPingNonce
	s.nextPingNonce++
	signal := make(chan struct{})
	s.pings[nonce] = signal
	s.pingLock.Unlock()

	// Ensure deregistration on failure.
	deregister := func() {
		s.pingLock.Lock()
		delete(s.pings, nonce)
		s.pingLock.Unlock()
	}

	// Transmit the ping and wait for the response.
	start := time.Now()
	select {
	case s.outboundFrames <- frame{kind: frameKindPing, length: nonce}:
	case <-ctx.Done():
		deregister()
		return 0, ctx.Err()
	case <-s.closed:
		deregister()
		return 0, ErrSessionClosed
	}
	select {
	case <-signal:
		return time.Since(start), nil
	case <-ctx.Done():
		deregister()
		return 0, ctx.Err()
	case <-s.closed:
		deregister()
		return 0, ErrSessionClosed
	}
}

// GoAway signals the remote that no further streams will be opened and puts
// the session in draining mode: existing streams continue, new streams are
// refused in both directions. Repeated calls have no further effect.
func (s *Session) GoAway() error {
	var err error
	s.goAwayOnce.Do(func() {
		s.streamLock.Lock()
		s.localGoAway = true
		s.streamLock.Unlock()
		err = s.enqueueFrame(frame{kind: frameKindGoAway, length: goAwayNormal})
	})
	return err
}

// NumStreams returns the number of live streams on the session.
func (s *Session) NumStreams() int {
	s.streamLock.Lock()
	defer s.streamLock.Unlock()
	return len(s.streams)
}

// IsClient returns whether or not the session uses client (odd) stream
// identifier parity.
func (s *Session) IsClient() bool {
	return s.client
}

// Closed returns a channel that is closed when the session is closed (due to
// either internal failure or a manual call to Close).
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// InternalError returns any internal error that caused the session to close
// (as indicated by closure of the result of Closed). It returns nil if Close
// was manually invoked.
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

// Close closes the session and its underlying channel, signaling the remote
// first when possible. Only the first call to Close will have any effect.
func (s *Session) Close() error {
	s.enqueueBestEffort(frame{kind: frameKindGoAway, length: goAwayNormal})
	return s.closeWithError(nil)
}
