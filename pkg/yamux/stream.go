package yamux

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"time"
)

// ErrWriteClosed is returned from operations that fail due to a stream being
// closed for writing. It is analogous to net.ErrClosed, but indicates that
// only the write portion of a stream is closed.
var ErrWriteClosed = errors.New("closed for writing")

// State describes a stream's position in its close state machine. The
// transition is monotonic: Open → {SendClosed, RecvClosed} → Closed.
type State uint8

const (
	// StateOpen indicates a stream open in both directions.
	StateOpen State = iota
	// StateSendClosed indicates a stream whose sending direction has been
	// closed locally.
	StateSendClosed
	// StateRecvClosed indicates a stream whose sending direction has been
	// closed by the remote.
	StateRecvClosed
	// StateClosed indicates a fully closed stream.
	StateClosed
)

// String provides a human-readable representation of a stream state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSendClosed:
		return "send closed"
	case StateRecvClosed:
		return "receive closed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream represents a single multiplexed stream. It implements net.Conn but
// also provides CloseWrite for half-closures and Reset for aborts.
type Stream struct {
	// session is the parent session.
	session *Session
	// id is the stream identifier.
	id uint32

	// flagLock guards synPending and ackPending.
	flagLock sync.Mutex
	// synPending indicates that the next outbound frame for the stream must
	// carry the SYN flag (lazy open).
	synPending bool
	// ackPending indicates that the next outbound frame for the stream must
	// carry the ACK flag.
	ackPending bool

	// remoteClosedWrite is closed by the session's reader Goroutine if and
	// when it receives a half-close for the stream from the remote.
	remoteClosedWrite chan struct{}
	// resetOnce guards closure of resetSignal.
	resetOnce sync.Once
	// resetSignal is closed when the stream is reset, locally or by the
	// remote.
	resetSignal chan struct{}

	// closeOnce guards closure of closed.
	closeOnce sync.Once
	// closed is closed when the stream is closed locally.
	closed chan struct{}
	// closeWriteOnce guards closure of closedWrite.
	closeWriteOnce sync.Once
	// closedWrite is closed when the stream is closed for writing locally.
	closedWrite chan struct{}

	// readDeadline holds the timer used to regulate read deadlines. The
	// timer itself is used as a semaphore to serialize read operations. The
	// holder of the timer is responsible for processing deadline set
	// operations on the readDeadlineSet channel if the timer is to be held in
	// a blocking manner, and for setting readDeadlineExpired if the timer is
	// observed to expire.
	readDeadline chan *time.Timer
	// readDeadlineSet is used to signal read deadline set operations to the
	// current holder of the read deadline timer.
	readDeadlineSet chan time.Time
	// readDeadlineExpired is used to record that the holder of the read
	// deadline timer saw it expire.
	readDeadlineExpired bool

	// writeDeadline holds the timer used to regulate write deadlines. It
	// serves the same semaphore purpose as readDeadline, but for writes.
	writeDeadline chan *time.Timer
	// writeDeadlineSet is used to signal write deadline set operations to the
	// current holder of the write deadline timer.
	writeDeadlineSet chan time.Time
	// writeDeadlineExpired is used to record that the holder of the write
	// deadline timer saw it expire.
	writeDeadlineExpired bool

	// receiveLock guards receiveChunks, receiveBuffered, recvWindow, and
	// write access to receiveReady.
	receiveLock sync.Mutex
	// receiveChunks is the inbound data chunk queue.
	receiveChunks [][]byte
	// receiveBuffered is the total number of buffered inbound bytes.
	receiveBuffered uint32
	// recvWindow is the receive credit currently granted to the remote. The
	// remote will not have more than this many bytes in flight.
	recvWindow uint32
	// receiveReady is used to signal that the chunk queue is non-empty. Read
	// access is guarded by holding the read deadline timer (i.e. being the
	// current reader); write access is guarded by holding receiveLock. The
	// channel must be written to by the holder of receiveLock if the queue
	// transitions from empty to non-empty while the lock is held.
	receiveReady chan struct{}

	// sendWindowLock guards sendWindow and write access to sendWindowReady.
	sendWindowLock sync.Mutex
	// sendWindow is the send credit granted by the remote.
	sendWindow uint32
	// sendWindowReady is used to signal that sendWindow is non-zero. Read
	// access is guarded by holding the write deadline timer (i.e. being the
	// current writer); write access is guarded by holding sendWindowLock.
	// The channel must be written to by the holder of sendWindowLock if
	// sendWindow transitions from zero to non-zero while the lock is held.
	sendWindowReady chan struct{}
}

// newStream constructs a new stream with the specified initial send credit.
func newStream(session *Session, id uint32, sendWindow uint32) *Stream {
	stream := &Stream{
		session:           session,
		id:                id,
		remoteClosedWrite: make(chan struct{}),
		resetSignal:       make(chan struct{}),
		closed:            make(chan struct{}),
		closedWrite:       make(chan struct{}),
		readDeadline:      make(chan *time.Timer, 1),
		readDeadlineSet:   make(chan time.Time),
		writeDeadline:     make(chan *time.Timer, 1),
		writeDeadlineSet:  make(chan time.Time),
		receiveReady:      make(chan struct{}, 1),
		recvWindow:        defaultCredit,
		sendWindow:        sendWindow,
		sendWindowReady:   make(chan struct{}, 1),
	}
	stream.readDeadline <- newStoppedTimer()
	stream.writeDeadline <- newStoppedTimer()
	if sendWindow > 0 {
		stream.sendWindowReady <- struct{}{}
	}
	return stream
}

// ID returns the stream identifier.
func (s *Stream) ID() uint64 {
	return uint64(s.id)
}

// State returns the stream's position in its close state machine.
func (s *Stream) State() State {
	if isClosed(s.resetSignal) {
		return StateClosed
	}
	sendClosed := isClosed(s.closedWrite)
	recvClosed := isClosed(s.remoteClosedWrite)
	if sendClosed && recvClosed {
		return StateClosed
	} else if sendClosed {
		return StateSendClosed
	} else if recvClosed {
		return StateRecvClosed
	}
	return StateOpen
}

// takeFlags consumes any pending SYN or ACK flags for attachment to the next
// outbound frame.
func (s *Stream) takeFlags() uint16 {
	s.flagLock.Lock()
	defer s.flagLock.Unlock()
	var flags uint16
	if s.synPending {
		flags |= flagSYN
		s.synPending = false
	}
	if s.ackPending {
		flags |= flagACK
		s.ackPending = false
	}
	return flags
}

// addSendCredit applies a window update from the remote, waking any waiting
// writer. Credit that would overflow the counter is a protocol violation.
func (s *Stream) addSendCredit(amount uint32) error {
	s.sendWindowLock.Lock()
	defer s.sendWindowLock.Unlock()
	if math.MaxUint32-s.sendWindow < amount {
		return newProtocolError("window update overflows send credit for stream %d", s.id)
	}
	wasZero := s.sendWindow == 0
	s.sendWindow += amount
	if wasZero && amount > 0 {
		s.sendWindowReady <- struct{}{}
	}
	return nil
}

// restoreSendCredit returns unused credit after an aborted write, restoring
// the readiness invariant.
func (s *Stream) restoreSendCredit(amount uint32) {
	s.sendWindowLock.Lock()
	defer s.sendWindowLock.Unlock()
	if s.sendWindow == 0 && amount > 0 {
		s.sendWindow = amount
		s.sendWindowReady <- struct{}{}
	} else {
		s.sendWindow += amount
	}
}

// Read implements net.Conn.Read.
func (s *Stream) Read(buffer []byte) (int, error) {
	// Check for persistent pre-existing error conditions that would prevent
	// a read from succeeding, in consistent reporting priority order.
	if isClosed(s.closed) {
		return 0, net.ErrClosed
	} else if isClosed(s.resetSignal) {
		return 0, ErrStreamReset
	} else if isClosed(s.session.closed) {
		return 0, ErrSessionClosed
	}

	// Acquire the read deadline timer, which gives us exclusive read access.
	// It's important to monitor for local stream closure here because that
	// indicates that the read deadline timer has been removed from
	// circulation.
	var readDeadlineTimer *time.Timer
	select {
	case readDeadlineTimer = <-s.readDeadline:
	case <-s.closed:
		return 0, net.ErrClosed
	case <-s.resetSignal:
		return 0, ErrStreamReset
	case <-s.session.closed:
		return 0, ErrSessionClosed
	}

	// Defer return of the read deadline timer.
	defer func() {
		s.readDeadline <- readDeadlineTimer
	}()

	// Check if the read deadline is already expired.
	if s.readDeadlineExpired {
		return 0, os.ErrDeadlineExceeded
	} else if wasPopulatedWithTime(readDeadlineTimer.C) {
		s.readDeadlineExpired = true
		return 0, os.ErrDeadlineExceeded
	}

	// Wait until the chunk queue is populated, the remote half-closes or
	// resets the stream, or an error occurs.
	var bufferReady bool
	for !bufferReady {
		select {
		case <-s.receiveReady:
			bufferReady = true
		case <-s.remoteClosedWrite:
			select {
			case <-s.receiveReady:
				bufferReady = true
			default:
				return 0, io.EOF
			}
		case <-s.resetSignal:
			return 0, ErrStreamReset
		case <-s.closed:
			return 0, net.ErrClosed
		case <-s.session.closed:
			return 0, ErrSessionClosed
		case <-readDeadlineTimer.C:
			s.readDeadlineExpired = true
			return 0, os.ErrDeadlineExceeded
		case deadline := <-s.readDeadlineSet:
			setStreamDeadline(readDeadlineTimer, &s.readDeadlineExpired, deadline)
			if s.readDeadlineExpired {
				return 0, os.ErrDeadlineExceeded
			}
		}
	}

	// Drain chunks into the destination buffer and ensure that the readiness
	// channel is left in an appropriate state. A reset that arrived between
	// wake-up and this point discards buffered data, so recheck it under the
	// lock.
	s.receiveLock.Lock()
	if isClosed(s.resetSignal) {
		s.receiveLock.Unlock()
		return 0, ErrStreamReset
	}
	var count int
	for len(buffer[count:]) > 0 && len(s.receiveChunks) > 0 {
		chunk := s.receiveChunks[0]
		copied := copy(buffer[count:], chunk)
		count += copied
		if copied == len(chunk) {
			s.receiveChunks = s.receiveChunks[1:]
		} else {
			s.receiveChunks[0] = chunk[copied:]
		}
	}
	s.receiveBuffered -= uint32(count)
	if s.receiveBuffered > 0 {
		s.receiveReady <- struct{}{}
	}

	// Under the on-read policy, replenish the remote's window once enough of
	// it has been consumed. The delta computation relies on the invariant
	// that granted credit plus buffered bytes never exceeds the configured
	// window.
	var replenish uint32
	if s.session.configuration.WindowUpdateMode == WindowUpdateOnRead {
		maximum := s.session.configuration.ReceiveWindow
		if s.receiveBuffered+s.recvWindow > maximum {
			panic("receive window accounting invariant violated")
		}
		delta := maximum - s.receiveBuffered - s.recvWindow
		if delta >= maximum/2 {
			s.recvWindow += delta
			replenish = delta
		}
	}
	s.receiveLock.Unlock()

	// Transmit any window update outside the receive lock.
	if replenish > 0 {
		update := frame{
			kind:   frameKindWindowUpdate,
			flags:  s.takeFlags(),
			stream: s.id,
			length: replenish,
		}
		if err := s.session.enqueueFrame(update); err != nil {
			return count, err
		}
	}

	// Success.
	return count, nil
}

// Write implements net.Conn.Write.
func (s *Stream) Write(data []byte) (int, error) {
	// Check for persistent pre-existing error conditions that would prevent
	// a write from succeeding, in consistent reporting priority order.
	if isClosed(s.closed) {
		return 0, net.ErrClosed
	} else if isClosed(s.closedWrite) {
		return 0, ErrWriteClosed
	} else if isClosed(s.resetSignal) {
		return 0, ErrStreamReset
	} else if isClosed(s.session.closed) {
		return 0, ErrSessionClosed
	}

	// Acquire the write deadline timer, which gives us exclusive write
	// access. It's particularly important to monitor for local write closure
	// because that indicates that the write deadline timer has been removed
	// from circulation.
	var writeDeadlineTimer *time.Timer
	select {
	case writeDeadlineTimer = <-s.writeDeadline:
	case <-s.closed:
		return 0, net.ErrClosed
	case <-s.closedWrite:
		return 0, ErrWriteClosed
	case <-s.resetSignal:
		return 0, ErrStreamReset
	case <-s.session.closed:
		return 0, ErrSessionClosed
	}

	// Defer return of the write deadline timer.
	defer func() {
		s.writeDeadline <- writeDeadlineTimer
	}()

	// Check if the write deadline is already expired.
	if s.writeDeadlineExpired {
		return 0, os.ErrDeadlineExceeded
	} else if wasPopulatedWithTime(writeDeadlineTimer.C) {
		s.writeDeadlineExpired = true
		return 0, os.ErrDeadlineExceeded
	}

	// Loop until all data has been written or an error occurs.
	var count int
	for len(data) > 0 {
		// Wait for non-zero send credit. If we fail due to deadline
		// expiration after draining the readiness channel, then we need to
		// resignal readiness for future writes.
		var haveCredit bool
		for !haveCredit {
			select {
			case <-s.sendWindowReady:
				haveCredit = true
			case <-s.closed:
				return count, net.ErrClosed
			case <-s.closedWrite:
				return count, ErrWriteClosed
			case <-s.resetSignal:
				return count, ErrStreamReset
			case <-s.session.closed:
				return count, ErrSessionClosed
			case <-writeDeadlineTimer.C:
				s.writeDeadlineExpired = true
				return count, os.ErrDeadlineExceeded
			case deadline := <-s.writeDeadlineSet:
				setStreamDeadline(writeDeadlineTimer, &s.writeDeadlineExpired, deadline)
				if s.writeDeadlineExpired {
					return count, os.ErrDeadlineExceeded
				}
			}
		}

		// Compute our transmission window and ensure that the readiness
		// channel is left in an appropriate state.
		s.sendWindowLock.Lock()
		window := min(s.sendWindow, min(uint32(len(data)), s.session.configuration.MaxMessageSize))
		s.sendWindow -= window
		if s.sendWindow > 0 {
			s.sendWindowReady <- struct{}{}
		}
		s.sendWindowLock.Unlock()

		// Build the data frame. The body is copied because the caller may
		// reuse its buffer as soon as we return.
		body := make([]byte, window)
		copy(body, data)
		outbound := frame{
			kind:   frameKindData,
			flags:  s.takeFlags(),
			stream: s.id,
			length: window,
			body:   body,
		}

		// Queue the frame for transmission, restoring unused credit if the
		// write aborts.
		var enqueued bool
		for !enqueued {
			select {
			case s.session.outboundFrames <- outbound:
				enqueued = true
			case <-s.closed:
				return count, net.ErrClosed
			case <-s.closedWrite:
				return count, ErrWriteClosed
			case <-s.resetSignal:
				return count, ErrStreamReset
			case <-s.session.closed:
				return count, ErrSessionClosed
			case <-writeDeadlineTimer.C:
				s.writeDeadlineExpired = true
				s.restoreSendCredit(window)
				return count, os.ErrDeadlineExceeded
			case deadline := <-s.writeDeadlineSet:
				setStreamDeadline(writeDeadlineTimer, &s.writeDeadlineExpired, deadline)
				if s.writeDeadlineExpired {
					s.restoreSendCredit(window)
					return count, os.ErrDeadlineExceeded
				}
			}
		}

		// Advance through the data.
		data = data[window:]
		count += int(window)
	}

	// Success.
	return count, nil
}

// closeWrite is the internal write closure method. It makes transmission of
// the half-close frame optional.
func (s *Stream) closeWrite(sendFIN bool) (err error) {
	s.closeWriteOnce.Do(func() {
		// Signal write closure internally.
		close(s.closedWrite)

		// Wait for all writers to unblock by acquiring the write deadline
		// timer and taking it out of circulation (and ensuring that it's
		// stopped).
		writeDeadlineTimer := <-s.writeDeadline
		writeDeadlineTimer.Stop()

		// If requested, transmit the half-close.
		if sendFIN {
			fin := frame{
				kind:   frameKindWindowUpdate,
				flags:  flagFIN | s.takeFlags(),
				stream: s.id,
			}
			err = s.session.enqueueFrame(fin)
		}
	})
	return
}

// CloseWrite performs half-closure (write-closure) of the stream. Any blocked
// Write or SetWriteDeadline calls will be unblocked. Subsequent calls to
// CloseWrite are no-ops and will return nil.
func (s *Stream) CloseWrite() error {
	return s.closeWrite(true)
}

// close is the internal closure method. It makes transmission of the
// half-close frame optional.
func (s *Stream) close(sendFIN bool) (err error) {
	// Terminate writing if it hasn't been terminated already.
	err = s.closeWrite(sendFIN)

	// Perform full closure idempotently.
	s.closeOnce.Do(func() {
		// Signal closure internally.
		close(s.closed)

		// Wait for all readers to unblock by acquiring the read deadline
		// timer and taking it out of circulation (and ensuring that it's
		// stopped). Writers will already have unblocked by the time the
		// closeWrite call above returned.
		readDeadlineTimer := <-s.readDeadline
		readDeadlineTimer.Stop()

		// If both directions are done, then deregister the stream. Otherwise
		// the session's reader Goroutine deregisters it when the remote's
		// half-close or reset arrives.
		if isClosed(s.remoteClosedWrite) || isClosed(s.resetSignal) {
			s.session.removeStream(s.id)
		}
	})
	return
}

// Close implements net.Conn.Close. It half-closes the sending direction and
// invalidates the local handle; full wire-level closure requires the remote's
// half-close as well. Subsequent calls to Close are no-ops and will return
// nil.
func (s *Stream) Close() error {
	return s.close(true)
}

// Reset aborts the stream in both directions: buffered data is discarded, a
// reset frame is transmitted, and pending operations are unblocked.
// Subsequent calls to Reset are no-ops.
func (s *Stream) Reset() error {
	s.session.resetStream(s, true)
	return nil
}

// LocalAddr implements net.Conn.LocalAddr.
func (s *Stream) LocalAddr() net.Addr {
	return &streamAddress{identifier: s.id}
}

// RemoteAddr implements net.Conn.RemoteAddr.
func (s *Stream) RemoteAddr() net.Addr {
	return &streamAddress{remote: true, identifier: s.id}
}

// SetDeadline implements net.Conn.SetDeadline.
func (s *Stream) SetDeadline(deadline time.Time) error {
	// Set the read deadline.
	if err := s.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("unable to set read deadline: %w", err)
	}

	// Set the write deadline.
	if err := s.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("unable to set write deadline: %w", err)
	}

	// Success.
	return nil
}

// setStreamDeadline is an internal deadline update function for setting read
// and write deadlines for streams. It must only be called by the holder of
// the respective timer.
func setStreamDeadline(timer *time.Timer, expired *bool, deadline time.Time) {
	// Ensure that the timer is stopped and drained. We don't know its
	// previous state (it may have expired without anyone seeing it or may
	// have been stopped and drained previously), so we perform a non-blocking
	// drain if it's already stopped or expired.
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	// Handle the update based on the deadline time.
	if deadline.IsZero() {
		*expired = false
	} else if duration := time.Until(deadline); duration <= 0 {
		*expired = true
	} else {
		timer.Reset(duration)
	}
}

// SetReadDeadline implements net.Conn.SetReadDeadline.
func (s *Stream) SetReadDeadline(deadline time.Time) error {
	// Block until the read deadline is set (by us or its current holder) or
	// until the stream is closed for reading (at which point the read
	// deadline timer is taken out of circulation).
	select {
	case readDeadlineTimer := <-s.readDeadline:
		setStreamDeadline(readDeadlineTimer, &s.readDeadlineExpired, deadline)
		s.readDeadline <- readDeadlineTimer
		return nil
	case s.readDeadlineSet <- deadline:
		return nil
	case <-s.closed:
		return net.ErrClosed
	}
}

// SetWriteDeadline implements net.Conn.SetWriteDeadline.
func (s *Stream) SetWriteDeadline(deadline time.Time) error {
	// Block until the write deadline is set (by us or its current holder) or
	// until the stream is closed for writing (at which point the write
	// deadline timer is taken out of circulation).
	select {
	case writeDeadlineTimer := <-s.writeDeadline:
		setStreamDeadline(writeDeadlineTimer, &s.writeDeadlineExpired, deadline)
		s.writeDeadline <- writeDeadlineTimer
		return nil
	case s.writeDeadlineSet <- deadline:
		return nil
	case <-s.closedWrite:
		return ErrWriteClosed
	}
}
