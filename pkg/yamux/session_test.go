package yamux

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/net/nettest"

	"github.com/peerway-io/peerway/pkg/logging"
	"github.com/peerway-io/peerway/pkg/must"
)

// TestMain verifies that no Goroutines leak across the test suite.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sessionPair creates a pair of connected sessions over an in-memory pipe.
func sessionPair(t *testing.T, configuration *Configuration) (*Session, *Session) {
	t.Helper()
	p1, p2 := net.Pipe()
	var clientConfiguration, serverConfiguration *Configuration
	if configuration != nil {
		first := *configuration
		second := *configuration
		clientConfiguration, serverConfiguration = &first, &second
	}
	logger := logging.NewLogger(logging.LevelError, io.Discard)
	client := NewSession(p1, true, clientConfiguration, logger)
	server := NewSession(p2, false, serverConfiguration, logger)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// makeNetTestMakePipe constructs a nettest.MakePipe with a pair of sessions
// operating in opener and acceptor roles.
func makeNetTestMakePipe(opener, acceptor *Session, logger *logging.Logger) nettest.MakePipe {
	return func() (c1, c2 net.Conn, stop func(), err error) {
		var wait sync.WaitGroup
		wait.Add(2)
		var opened, accepted *Stream
		var openErr, acceptErr error
		go func() {
			opened, openErr = opener.OpenStream(context.Background())
			if openErr == ErrSessionClosed {
				if internalErr := opener.InternalError(); internalErr != nil {
					openErr = fmt.Errorf("session closed due to internal error: %w", internalErr)
				}
			}
			wait.Done()
		}()
		go func() {
			accepted, acceptErr = acceptor.AcceptStream(context.Background())
			if acceptErr == ErrSessionClosed {
				if internalErr := acceptor.InternalError(); internalErr != nil {
					acceptErr = fmt.Errorf("session closed due to internal error: %w", internalErr)
				}
			}
			wait.Done()
		}()
		wait.Wait()
		if openErr != nil || acceptErr != nil {
			if opened != nil {
				must.Close(opened, logger)
			}
			if accepted != nil {
				must.Close(accepted, logger)
			}
			if openErr != nil {
				err = openErr
			} else {
				err = acceptErr
			}
			stop = func() {}
		} else {
			c1 = opened
			c2 = accepted
			stop = func() {
				opened.Reset()
				accepted.Reset()
			}
		}
		return
	}
}

// TestSessionConn runs the net.Conn conformance suite against multiplexed
// streams in both directions. The suite's timeout cases expect a writer facing
// a non-reading peer to block until its deadline, which only the on-read
// window update policy provides; under on-receive the stream is reset instead.
func TestSessionConn(t *testing.T) {
	logger := logging.NewLogger(logging.LevelError, io.Discard)
	configuration := DefaultConfiguration()
	configuration.WindowUpdateMode = WindowUpdateOnRead
	client, server := sessionPair(t, configuration)
	nettest.TestConn(t, makeNetTestMakePipe(client, server, logger))
	nettest.TestConn(t, makeNetTestMakePipe(server, client, logger))
}

// TestConcurrentStreams opens many streams concurrently, transfers a payload
// over each in both directions, and verifies integrity.
func TestConcurrentStreams(t *testing.T) {
	client, server := sessionPair(t, nil)

	const streamCount = 100
	const payloadSize = 100 * 1024
	payload := bytes.Repeat([]byte{0x42}, payloadSize)

	// Echo every inbound stream on the server.
	acceptErrors := make(chan error, 1)
	go func() {
		for i := 0; i < streamCount; i++ {
			stream, err := server.AcceptStream(context.Background())
			if err != nil {
				acceptErrors <- err
				return
			}
			go func() {
				defer stream.Close()
				io.Copy(stream, stream)
			}()
		}
		acceptErrors <- nil
	}()

	// Drive all streams from the client.
	var wait sync.WaitGroup
	streamErrors := make(chan error, streamCount)
	for i := 0; i < streamCount; i++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			stream, err := client.OpenStream(context.Background())
			if err != nil {
				streamErrors <- fmt.Errorf("unable to open stream: %w", err)
				return
			}
			defer stream.Close()
			writeErrors := make(chan error, 1)
			go func() {
				if _, err := stream.Write(payload); err != nil {
					writeErrors <- err
					return
				}
				writeErrors <- stream.CloseWrite()
			}()
			received, err := io.ReadAll(stream)
			if err != nil {
				streamErrors <- fmt.Errorf("unable to read echo: %w", err)
				return
			}
			if err := <-writeErrors; err != nil {
				streamErrors <- fmt.Errorf("unable to write payload: %w", err)
				return
			}
			if !bytes.Equal(received, payload) {
				streamErrors <- fmt.Errorf("payload mismatch: %d bytes", len(received))
			}
		}()
	}
	wait.Wait()
	close(streamErrors)
	for err := range streamErrors {
		t.Error(err)
	}
	select {
	case err := <-acceptErrors:
		if err != nil {
			t.Fatal("accept loop failed:", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("accept loop timed out")
	}
}

// TestPing verifies ping round trips.
func TestPing(t *testing.T) {
	client, _ := sessionPair(t, nil)
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rtt, err := client.Ping(ctx)
		cancel()
		if err != nil {
			t.Fatal("ping failed:", err)
		}
		if rtt < 0 {
			t.Error("ping measured negative round trip")
		}
	}
}

// TestGoAway verifies draining semantics and idempotence.
func TestGoAway(t *testing.T) {
	client, server := sessionPair(t, nil)

	// Open a stream before shutdown begins.
	before, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal("unable to open stream:", err)
	}
	defer before.Close()

	// Announce shutdown from the client, twice. The second call must be a
	// no-op.
	if err := client.GoAway(); err != nil {
		t.Fatal("unable to send go away:", err)
	}
	if err := client.GoAway(); err != nil {
		t.Fatal("repeated go away failed:", err)
	}

	// Local opens must now fail.
	if _, err := client.OpenStream(context.Background()); err != ErrSessionShutdown {
		t.Error("open after local go away returned unexpected error:", err)
	}

	// Once the server observes the notice, its opens must fail too. The
	// notice travels asynchronously, so poll briefly.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := server.OpenStream(context.Background())
		if err == ErrRemoteGoAway {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not observe go away:", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The pre-existing stream must continue to work.
	message := []byte("still flowing")
	go func() {
		accepted, err := server.AcceptStream(context.Background())
		if err != nil {
			return
		}
		defer accepted.Close()
		io.Copy(accepted, accepted)
	}()
	if _, err := before.Write(message); err != nil {
		t.Fatal("write on existing stream failed:", err)
	}
	buffer := make([]byte, len(message))
	before.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(before, buffer); err != nil {
		t.Fatal("read on existing stream failed:", err)
	}
}

// TestOnReadBackPressure verifies that the on-read window update policy
// suspends writers once the receiver's window is exhausted and resumes them
// as the consumer reads.
func TestOnReadBackPressure(t *testing.T) {
	configuration := DefaultConfiguration()
	configuration.WindowUpdateMode = WindowUpdateOnRead
	client, server := sessionPair(t, configuration)

	stream, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal("unable to open stream:", err)
	}
	defer stream.Close()
	accepted, err := server.AcceptStream(context.Background())
	if err != nil {
		t.Fatal("unable to accept stream:", err)
	}
	defer accepted.Close()

	// Write twice the initial credit. The write must suspend until the
	// consumer starts reading.
	payload := bytes.Repeat([]byte{0x01}, 2*defaultCredit)
	writeDone := make(chan error, 1)
	go func() {
		_, err := stream.Write(payload)
		writeDone <- err
	}()
	select {
	case err := <-writeDone:
		t.Fatal("write completed without the consumer reading:", err)
	case <-time.After(250 * time.Millisecond):
	}

	// Drain the stream; the writer must now complete.
	drained := 0
	buffer := make([]byte, 64*1024)
	accepted.SetReadDeadline(time.Now().Add(10 * time.Second))
	for drained < len(payload) {
		count, err := accepted.Read(buffer)
		if err != nil {
			t.Fatal("unable to drain stream:", err)
		}
		drained += count
	}
	select {
	case err := <-writeDone:
		if err != nil {
			t.Fatal("suspended write failed:", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("suspended write never completed")
	}
}

// TestOnReceiveBufferOverflow verifies that a reader that falls behind under
// the on-receive policy costs its stream, but not the session.
func TestOnReceiveBufferOverflow(t *testing.T) {
	configuration := DefaultConfiguration()
	configuration.WindowUpdateMode = WindowUpdateOnReceive
	configuration.MaxBufferSize = defaultCredit
	client, server := sessionPair(t, configuration)

	stream, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal("unable to open stream:", err)
	}
	if _, err := server.AcceptStream(context.Background()); err != nil {
		t.Fatal("unable to accept stream:", err)
	}

	// Write well past the buffer bound without the consumer reading. The
	// stream must eventually be reset.
	payload := bytes.Repeat([]byte{0x02}, 64*1024)
	deadline := time.Now().Add(10 * time.Second)
	var reset bool
	for time.Now().Before(deadline) {
		if _, err := stream.Write(payload); err != nil {
			if err == ErrStreamReset {
				reset = true
			} else {
				t.Fatal("write failed with unexpected error:", err)
			}
			break
		}
	}
	if !reset {
		t.Fatal("stream was never reset")
	}

	// The session must continue serving other streams.
	go func() {
		accepted, err := server.AcceptStream(context.Background())
		if err != nil {
			return
		}
		defer accepted.Close()
		io.Copy(accepted, accepted)
	}()
	replacement, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal("unable to open replacement stream:", err)
	}
	defer replacement.Close()
	if _, err := replacement.Write([]byte("ping")); err != nil {
		t.Fatal("unable to write on replacement stream:", err)
	}
	buffer := make([]byte, 4)
	replacement.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(replacement, buffer); err != nil {
		t.Fatal("unable to read on replacement stream:", err)
	}
}

// rawSession creates a session whose remote end is driven manually by the
// test.
func rawSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	p1, p2 := net.Pipe()
	logger := logging.NewLogger(logging.LevelError, io.Discard)
	session := NewSession(p1, false, nil, logger)
	t.Cleanup(func() {
		session.Close()
		p2.Close()
	})
	return session, p2
}

// writeRawFrame writes a frame header (and optional body) directly to the
// channel.
func writeRawFrame(t *testing.T, conn net.Conn, kind frameKind, flags uint16, stream, length uint32, body []byte) {
	t.Helper()
	var header [headerSize]byte
	header[0] = protocolVersion
	header[1] = byte(kind)
	binary.BigEndian.PutUint16(header[2:4], flags)
	binary.BigEndian.PutUint32(header[4:8], stream)
	binary.BigEndian.PutUint32(header[8:12], length)
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatal("unable to write raw frame header:", err)
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			t.Fatal("unable to write raw frame body:", err)
		}
	}
}

// expectProtocolError waits for the session to close and verifies that the
// closure was caused by a protocol error.
func expectProtocolError(t *testing.T, session *Session) {
	t.Helper()
	select {
	case <-session.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
	if err := session.InternalError(); !IsProtocolError(err) {
		t.Fatal("session closed with unexpected error:", err)
	}
}

// TestWindowUpdateOverflow verifies that credit overflowing the window
// counter is treated as a protocol error.
func TestWindowUpdateOverflow(t *testing.T) {
	session, raw := rawSession(t)
	// The protocol grants an implicit initial credit, so a maximal increment
	// on open already overflows the counter.
	writeRawFrame(t, raw, frameKindWindowUpdate, flagSYN, 1, ^uint32(0), nil)
	expectProtocolError(t, session)
}

// TestStreamParityMismatch verifies that a stream opened with the wrong
// identifier parity is treated as a protocol error.
func TestStreamParityMismatch(t *testing.T) {
	session, raw := rawSession(t)
	// The session under test is the server, so inbound streams must use odd
	// identifiers.
	writeRawFrame(t, raw, frameKindWindowUpdate, flagSYN, 4, 0, nil)
	expectProtocolError(t, session)
}

// TestOversizedDataFrame verifies that a data frame exceeding the maximum
// message size is treated as a protocol error.
func TestOversizedDataFrame(t *testing.T) {
	session, raw := rawSession(t)
	writeRawFrame(t, raw, frameKindWindowUpdate, flagSYN, 1, 0, nil)
	writeRawFrame(t, raw, frameKindData, 0, 1, defaultMaxMessageSize+1, nil)
	expectProtocolError(t, session)
}

// TestCloseIdempotence verifies that closing streams and sessions twice is a
// no-op.
func TestCloseIdempotence(t *testing.T) {
	client, server := sessionPair(t, nil)
	stream, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal("unable to open stream:", err)
	}
	if _, err := server.AcceptStream(context.Background()); err != nil {
		t.Fatal("unable to accept stream:", err)
	}
	if err := stream.Close(); err != nil {
		t.Error("close failed:", err)
	}
	if err := stream.Close(); err != nil {
		t.Error("repeated close failed:", err)
	}
	if err := client.Close(); err != nil {
		t.Error("session close failed:", err)
	}
	if err := client.Close(); err != nil {
		t.Error("repeated session close failed:", err)
	}
}
