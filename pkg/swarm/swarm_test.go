package swarm

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/peerway-io/peerway/pkg/identify"
	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/logging"
	"github.com/peerway-io/peerway/pkg/multiaddr"
	"github.com/peerway-io/peerway/pkg/ping"
	"github.com/peerway-io/peerway/pkg/upgrade"
)

// TestMain verifies that no Goroutines leak across the test suite.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// endpoint bundles one side of a connected pair.
type endpoint struct {
	keys       *identity.KeyPair
	registry   *Registry
	events     chan Event
	connection *Connection
}

// connectedPair upgrades an in-memory pipe on both ends and wraps the halves
// in connection managers.
func connectedPair(t *testing.T, populate func(dialer, listener *endpoint), configuration *Configuration) (*endpoint, *endpoint) {
	t.Helper()
	logger := logging.NewLogger(logging.LevelError, io.Discard)

	dialer := &endpoint{registry: NewRegistry(), events: make(chan Event, 256)}
	listener := &endpoint{registry: NewRegistry(), events: make(chan Event, 256)}
	var err error
	if dialer.keys, err = identity.GenerateKeyPair(); err != nil {
		t.Fatal("unable to generate dialer keys:", err)
	}
	if listener.keys, err = identity.GenerateKeyPair(); err != nil {
		t.Fatal("unable to generate listener keys:", err)
	}
	if populate != nil {
		populate(dialer, listener)
	}

	address, err := multiaddr.NewMultiaddr("/memory/1")
	if err != nil {
		t.Fatal("unable to parse address:", err)
	}

	p1, p2 := net.Pipe()
	type result struct {
		conn *upgrade.UpgradedConn
		err  error
	}
	results := make(chan result, 1)
	go func() {
		upgrader := upgrade.NewUpgrader(listener.keys, &upgrade.Options{Logger: logger})
		conn, err := upgrader.Upgrade(context.Background(), p2, upgrade.DirectionInbound, address, address)
		results <- result{conn, err}
	}()
	upgrader := upgrade.NewUpgrader(dialer.keys, &upgrade.Options{Logger: logger})
	outbound, err := upgrader.Upgrade(context.Background(), p1, upgrade.DirectionOutbound, address, address)
	if err != nil {
		t.Fatal("outbound upgrade failed:", err)
	}
	var inbound *upgrade.UpgradedConn
	select {
	case r := <-results:
		if r.err != nil {
			t.Fatal("inbound upgrade failed:", r.err)
		}
		inbound = r.conn
	case <-time.After(10 * time.Second):
		t.Fatal("inbound upgrade timed out")
	}

	dialer.connection = NewConnection(outbound, dialer.registry, dialer.events, configuration, logger)
	listener.connection = NewConnection(inbound, listener.registry, listener.events, configuration, logger)
	t.Cleanup(func() {
		closeAndDrain(dialer)
		closeAndDrain(listener)
	})
	return dialer, listener
}

// closeAndDrain closes an endpoint's connection and drains its events so
// that the final connection-closed emission can't block teardown.
func closeAndDrain(e *endpoint) {
	go func() {
		for range e.events {
		}
	}()
	e.connection.Close()
	<-e.connection.Done()
	close(e.events)
}

// waitForEvent waits for an event matching the predicate, failing the test
// on timeout.
func waitForEvent(t *testing.T, events <-chan Event, timeout time.Duration, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-events:
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

// TestEcho exercises the full stack: dial, upgrade, open a stream with a
// negotiated protocol, echo a payload, and observe stream lifecycle events
// on both sides.
func TestEcho(t *testing.T) {
	dialer, listener := connectedPair(t, func(dialer, listener *endpoint) {
		listener.registry.Register("/echo/1.0.0", func(s *Substream) {
			defer s.Close()
			io.Copy(s, s)
		})
	}, &Configuration{DisableIdentify: true})

	stream, err := dialer.connection.OpenStream(context.Background(), "/echo/1.0.0")
	if err != nil {
		t.Fatal("unable to open stream:", err)
	}
	message := []byte("hello world")
	if _, err := stream.Write(message); err != nil {
		t.Fatal("unable to write:", err)
	}
	if err := stream.CloseWrite(); err != nil {
		t.Fatal("unable to half-close:", err)
	}
	received, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal("unable to read echo:", err)
	}
	if !bytes.Equal(received, message) {
		t.Fatal("echoed data mismatch:", string(received))
	}
	if stream.Stats().BytesSent() != uint64(len(message)) || stream.Stats().BytesReceived() != uint64(len(message)) {
		t.Error("traffic counters incorrect:", stream.Stats())
	}
	if err := stream.Close(); err != nil {
		t.Fatal("unable to close stream:", err)
	}

	// Both sides must observe the stream's lifecycle.
	for _, events := range []<-chan Event{dialer.events, listener.events} {
		waitForEvent(t, events, 5*time.Second, func(e Event) bool {
			opened, ok := e.(StreamOpenedEvent)
			return ok && opened.Protocol == "/echo/1.0.0"
		})
		waitForEvent(t, events, 5*time.Second, func(e Event) bool {
			closed, ok := e.(StreamClosedEvent)
			return ok && closed.Protocol == "/echo/1.0.0"
		})
	}
	if dialer.connection.NumSubstreams() != 0 {
		t.Error("substream accounting not drained")
	}
}

// TestIdentify exercises the identity exchange probe.
func TestIdentify(t *testing.T) {
	listenAddress, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	if err != nil {
		t.Fatal("unable to parse address:", err)
	}
	dialer, _ := connectedPair(t, func(dialer, listener *endpoint) {
		// Serve descriptors on both sides so that either peer's probe can
		// succeed.
		serve := func(e *endpoint, info func() *identify.Info) {
			e.registry.Register(identify.ProtocolID, func(s *Substream) {
				defer s.Close()
				identify.Write(s, info())
			})
		}
		serve(dialer, func() *identify.Info {
			return &identify.Info{PublicKey: dialer.keys.Public()}
		})
		serve(listener, func() *identify.Info {
			return &identify.Info{
				PublicKey:       listener.keys.Public(),
				ProtocolVersion: "peerway/1.0.0",
				AgentVersion:    "peerway-test/0.1.0",
				ListenAddresses: []multiaddr.Multiaddr{listenAddress},
				Protocols:       []string{identify.ProtocolID},
			}
		})
	}, nil)

	event := waitForEvent(t, dialer.events, 10*time.Second, func(e Event) bool {
		_, ok := e.(IdentifyResultEvent)
		return ok
	}).(IdentifyResultEvent)
	if event.Err != nil {
		t.Fatal("identity exchange failed:", event.Err)
	}
	if event.Info.AgentVersion != "peerway-test/0.1.0" {
		t.Error("agent version incorrect:", event.Info.AgentVersion)
	}
	if len(event.Info.ListenAddresses) != 1 || !event.Info.ListenAddresses[0].Equal(listenAddress) {
		t.Error("listen addresses incorrect")
	}
	if !event.Info.PublicKey.Equal(dialer.connection.RemotePublicKey()) {
		t.Error("descriptor public key mismatch")
	}
}

// TestPingFailureThreshold verifies that consecutive probe failures close
// the connection: with an unresponsive responder, the configured number of
// failures must be reported and followed by a connection-closed event.
func TestPingFailureThreshold(t *testing.T) {
	configuration := &Configuration{
		PingInterval:    100 * time.Millisecond,
		PingTimeout:     50 * time.Millisecond,
		MaxPingFailures: 3,
		DisableIdentify: true,
	}
	dialer, _ := connectedPair(t, func(dialer, listener *endpoint) {
		// The responder negotiates the probe protocol but never echoes.
		listener.registry.Register(ping.ProtocolID, func(s *Substream) {
			defer s.Close()
			io.Copy(io.Discard, s)
		})
		// Keep the listener's own probes healthy so only the dialer's
		// failure accounting is under test.
		dialer.registry.Register(ping.ProtocolID, func(s *Substream) {
			defer s.Close()
			ping.Serve(s)
		})
	}, configuration)

	var failures int
	for failures < 3 {
		event := waitForEvent(t, dialer.events, 10*time.Second, func(e Event) bool {
			_, ok := e.(PingResultEvent)
			return ok
		}).(PingResultEvent)
		if event.Err == nil {
			t.Fatal("probe unexpectedly succeeded")
		}
		failures++
	}
	waitForEvent(t, dialer.events, 10*time.Second, func(e Event) bool {
		_, ok := e.(ConnectionClosedEvent)
		return ok
	})
	select {
	case <-dialer.connection.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("connection did not tear down")
	}
}

// TestNegotiationFailure verifies that an unsupported protocol fails only
// the offending stream.
func TestNegotiationFailure(t *testing.T) {
	dialer, listener := connectedPair(t, func(dialer, listener *endpoint) {
		listener.registry.Register("/echo/1.0.0", func(s *Substream) {
			defer s.Close()
			io.Copy(s, s)
		})
	}, &Configuration{DisableIdentify: true})

	if _, err := dialer.connection.OpenStream(context.Background(), "/absent/1.0.0"); err == nil {
		t.Fatal("negotiation of unsupported protocol succeeded")
	}
	waitForEvent(t, listener.events, 5*time.Second, func(e Event) bool {
		_, ok := e.(StreamErrorEvent)
		return ok
	})

	// The connection must keep serving registered protocols.
	stream, err := dialer.connection.OpenStream(context.Background(), "/echo/1.0.0")
	if err != nil {
		t.Fatal("unable to open stream after failed negotiation:", err)
	}
	if _, err := stream.Write([]byte("ok")); err != nil {
		t.Fatal("unable to write:", err)
	}
	stream.CloseWrite()
	received, err := io.ReadAll(stream)
	if err != nil || string(received) != "ok" {
		t.Fatal("echo after failed negotiation broken:", err)
	}
	stream.Close()
}

// TestCloseIdempotence verifies that repeated closure is a no-op and that
// teardown emits exactly one connection-closed event.
func TestCloseIdempotence(t *testing.T) {
	dialer, _ := connectedPair(t, nil, &Configuration{DisableIdentify: true})

	// Drain concurrently so the closure event can be delivered.
	var observed int
	counted := make(chan struct{})
	go func() {
		for event := range dialer.events {
			if _, ok := event.(ConnectionClosedEvent); ok {
				observed++
			}
		}
		close(counted)
	}()

	dialer.connection.Close()
	dialer.connection.Close()
	<-dialer.connection.Done()
	time.Sleep(50 * time.Millisecond)
	close(dialer.events)
	<-counted
	if observed != 1 {
		t.Error("connection-closed event count incorrect:", observed)
	}

	// Neutralize the cleanup's own drain of this endpoint.
	dialer.events = make(chan Event, 1)
}
