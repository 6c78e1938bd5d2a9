package upgrade

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/logging"
	"github.com/peerway-io/peerway/pkg/mplex"
	"github.com/peerway-io/peerway/pkg/multiaddr"
	"github.com/peerway-io/peerway/pkg/pnet"
	"github.com/peerway-io/peerway/pkg/secio"
)

// TestMain verifies that no Goroutines leak across the test suite.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// upgradePair runs a full upgrade on both ends of an in-memory pipe.
func upgradePair(t *testing.T, dialerOptions, listenerOptions *Options) (*UpgradedConn, *UpgradedConn) {
	t.Helper()
	dialerKeys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal("unable to generate dialer keys:", err)
	}
	listenerKeys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal("unable to generate listener keys:", err)
	}
	dialerAddress, err := multiaddr.NewMultiaddr("/memory/1")
	if err != nil {
		t.Fatal("unable to parse dialer address:", err)
	}
	listenerAddress, err := multiaddr.NewMultiaddr("/memory/2")
	if err != nil {
		t.Fatal("unable to parse listener address:", err)
	}

	p1, p2 := net.Pipe()
	dialer := NewUpgrader(dialerKeys, dialerOptions)
	listener := NewUpgrader(listenerKeys, listenerOptions)

	type result struct {
		conn *UpgradedConn
		err  error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := listener.Upgrade(context.Background(), p2, DirectionInbound, listenerAddress, dialerAddress)
		results <- result{conn, err}
	}()
	outbound, err := dialer.Upgrade(context.Background(), p1, DirectionOutbound, dialerAddress, listenerAddress)
	if err != nil {
		t.Fatal("outbound upgrade failed:", err)
	}
	var inbound *UpgradedConn
	select {
	case r := <-results:
		if r.err != nil {
			t.Fatal("inbound upgrade failed:", r.err)
		}
		inbound = r.conn
	case <-time.After(10 * time.Second):
		t.Fatal("inbound upgrade timed out")
	}

	t.Cleanup(func() {
		outbound.Close()
		inbound.Close()
	})

	// Verify identity propagation.
	if outbound.RemotePeer != listenerKeys.PeerID() || inbound.RemotePeer != dialerKeys.PeerID() {
		t.Fatal("upgrade produced incorrect peer identities")
	}
	if !outbound.RemotePeer.MatchesPublicKey(outbound.RemotePublicKey) {
		t.Fatal("remote public key does not correspond to remote peer")
	}
	return outbound, inbound
}

// verifyTransfer verifies an echo transfer over a fresh stream on the
// upgraded connections.
func verifyTransfer(t *testing.T, outbound, inbound *UpgradedConn) {
	t.Helper()
	go func() {
		stream, err := inbound.AcceptStream(context.Background())
		if err != nil {
			return
		}
		defer stream.Close()
		io.Copy(stream, stream)
	}()

	stream, err := outbound.OpenStream(context.Background())
	if err != nil {
		t.Fatal("unable to open stream:", err)
	}
	defer stream.Close()
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
		t.Error("echoed data mismatch:", string(received))
	}
}

// TestUpgradeDefault tests the default pipeline: secio plus the windowed
// multiplexer.
func TestUpgradeDefault(t *testing.T) {
	outbound, inbound := upgradePair(t, nil, nil)
	if outbound.SecurityProtocol != secio.ProtocolID {
		t.Error("unexpected security protocol:", outbound.SecurityProtocol)
	}
	verifyTransfer(t, outbound, inbound)
}

// TestUpgradeWithPreSharedKey tests the pipeline with the private-network
// gate enabled.
func TestUpgradeWithPreSharedKey(t *testing.T) {
	key, err := pnet.ParsePreSharedKey("/key/swarm/psk/1.0.0/\n/base16/\n6189c5cf0b87fb800c1a9feeda73c6ab5e998db48fb9e6a978575c770ceef683")
	if err != nil {
		t.Fatal("unable to parse pre-shared key:", err)
	}
	outbound, inbound := upgradePair(t,
		&Options{PreSharedKey: key},
		&Options{PreSharedKey: key},
	)
	verifyTransfer(t, outbound, inbound)
}

// TestUpgradePreSharedKeyMismatch tests that peers with different pre-shared
// keys cannot complete the upgrade.
func TestUpgradePreSharedKeyMismatch(t *testing.T) {
	first, err := pnet.ParsePreSharedKey("/key/swarm/psk/1.0.0/\n/base16/\n6189c5cf0b87fb800c1a9feeda73c6ab5e998db48fb9e6a978575c770ceef683")
	if err != nil {
		t.Fatal("unable to parse pre-shared key:", err)
	}
	second := &pnet.PreSharedKey{}
	copy(second[:], first[:])
	second[0] ^= 0xff

	dialerKeys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal("unable to generate dialer keys:", err)
	}
	listenerKeys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal("unable to generate listener keys:", err)
	}
	address, err := multiaddr.NewMultiaddr("/memory/1")
	if err != nil {
		t.Fatal("unable to parse address:", err)
	}

	p1, p2 := net.Pipe()
	timeout := &Options{PreSharedKey: first, HandshakeTimeout: 2 * time.Second}
	dialer := NewUpgrader(dialerKeys, timeout)
	listener := NewUpgrader(listenerKeys, &Options{PreSharedKey: second, HandshakeTimeout: 2 * time.Second})

	listenerErrors := make(chan error, 1)
	go func() {
		_, err := listener.Upgrade(context.Background(), p2, DirectionInbound, address, address)
		listenerErrors <- err
	}()
	if _, err := dialer.Upgrade(context.Background(), p1, DirectionOutbound, address, address); err == nil {
		t.Fatal("outbound upgrade succeeded despite key mismatch")
	}
	select {
	case err := <-listenerErrors:
		if err == nil {
			t.Fatal("inbound upgrade succeeded despite key mismatch")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("inbound upgrade did not fail in time")
	}
}

// TestUpgradeMuxerFallback tests selector dispatch when the two sides only
// share the unwindowed multiplexer.
func TestUpgradeMuxerFallback(t *testing.T) {
	logger := logging.NewLogger(logging.LevelError, io.Discard)
	outbound, inbound := upgradePair(t,
		nil,
		&Options{Muxers: []MuxerTransport{&MplexTransport{Logger: logger}}},
	)
	if outbound.MuxerProtocol != mplex.ProtocolID || inbound.MuxerProtocol != mplex.ProtocolID {
		t.Error("selector did not fall back to the unwindowed multiplexer")
	}
	verifyTransfer(t, outbound, inbound)
}
