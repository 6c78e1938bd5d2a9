package multiaddr

import (
	"testing"

	"github.com/peerway-io/peerway/pkg/identity"
)

// TestRoundTrip verifies that text → binary → text → binary round trips
// preserve addresses exactly.
func TestRoundTrip(t *testing.T) {
	keys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal("unable to generate key pair:", err)
	}
	cases := []string{
		"/ip4/127.0.0.1/tcp/8080",
		"/ip6/::1/udp/9/quic",
		"/dns4/example.com/tcp/443/wss",
		"/memory/12345",
		"/p2p/" + keys.PeerID().String(),
		"/ip4/10.0.0.1/tcp/4001/p2p/" + keys.PeerID().String(),
		"/dns/example.org/tcp/80/http",
		"/unix/tmp-daemon.sock",
		"/ip4/192.168.0.1/udp/4001/utp",
		"/dnsaddr/bootstrap.example.com",
		"/ip4/1.2.3.4/tcp/443/x-parity-wss/path",
		"/ip4/127.0.0.1/tcp/9090/p2p-circuit",
	}
	for _, text := range cases {
		first, err := NewMultiaddr(text)
		if err != nil {
			t.Fatalf("unable to parse %q: %v", text, err)
		}
		rendered := first.String()
		if rendered != text {
			t.Fatalf("rendering mismatch: %q != %q", rendered, text)
		}
		second, err := NewMultiaddr(rendered)
		if err != nil {
			t.Fatalf("unable to reparse %q: %v", rendered, err)
		}
		if !first.Equal(second) {
			t.Errorf("parse/render/parse mismatch for %q", text)
		}
		decoded, err := FromBytes(first.Bytes())
		if err != nil {
			t.Fatalf("unable to decode binary form of %q: %v", text, err)
		}
		if !decoded.Equal(first) {
			t.Errorf("binary round trip mismatch for %q", text)
		}
	}
}

// TestOnionRoundTrip verifies onion address handling separately since its
// value combines a base32 host with a port.
func TestOnionRoundTrip(t *testing.T) {
	text := "/onion/aaimaq4ygg2iegci:80"
	address, err := NewMultiaddr(text)
	if err != nil {
		t.Fatal("unable to parse onion address:", err)
	}
	if address.String() != text {
		t.Errorf("onion rendering mismatch: %q != %q", address.String(), text)
	}
}

// TestInvalid verifies rejection of malformed addresses.
func TestInvalid(t *testing.T) {
	cases := []string{
		"",
		"ip4/127.0.0.1",
		"/ip4",
		"/ip4/abc",
		"/ip4/127.0.0.1/tcp/70000",
		"/ip6/1.2.3.4",
		"/nosuchprotocol/value",
		"/tcp",
		"/memory/notanumber",
		"/onion/aaimaq4ygg2iegci",
	}
	for _, text := range cases {
		if _, err := NewMultiaddr(text); err == nil {
			t.Errorf("parsing of %q succeeded", text)
		}
	}
	if _, err := FromBytes([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("decoding of malformed binary address succeeded")
	}
}

// TestValueForProtocol tests component value extraction.
func TestValueForProtocol(t *testing.T) {
	address, err := NewMultiaddr("/ip4/127.0.0.1/tcp/8080")
	if err != nil {
		t.Fatal("unable to parse address:", err)
	}
	if value, ok := address.ValueForProtocol(CodeTCP); !ok || value != "8080" {
		t.Error("TCP port extraction failed")
	}
	if _, ok := address.ValueForProtocol(CodeUDP); ok {
		t.Error("extraction of absent protocol succeeded")
	}
}
