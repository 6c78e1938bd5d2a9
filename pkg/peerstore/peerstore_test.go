package peerstore

import (
	"testing"
	"time"

	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/multiaddr"
)

// testPeer generates a fresh peer identifier.
func testPeer(t *testing.T) identity.PeerID {
	t.Helper()
	keys, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal("unable to generate key pair:", err)
	}
	return keys.PeerID()
}

// testAddress parses a multiaddress.
func testAddress(t *testing.T, text string) multiaddr.Multiaddr {
	t.Helper()
	address, err := multiaddr.NewMultiaddr(text)
	if err != nil {
		t.Fatal("unable to parse address:", err)
	}
	return address
}

// TestAddAndRemove tests basic address book operations, including duplicate
// suppression.
func TestAddAndRemove(t *testing.T) {
	store := New(0)
	peer := testPeer(t)

	store.AddAddress(peer, testAddress(t, "/memory/123456"), time.Minute)
	store.AddAddress(peer, testAddress(t, "/memory/654321"), time.Minute)
	if addresses := store.Addresses(peer); len(addresses) != 2 {
		t.Fatal("address count incorrect:", len(addresses))
	}

	// Re-adding a known address must not duplicate it.
	store.AddAddress(peer, testAddress(t, "/memory/654321"), time.Minute)
	if addresses := store.Addresses(peer); len(addresses) != 2 {
		t.Fatal("duplicate address was recorded")
	}

	store.RemovePeer(peer)
	if addresses := store.Addresses(peer); len(addresses) != 0 {
		t.Fatal("removed peer still has addresses")
	}
}

// TestTTLExpiry tests that addresses expire.
func TestTTLExpiry(t *testing.T) {
	store := New(0)
	peer := testPeer(t)
	store.AddAddress(peer, testAddress(t, "/ip4/127.0.0.1/tcp/4001"), 20*time.Millisecond)
	store.AddAddress(peer, testAddress(t, "/ip4/127.0.0.1/tcp/4002"), time.Minute)
	time.Sleep(60 * time.Millisecond)
	addresses := store.Addresses(peer)
	if len(addresses) != 1 {
		t.Fatal("expired address still present:", len(addresses))
	}
	if addresses[0].String() != "/ip4/127.0.0.1/tcp/4002" {
		t.Error("surviving address incorrect:", addresses[0].String())
	}
}

// TestPeerCapacity tests least-recently-used peer eviction.
func TestPeerCapacity(t *testing.T) {
	store := New(2)
	first, second, third := testPeer(t), testPeer(t), testPeer(t)
	address := testAddress(t, "/memory/1")
	store.AddAddress(first, address, time.Minute)
	store.AddAddress(second, address, time.Minute)
	store.AddAddress(third, address, time.Minute)
	if store.Len() != 2 {
		t.Fatal("peer capacity not enforced:", store.Len())
	}
	if len(store.Addresses(first)) != 0 {
		t.Error("least recently used peer was not evicted")
	}
	if len(store.Addresses(third)) != 1 {
		t.Error("most recent peer missing")
	}
}
