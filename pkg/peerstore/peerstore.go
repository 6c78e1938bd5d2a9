// Package peerstore implements the address book: a mapping from peer
// identifiers to their known multiaddresses, each annotated with a time to
// live. Entries are created on observation of a peer and evicted on TTL
// expiry, explicit removal, or least-recently-used displacement once the
// store reaches its peer capacity.
package peerstore

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	gocache "github.com/patrickmn/go-cache"

	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/multiaddr"
)

const (
	// DefaultTTL is the address lifetime used when callers don't specify
	// one.
	DefaultTTL = time.Hour
	// defaultMaxPeers is the default bound on tracked peers.
	defaultMaxPeers = 1024
)

// PeerStore is the address book. It is safe for concurrent usage. All
// operations are short and non-blocking.
type PeerStore struct {
	// lock guards peers.
	lock sync.Mutex
	// peers maps peer identifiers to their address caches, evicting the
	// least recently used peer once capacity is reached.
	peers *lru.Cache
}

// New creates a new address book bounded to the specified number of peers.
// If maxPeers is less than or equal to 0, a default of 1024 is used.
func New(maxPeers int) *PeerStore {
	if maxPeers <= 0 {
		maxPeers = defaultMaxPeers
	}
	return &PeerStore{
		peers: lru.New(maxPeers),
	}
}

// addressesForPeer returns the peer's address cache, optionally creating it.
// The store lock must be held.
func (p *PeerStore) addressesForPeer(peer identity.PeerID, create bool) *gocache.Cache {
	if value, ok := p.peers.Get(peer); ok {
		return value.(*gocache.Cache)
	}
	if !create {
		return nil
	}
	// No background janitor runs: expired entries are skipped on access and
	// stay stored until overwritten or until the peer is removed or evicted.
	addresses := gocache.New(DefaultTTL, 0)
	p.peers.Add(peer, addresses)
	return addresses
}

// AddAddress records an address for a peer with the specified time to live.
// Re-adding a known address refreshes its lifetime; a peer never holds
// duplicate addresses. A ttl less than or equal to 0 selects DefaultTTL.
func (p *PeerStore) AddAddress(peer identity.PeerID, address multiaddr.Multiaddr, ttl time.Duration) {
	if address.Empty() {
		return
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.addressesForPeer(peer, true).Set(string(address.Bytes()), address, ttl)
}

// AddAddresses records multiple addresses for a peer with a shared time to
// live.
func (p *PeerStore) AddAddresses(peer identity.PeerID, addresses []multiaddr.Multiaddr, ttl time.Duration) {
	for _, address := range addresses {
		p.AddAddress(peer, address, ttl)
	}
}

// Addresses returns the unexpired addresses known for a peer.
func (p *PeerStore) Addresses(peer identity.PeerID) []multiaddr.Multiaddr {
	p.lock.Lock()
	defer p.lock.Unlock()
	addresses := p.addressesForPeer(peer, false)
	if addresses == nil {
		return nil
	}
	items := addresses.Items()
	result := make([]multiaddr.Multiaddr, 0, len(items))
	for _, item := range items {
		result = append(result, item.Object.(multiaddr.Multiaddr))
	}
	return result
}

// RemovePeer removes all state for a peer.
func (p *PeerStore) RemovePeer(peer identity.PeerID) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.peers.Remove(peer)
}

// Len returns the number of tracked peers.
func (p *PeerStore) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.peers.Len()
}
