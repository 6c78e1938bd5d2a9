package upgrade

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/logging"
	"github.com/peerway-io/peerway/pkg/multiaddr"
	"github.com/peerway-io/peerway/pkg/multistream"
	"github.com/peerway-io/peerway/pkg/mux"
	"github.com/peerway-io/peerway/pkg/pnet"
)

const (
	// defaultHandshakeTimeout bounds the complete upgrade of one channel.
	defaultHandshakeTimeout = 30 * time.Second
	// defaultMaxConcurrentInbound is the default cap on concurrent inbound
	// upgrades.
	defaultMaxConcurrentInbound = 16
)

// UpgradedConn is the product of a successful upgrade: a multiplexed channel
// annotated with the identities and addresses of its two ends.
type UpgradedConn struct {
	// Muxer is the negotiated stream multiplexer, which owns the underlying
	// channel.
	mux.Muxer
	// Direction indicates which side initiated the underlying channel.
	Direction Direction
	// LocalPeer is the local peer identifier.
	LocalPeer identity.PeerID
	// RemotePeer is the remote peer identifier, derived from the verified
	// remote public key.
	RemotePeer identity.PeerID
	// LocalKeys is the local static key pair.
	LocalKeys *identity.KeyPair
	// RemotePublicKey is the verified remote static public key.
	RemotePublicKey identity.PublicKey
	// LocalAddress is the local multiaddress of the underlying channel.
	LocalAddress multiaddr.Multiaddr
	// RemoteAddress is the remote multiaddress of the underlying channel.
	RemoteAddress multiaddr.Multiaddr
	// SecurityProtocol is the negotiated secure channel protocol identifier.
	SecurityProtocol string
	// MuxerProtocol is the negotiated multiplexer protocol identifier.
	MuxerProtocol string
}

// Options parameterizes an Upgrader.
type Options struct {
	// PreSharedKey optionally gates the channel behind a private network
	// key.
	PreSharedKey *pnet.PreSharedKey
	// Security are the candidate secure channel transports, in preference
	// order. If empty, a secio transport using the upgrader's keys is used.
	Security []SecurityTransport
	// Muxers are the candidate multiplexer transports, in preference order.
	// If empty, the windowed multiplexer is preferred with the unwindowed
	// variant as fallback.
	Muxers []MuxerTransport
	// HandshakeTimeout bounds the complete upgrade of one channel. If less
	// than or equal to 0, a 30 second default is used.
	HandshakeTimeout time.Duration
	// MaxConcurrentInbound caps concurrent inbound upgrades; channels beyond
	// the cap wait. If less than or equal to 0, a default of 16 is used.
	MaxConcurrentInbound int
	// Logger is the upgrader logger.
	Logger *logging.Logger
}

// Upgrader composes the private-network gate, secure channel, and stream
// multiplexer layers, negotiating each layer's exact protocol variant on the
// output of the previous layer.
type Upgrader struct {
	// keys is the local static key pair.
	keys *identity.KeyPair
	// preSharedKey optionally gates channels behind a private network key.
	preSharedKey *pnet.PreSharedKey
	// security composes the candidate secure channel transports.
	security *securitySelector
	// muxers composes the candidate multiplexer transports.
	muxers *muxerSelector
	// handshakeTimeout bounds the complete upgrade of one channel.
	handshakeTimeout time.Duration
	// inboundSlots enforces the inbound upgrade parallelism cap.
	inboundSlots chan struct{}
	// logger is the upgrader logger.
	logger *logging.Logger
}

// NewUpgrader creates a new upgrader for the specified key pair. If options
// is nil, defaults are used throughout.
func NewUpgrader(keys *identity.KeyPair, options *Options) *Upgrader {
	if options == nil {
		options = &Options{}
	}
	logger := options.Logger
	security := options.Security
	if len(security) == 0 {
		security = []SecurityTransport{&SecioTransport{Keys: keys}}
	}
	muxers := options.Muxers
	if len(muxers) == 0 {
		muxers = []MuxerTransport{
			&YamuxTransport{Logger: logger},
			&MplexTransport{Logger: logger},
		}
	}
	handshakeTimeout := options.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	maxConcurrentInbound := options.MaxConcurrentInbound
	if maxConcurrentInbound <= 0 {
		maxConcurrentInbound = defaultMaxConcurrentInbound
	}
	return &Upgrader{
		keys:             keys,
		preSharedKey:     options.PreSharedKey,
		security:         &securitySelector{security},
		muxers:           &muxerSelector{muxers},
		handshakeTimeout: handshakeTimeout,
		inboundSlots:     make(chan struct{}, maxConcurrentInbound),
		logger:           logger,
	}
}

// Upgrade transforms a raw channel into an upgraded connection. The channel
// is owned by the upgrade from this point on: it is closed on failure, and
// owned by the returned connection's multiplexer on success.
func (u *Upgrader) Upgrade(ctx context.Context, conn io.ReadWriteCloser, direction Direction, localAddress, remoteAddress multiaddr.Multiaddr) (*UpgradedConn, error) {
	// Enforce the inbound parallelism cap.
	if direction == DirectionInbound {
		select {
		case u.inboundSlots <- struct{}{}:
			defer func() {
				<-u.inboundSlots
			}()
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		}
	}

	// Bound the upgrade. The watchdog closes the raw channel on expiration,
	// which unblocks any handshake I/O in progress.
	ctx, cancel := context.WithTimeout(ctx, u.handshakeTimeout)
	defer cancel()
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			// The upgrade may be completing concurrently; the watchdog
			// signal is always raised before cancellation in that case, so
			// recheck it before tearing down the channel.
			select {
			case <-watchdogDone:
			default:
				conn.Close()
			}
		case <-watchdogDone:
		}
	}()

	// Layer 1 (optional): the private-network gate.
	current := conn
	if u.preSharedKey != nil {
		protected, err := pnet.Handshake(current, u.preSharedKey)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "private network handshake failed")
		}
		current = protected
	}

	// Layer 2: negotiate and perform the secure channel handshake.
	securityProtocol, err := u.negotiate(u.security.protocolInfo(), current, direction)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "security negotiation failed")
	}
	securityTransport := u.security.dispatch(securityProtocol)
	var secure SecureConn
	if direction == DirectionInbound {
		secure, err = securityTransport.SecureInbound(ctx, current, securityProtocol)
	} else {
		secure, err = securityTransport.SecureOutbound(ctx, current, securityProtocol)
	}
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "secure channel handshake failed")
	}

	// Layer 3: negotiate and install the stream multiplexer.
	muxerProtocol, err := u.negotiate(u.muxers.protocolInfo(), secure, direction)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "multiplexer negotiation failed")
	}
	muxerTransport := u.muxers.dispatch(muxerProtocol)
	multiplexer := muxerTransport.NewMuxer(secure, direction == DirectionInbound)

	// Assemble the upgraded connection.
	u.logger.Debugf("upgraded %s connection to %s: security=%s muxer=%s",
		direction, secure.RemotePeerID(), securityProtocol, muxerProtocol)
	return &UpgradedConn{
		Muxer:            multiplexer,
		Direction:        direction,
		LocalPeer:        u.keys.PeerID(),
		RemotePeer:       secure.RemotePeerID(),
		LocalKeys:        u.keys,
		RemotePublicKey:  secure.RemotePublicKey(),
		LocalAddress:     localAddress,
		RemoteAddress:    remoteAddress,
		SecurityProtocol: securityProtocol,
		MuxerProtocol:    muxerProtocol,
	}, nil
}

// negotiate runs one multistream negotiation with role determined by
// direction: outbound peers propose, inbound peers respond.
func (u *Upgrader) negotiate(protocols []string, conn io.ReadWriter, direction Direction) (string, error) {
	if direction == DirectionInbound {
		return multistream.Handle(protocols, conn)
	}
	return multistream.SelectOneOf(protocols, conn)
}
