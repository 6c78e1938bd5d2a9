// Package swarm implements the per-peer connection manager: one owner per
// upgraded connection that accepts inbound substreams, opens outbound ones,
// dispatches negotiated protocols to their handlers, runs liveness and
// identity probes, and reports lifecycle events upstream.
package swarm

import (
	"time"

	"github.com/peerway-io/peerway/pkg/identify"
	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/upgrade"
)

// Event is a connection lifecycle event delivered on the manager's event
// channel.
type Event interface {
	// ConnectionID returns the identifier of the originating connection.
	ConnectionID() string
}

// eventBase carries the fields common to all events.
type eventBase struct {
	// connectionID is the originating connection identifier.
	connectionID string
	// remotePeer is the remote peer identifier.
	remotePeer identity.PeerID
}

// ConnectionID implements Event.ConnectionID.
func (e eventBase) ConnectionID() string {
	return e.connectionID
}

// RemotePeer returns the remote peer identifier.
func (e eventBase) RemotePeer() identity.PeerID {
	return e.remotePeer
}

// StreamOpenedEvent indicates that a substream completed protocol
// negotiation.
type StreamOpenedEvent struct {
	eventBase
	// StreamID is the substream identifier.
	StreamID uint64
	// Protocol is the negotiated protocol identifier.
	Protocol string
	// Direction indicates which side opened the substream.
	Direction upgrade.Direction
}

// StreamClosedEvent indicates that a substream was closed.
type StreamClosedEvent struct {
	eventBase
	// StreamID is the substream identifier.
	StreamID uint64
	// Protocol is the negotiated protocol identifier.
	Protocol string
	// Direction indicates which side opened the substream.
	Direction upgrade.Direction
}

// StreamErrorEvent indicates that an inbound substream failed protocol
// negotiation.
type StreamErrorEvent struct {
	eventBase
	// Err is the negotiation failure.
	Err error
}

// PingResultEvent reports one liveness probe round trip.
type PingResultEvent struct {
	eventBase
	// RTT is the measured round trip, if the probe succeeded.
	RTT time.Duration
	// Err is the probe failure, if any.
	Err error
}

// IdentifyResultEvent reports the outcome of the identity exchange.
type IdentifyResultEvent struct {
	eventBase
	// Info is the peer's identity descriptor, if the exchange succeeded.
	Info *identify.Info
	// Err is the exchange failure, if any.
	Err error
}

// ConnectionClosedEvent indicates that the connection was torn down. It is
// the final event emitted by a connection.
type ConnectionClosedEvent struct {
	eventBase
	// Cause is the error that forced closure, if any. It is nil for locally
	// requested closure.
	Cause error
}
