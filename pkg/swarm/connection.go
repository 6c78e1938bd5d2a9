package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/peerway-io/peerway/pkg/identify"
	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/logging"
	"github.com/peerway-io/peerway/pkg/multiaddr"
	"github.com/peerway-io/peerway/pkg/multistream"
	"github.com/peerway-io/peerway/pkg/mux"
	"github.com/peerway-io/peerway/pkg/ping"
	"github.com/peerway-io/peerway/pkg/upgrade"
)

// Configuration encodes connection manager configuration.
type Configuration struct {
	// PingInterval is the interval between liveness probes. If 0, a 10
	// second default is used; if negative, probing is disabled.
	PingInterval time.Duration
	// PingTimeout bounds a single probe. If less than or equal to 0, a 10
	// second default is used.
	PingTimeout time.Duration
	// MaxPingFailures is the number of consecutive probe failures at which
	// the connection is closed. If less than or equal to 0, a default of 3 is
	// used.
	MaxPingFailures int
	// DisableIdentify suppresses the identity exchange that normally runs
	// once after connection establishment.
	DisableIdentify bool
	// IdentifyTimeout bounds the identity exchange. If less than or equal to
	// 0, a 30 second default is used.
	IdentifyTimeout time.Duration
}

// normalize normalizes out-of-range configuration values.
func (c *Configuration) normalize() {
	if c.PingInterval == 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.MaxPingFailures <= 0 {
		c.MaxPingFailures = 3
	}
	if c.IdentifyTimeout <= 0 {
		c.IdentifyTimeout = 30 * time.Second
	}
}

// Connection is the per-peer owner of an upgraded connection. It accepts
// inbound substreams and dispatches them through its protocol registry,
// opens outbound substreams on request, runs background liveness and
// identity probes, and emits lifecycle events on its event channel.
type Connection struct {
	// id is the connection identifier.
	id string
	// conn is the upgraded connection, which owns the multiplexer.
	conn *upgrade.UpgradedConn
	// registry is the inbound protocol registry. It is immutable for the
	// lifetime of the connection.
	registry *Registry
	// events is the upstream event channel. The owner of the connection
	// must consume it.
	events chan<- Event
	// configuration is the connection configuration.
	configuration Configuration
	// logger is the connection logger.
	logger *logging.Logger

	// substreamLock guards substreams.
	substreamLock sync.Mutex
	// substreams is the set of currently open substreams.
	substreams map[uint64]*Substream

	// closing is closed when teardown begins; background tasks observe it
	// between suspension points.
	closing chan struct{}
	// closeOnce guards teardown.
	closeOnce sync.Once
	// done is closed once teardown completes and the connection-closed event
	// has been emitted.
	done chan struct{}
	// tasks tracks the background Goroutines that teardown must wait for.
	tasks sync.WaitGroup
}

// NewConnection creates a connection manager owning the specified upgraded
// connection and starts its background tasks. If configuration is nil, the
// default configuration is used.
func NewConnection(conn *upgrade.UpgradedConn, registry *Registry, events chan<- Event, configuration *Configuration, logger *logging.Logger) *Connection {
	effective := Configuration{}
	if configuration != nil {
		effective = *configuration
	}
	effective.normalize()

	connection := &Connection{
		id:            uuid.NewString(),
		conn:          conn,
		registry:      registry,
		events:        events,
		configuration: effective,
		logger:        logger,
		substreams:    make(map[uint64]*Substream),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
	}

	// Start the accept loop.
	connection.tasks.Add(1)
	go connection.acceptLoop()

	// Start the liveness probe task.
	if effective.PingInterval > 0 {
		connection.tasks.Add(1)
		go connection.pingLoop()
	}

	// Start the one-shot identity exchange.
	if !effective.DisableIdentify {
		connection.tasks.Add(1)
		go connection.identifyTask()
	}

	// Watch for multiplexer failure, which must tear the connection down
	// even without a local close request.
	go func() {
		<-conn.Closed()
		connection.Close()
	}()

	return connection
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// LocalPeer returns the local peer identifier.
func (c *Connection) LocalPeer() identity.PeerID {
	return c.conn.LocalPeer
}

// RemotePeer returns the remote peer identifier.
func (c *Connection) RemotePeer() identity.PeerID {
	return c.conn.RemotePeer
}

// RemotePublicKey returns the verified remote public key.
func (c *Connection) RemotePublicKey() identity.PublicKey {
	return c.conn.RemotePublicKey
}

// Direction returns which side initiated the connection.
func (c *Connection) Direction() upgrade.Direction {
	return c.conn.Direction
}

// LocalAddress returns the connection's local multiaddress.
func (c *Connection) LocalAddress() multiaddr.Multiaddr {
	return c.conn.LocalAddress
}

// RemoteAddress returns the connection's remote multiaddress.
func (c *Connection) RemoteAddress() multiaddr.Multiaddr {
	return c.conn.RemoteAddress
}

// NumSubstreams returns the number of currently open substreams.
func (c *Connection) NumSubstreams() int {
	c.substreamLock.Lock()
	defer c.substreamLock.Unlock()
	return len(c.substreams)
}

// Done returns a channel closed once teardown completes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// emit delivers an event upstream, abandoning delivery if teardown begins.
func (c *Connection) emit(event Event) {
	select {
	case c.events <- event:
	case <-c.closing:
	}
}

// base assembles the event fields common to this connection.
func (c *Connection) base() eventBase {
	return eventBase{connectionID: c.id, remotePeer: c.conn.RemotePeer}
}

// registerSubstream adds a substream to the connection's accounting and
// announces it upstream.
func (c *Connection) registerSubstream(substream *Substream) {
	c.substreamLock.Lock()
	c.substreams[substream.ID()] = substream
	c.substreamLock.Unlock()
	c.emit(StreamOpenedEvent{
		eventBase: c.base(),
		StreamID:  substream.ID(),
		Protocol:  substream.Protocol(),
		Direction: substream.Direction(),
	})
}

// substreamClosed removes a substream from the connection's accounting and
// announces the closure upstream. Repeated notifications for the same
// substream are ignored.
func (c *Connection) substreamClosed(substream *Substream) {
	c.substreamLock.Lock()
	if _, ok := c.substreams[substream.ID()]; !ok {
		c.substreamLock.Unlock()
		return
	}
	delete(c.substreams, substream.ID())
	c.substreamLock.Unlock()
	c.emit(StreamClosedEvent{
		eventBase: c.base(),
		StreamID:  substream.ID(),
		Protocol:  substream.Protocol(),
		Direction: substream.Direction(),
	})
}

// watchStream resets a stream when the context expires before the watch is
// stopped, unblocking any I/O in progress on it.
func watchStream(ctx context.Context, stream interface{ Reset() error }) (stop func()) {
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-watchDone:
			default:
				stream.Reset()
			}
		case <-watchDone:
		}
	}()
	return func() {
		close(watchDone)
	}
}

// OpenStream opens a new substream and negotiates one of the specified
// protocols against the remote, in preference order.
func (c *Connection) OpenStream(ctx context.Context, protocols ...string) (*Substream, error) {
	raw, err := c.conn.OpenStream(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open stream")
	}
	stop := watchStream(ctx, raw)
	protocol, err := multistream.SelectOneOf(protocols, raw)
	stop()
	if err != nil {
		raw.Reset()
		return nil, errors.Wrap(err, "protocol negotiation failed")
	}
	substream := newSubstream(c, raw, protocol, upgrade.DirectionOutbound)
	c.registerSubstream(substream)
	return substream, nil
}

// acceptLoop repeatedly accepts raw substreams from the multiplexer and
// dispatches them. It exits when the multiplexer closes.
func (c *Connection) acceptLoop() {
	defer c.tasks.Done()
	for {
		raw, err := c.conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			c.handleInbound(raw)
		}()
	}
}

// handleInbound negotiates an inbound substream against the protocol
// registry and invokes its handler. Negotiation failure closes only the
// offending substream.
func (c *Connection) handleInbound(raw mux.Stream) {
	protocol, err := multistream.Handle(c.registry.Protocols(), raw)
	if err != nil {
		c.logger.Warnf("inbound stream negotiation failed: %v", err)
		c.emit(StreamErrorEvent{eventBase: c.base(), Err: err})
		raw.Reset()
		return
	}
	substream := newSubstream(c, raw, protocol, upgrade.DirectionInbound)
	c.registerSubstream(substream)
	c.registry.handler(protocol)(substream)
}

// pingLoop periodically probes the remote. Reaching the configured number of
// consecutive failures closes the connection.
func (c *Connection) pingLoop() {
	defer c.tasks.Done()
	ticker := time.NewTicker(c.configuration.PingInterval)
	defer ticker.Stop()
	var failures int
	for {
		select {
		case <-ticker.C:
		case <-c.closing:
			return
		}
		rtt, err := c.pingOnce()
		c.emit(PingResultEvent{eventBase: c.base(), RTT: rtt, Err: err})
		if err != nil {
			failures++
			c.logger.Warnf("liveness probe failed (%d/%d): %v", failures, c.configuration.MaxPingFailures, err)
			if failures >= c.configuration.MaxPingFailures {
				// Teardown waits for this task, so it can't run inline.
				go c.Close()
				return
			}
		} else {
			failures = 0
		}
	}
}

// pingOnce performs one bounded probe round trip.
func (c *Connection) pingOnce() (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.configuration.PingTimeout)
	defer cancel()
	substream, err := c.OpenStream(ctx, ping.ProtocolID)
	if err != nil {
		return 0, err
	}
	defer substream.Close()
	stop := watchStream(ctx, substream)
	defer stop()
	return ping.Ping(substream)
}

// identifyTask performs the one-shot identity exchange after connection
// establishment and reports the peer's descriptor upstream.
func (c *Connection) identifyTask() {
	defer c.tasks.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.configuration.IdentifyTimeout)
	defer cancel()
	substream, err := c.OpenStream(ctx, identify.ProtocolID)
	if err != nil {
		c.emit(IdentifyResultEvent{eventBase: c.base(), Err: err})
		return
	}
	defer substream.Close()
	stop := watchStream(ctx, substream)
	defer stop()
	info, err := identify.Read(substream)
	c.emit(IdentifyResultEvent{eventBase: c.base(), Info: info, Err: err})
}

// PushIdentity delivers the specified identity descriptor to the remote via
// the identify push protocol.
func (c *Connection) PushIdentity(ctx context.Context, info *identify.Info) error {
	substream, err := c.OpenStream(ctx, identify.PushProtocolID)
	if err != nil {
		return err
	}
	defer substream.Close()
	stop := watchStream(ctx, substream)
	defer stop()
	return identify.Write(substream, info)
}

// Close tears the connection down: the multiplexer is closed (ending the
// accept loop), background tasks are cancelled, active substreams are
// drained, and a connection-closed event is emitted. Closing is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		// Signal teardown to background tasks.
		close(c.closing)

		// Close the multiplexer, which unblocks the accept loop and all
		// substream I/O.
		c.conn.Close()

		// Request closure of the active substream set.
		c.substreamLock.Lock()
		active := make([]*Substream, 0, len(c.substreams))
		for _, substream := range c.substreams {
			active = append(active, substream)
		}
		c.substreamLock.Unlock()
		for _, substream := range active {
			substream.Close()
		}

		// Wait for background tasks to exit, then report teardown. The
		// multiplexer's internal error, if any, is the closure cause.
		c.tasks.Wait()
		c.events <- ConnectionClosedEvent{
			eventBase: c.base(),
			Cause:     c.conn.InternalError(),
		}
		close(c.done)
	})
	return nil
}
