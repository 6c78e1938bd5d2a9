package swarm

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/peerway-io/peerway/pkg/multiaddr"
	"github.com/peerway-io/peerway/pkg/mux"
	"github.com/peerway-io/peerway/pkg/upgrade"
)

// Stats tracks a substream's traffic counters.
type Stats struct {
	// packetsSent is the number of successful writes.
	packetsSent atomic.Uint64
	// packetsReceived is the number of successful reads.
	packetsReceived atomic.Uint64
	// bytesSent is the number of bytes written.
	bytesSent atomic.Uint64
	// bytesReceived is the number of bytes read.
	bytesReceived atomic.Uint64
}

// BytesSent returns the number of bytes written.
func (s *Stats) BytesSent() uint64 {
	return s.bytesSent.Load()
}

// BytesReceived returns the number of bytes read.
func (s *Stats) BytesReceived() uint64 {
	return s.bytesReceived.Load()
}

// PacketsSent returns the number of successful writes.
func (s *Stats) PacketsSent() uint64 {
	return s.packetsSent.Load()
}

// PacketsReceived returns the number of successful reads.
func (s *Stats) PacketsReceived() uint64 {
	return s.packetsReceived.Load()
}

// String provides a human-readable traffic summary.
func (s *Stats) String() string {
	return fmt.Sprintf("sent %s in %d packets, received %s in %d packets",
		humanize.Bytes(s.bytesSent.Load()), s.packetsSent.Load(),
		humanize.Bytes(s.bytesReceived.Load()), s.packetsReceived.Load(),
	)
}

// Substream is a negotiated stream handed to protocol handlers for I/O. It
// is owned by its connection for accounting, and notifies the connection
// when closed.
type Substream struct {
	// inner is the multiplexer stream.
	inner mux.Stream
	// connection is the owning connection.
	connection *Connection
	// protocol is the negotiated protocol identifier.
	protocol string
	// direction indicates which side opened the substream.
	direction upgrade.Direction
	// stats tracks traffic counters.
	stats Stats
}

// newSubstream wraps a negotiated multiplexer stream.
func newSubstream(connection *Connection, inner mux.Stream, protocol string, direction upgrade.Direction) *Substream {
	return &Substream{
		inner:      inner,
		connection: connection,
		protocol:   protocol,
		direction:  direction,
	}
}

// ID returns the stream identifier, unique within the connection.
func (s *Substream) ID() uint64 {
	return s.inner.ID()
}

// Protocol returns the negotiated protocol identifier.
func (s *Substream) Protocol() string {
	return s.protocol
}

// Direction returns which side opened the substream.
func (s *Substream) Direction() upgrade.Direction {
	return s.direction
}

// ConnectionID returns the owning connection's identifier.
func (s *Substream) ConnectionID() string {
	return s.connection.ID()
}

// LocalAddress returns the connection's local multiaddress.
func (s *Substream) LocalAddress() multiaddr.Multiaddr {
	return s.connection.LocalAddress()
}

// RemoteAddress returns the connection's remote multiaddress.
func (s *Substream) RemoteAddress() multiaddr.Multiaddr {
	return s.connection.RemoteAddress()
}

// Stats returns the substream's traffic counters.
func (s *Substream) Stats() *Stats {
	return &s.stats
}

// Read implements io.Reader.Read.
func (s *Substream) Read(buffer []byte) (int, error) {
	count, err := s.inner.Read(buffer)
	if count > 0 {
		s.stats.bytesReceived.Add(uint64(count))
		s.stats.packetsReceived.Add(1)
	}
	return count, err
}

// Write implements io.Writer.Write.
func (s *Substream) Write(data []byte) (int, error) {
	count, err := s.inner.Write(data)
	if count > 0 {
		s.stats.bytesSent.Add(uint64(count))
		s.stats.packetsSent.Add(1)
	}
	return count, err
}

// CloseWrite half-closes the substream.
func (s *Substream) CloseWrite() error {
	return s.inner.CloseWrite()
}

// Close closes the substream and notifies the owning connection, which
// removes the substream from its accounting and emits a stream-closed event.
// Subsequent calls are no-ops.
func (s *Substream) Close() error {
	err := s.inner.Close()
	s.connection.substreamClosed(s)
	return err
}

// Reset aborts the substream and notifies the owning connection.
func (s *Substream) Reset() error {
	err := s.inner.Reset()
	s.connection.substreamClosed(s)
	return err
}
