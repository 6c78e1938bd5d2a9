// Package upgrade implements the connection upgrade pipeline: a raw byte
// channel is wrapped, in order, by the optional private-network gate, a
// negotiated secure channel, and a negotiated stream multiplexer, yielding a
// multiplexed connection with a verified remote identity.
package upgrade

import (
	"context"
	"io"

	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/logging"
	"github.com/peerway-io/peerway/pkg/mplex"
	"github.com/peerway-io/peerway/pkg/mux"
	"github.com/peerway-io/peerway/pkg/secio"
	"github.com/peerway-io/peerway/pkg/yamux"
)

// Direction indicates which side of a connection a peer occupies.
type Direction uint8

const (
	// DirectionOutbound indicates the dialing side.
	DirectionOutbound Direction = iota
	// DirectionInbound indicates the listening side.
	DirectionInbound
)

// String provides a human-readable representation of a direction.
func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// SecureConn is an authenticated, encrypted channel with a verified remote
// identity.
type SecureConn interface {
	io.ReadWriteCloser
	// LocalPeerID returns the local peer identifier.
	LocalPeerID() identity.PeerID
	// RemotePeerID returns the remote peer identifier.
	RemotePeerID() identity.PeerID
	// RemotePublicKey returns the verified remote static public key.
	RemotePublicKey() identity.PublicKey
}

// SecurityTransport is a secure channel implementation that can be selected
// by the pipeline.
type SecurityTransport interface {
	// ProtocolInfo returns the protocol identifiers the transport answers
	// to, in preference order.
	ProtocolInfo() []string
	// SecureInbound secures an inbound channel.
	SecureInbound(ctx context.Context, conn io.ReadWriteCloser, protocol string) (SecureConn, error)
	// SecureOutbound secures an outbound channel.
	SecureOutbound(ctx context.Context, conn io.ReadWriteCloser, protocol string) (SecureConn, error)
}

// MuxerTransport is a stream multiplexer implementation that can be selected
// by the pipeline.
type MuxerTransport interface {
	// ProtocolInfo returns the protocol identifiers the transport answers
	// to, in preference order.
	ProtocolInfo() []string
	// NewMuxer multiplexes a channel. The server parameter must be set on
	// exactly one side and is derived from connection direction.
	NewMuxer(conn io.ReadWriteCloser, server bool) mux.Muxer
}

// SecioTransport adapts the secio secure channel to the pipeline.
type SecioTransport struct {
	// Keys is the local static key pair.
	Keys *identity.KeyPair
	// Configuration optionally overrides the handshake configuration. Its
	// Keys field is ignored in favor of the transport's.
	Configuration *secio.Config
}

// ProtocolInfo implements SecurityTransport.ProtocolInfo.
func (t *SecioTransport) ProtocolInfo() []string {
	return []string{secio.ProtocolID}
}

// configuration assembles the effective handshake configuration.
func (t *SecioTransport) configuration() *secio.Config {
	configuration := secio.Config{}
	if t.Configuration != nil {
		configuration = *t.Configuration
	}
	configuration.Keys = t.Keys
	return &configuration
}

// SecureInbound implements SecurityTransport.SecureInbound.
func (t *SecioTransport) SecureInbound(_ context.Context, conn io.ReadWriteCloser, _ string) (SecureConn, error) {
	return secio.Handshake(conn, t.configuration())
}

// SecureOutbound implements SecurityTransport.SecureOutbound. The handshake
// is symmetric, so it is identical to the inbound direction.
func (t *SecioTransport) SecureOutbound(_ context.Context, conn io.ReadWriteCloser, _ string) (SecureConn, error) {
	return secio.Handshake(conn, t.configuration())
}

// yamuxMuxer adapts a yamux session to the shared muxer contract.
type yamuxMuxer struct {
	*yamux.Session
}

// OpenStream implements mux.Muxer.OpenStream.
func (m *yamuxMuxer) OpenStream(ctx context.Context) (mux.Stream, error) {
	return m.Session.OpenStream(ctx)
}

// AcceptStream implements mux.Muxer.AcceptStream.
func (m *yamuxMuxer) AcceptStream(ctx context.Context) (mux.Stream, error) {
	return m.Session.AcceptStream(ctx)
}

// YamuxTransport adapts the windowed multiplexer to the pipeline.
type YamuxTransport struct {
	// Configuration optionally overrides the session configuration.
	Configuration *yamux.Configuration
	// Logger is the logger handed to sessions.
	Logger *logging.Logger
}

// ProtocolInfo implements MuxerTransport.ProtocolInfo.
func (t *YamuxTransport) ProtocolInfo() []string {
	return []string{yamux.ProtocolID}
}

// NewMuxer implements MuxerTransport.NewMuxer.
func (t *YamuxTransport) NewMuxer(conn io.ReadWriteCloser, server bool) mux.Muxer {
	var configuration *yamux.Configuration
	if t.Configuration != nil {
		duplicate := *t.Configuration
		configuration = &duplicate
	}
	return &yamuxMuxer{yamux.NewSession(conn, !server, configuration, t.Logger.Sublogger("yamux"))}
}

// mplexMuxer adapts an mplex session to the shared muxer contract.
type mplexMuxer struct {
	*mplex.Session
}

// OpenStream implements mux.Muxer.OpenStream.
func (m *mplexMuxer) OpenStream(ctx context.Context) (mux.Stream, error) {
	return m.Session.OpenStream(ctx)
}

// AcceptStream implements mux.Muxer.AcceptStream.
func (m *mplexMuxer) AcceptStream(ctx context.Context) (mux.Stream, error) {
	return m.Session.AcceptStream(ctx)
}

// MplexTransport adapts the unwindowed multiplexer to the pipeline.
type MplexTransport struct {
	// Logger is the logger handed to sessions.
	Logger *logging.Logger
}

// ProtocolInfo implements MuxerTransport.ProtocolInfo.
func (t *MplexTransport) ProtocolInfo() []string {
	return []string{mplex.ProtocolID}
}

// NewMuxer implements MuxerTransport.NewMuxer.
func (t *MplexTransport) NewMuxer(conn io.ReadWriteCloser, _ bool) mux.Muxer {
	return &mplexMuxer{mplex.NewSession(conn, t.Logger.Sublogger("mplex"))}
}
