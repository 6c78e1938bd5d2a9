// Package secio implements the mutually authenticating secure channel: a
// 4-round handshake that negotiates a key agreement, cipher, and digest,
// verifies static-key signatures over the exchanged propositions, derives
// per-direction symmetric keys from an ephemeral key agreement, and proves
// encryption by echoing nonces through the established channel.
package secio

import (
	"github.com/pkg/errors"

	"github.com/peerway-io/peerway/pkg/identity"
)

const (
	// ProtocolID is the protocol identifier negotiated for this secure
	// channel.
	ProtocolID = "/secio/1.0.0"

	// nonceSize is the size of the handshake nonces in bytes.
	nonceSize = 16
	// macKeySize is the size of the per-direction MAC key in bytes.
	macKeySize = 20
	// defaultMaxFrameLength is the default maximum frame length, applied to
	// both handshake messages and established-channel frames.
	defaultMaxFrameLength = 8 * 1024 * 1024

	// DefaultAgreements is the default key agreement preference list.
	DefaultAgreements = "P-256,P-384"
	// DefaultCiphers is the default cipher preference list.
	DefaultCiphers = "AES-128-GCM,AES-256-GCM,CHACHA20_POLY1305,AES-128-CTR,AES-256-CTR"
	// DefaultDigests is the default digest preference list.
	DefaultDigests = "SHA256,SHA512"
)

var (
	// ErrSelfHandshake indicates that the ordering hash comparison yielded
	// equality, meaning the peer presented our own key and nonce.
	ErrSelfHandshake = errors.New("handshake ordering is equal: remote is us")
	// ErrBadSignature indicates that the peer's exchange signature failed
	// verification against its static public key.
	ErrBadSignature = errors.New("exchange signature verification failed")
	// ErrNonceVerification indicates that the proof-of-encryption nonce echo
	// failed.
	ErrNonceVerification = errors.New("nonce verification failed")
	// ErrNoSupportIntersection indicates that the peers share no algorithm in
	// one of the proposed families.
	ErrNoSupportIntersection = errors.New("no supported algorithm intersection")
	// ErrMACMismatch indicates that a frame's MAC failed verification.
	ErrMACMismatch = errors.New("frame MAC verification failed")
	// ErrFrameTooLarge indicates that a frame exceeds the maximum frame
	// length.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Config parameterizes the secure channel handshake.
type Config struct {
	// Keys is the local static key pair. It is required.
	Keys *identity.KeyPair
	// Agreements is the comma-separated key agreement preference list. If
	// empty, DefaultAgreements is used.
	Agreements string
	// Ciphers is the comma-separated cipher preference list. If empty,
	// DefaultCiphers is used.
	Ciphers string
	// Digests is the comma-separated digest preference list. If empty,
	// DefaultDigests is used.
	Digests string
	// MaxFrameLength is the maximum frame length for handshake messages and
	// established-channel frames. If less than or equal to 0, then
	// defaultMaxFrameLength is used.
	MaxFrameLength int
}

// normalize populates defaults for unset configuration values.
func (c *Config) normalize() {
	if c.Agreements == "" {
		c.Agreements = DefaultAgreements
	}
	if c.Ciphers == "" {
		c.Ciphers = DefaultCiphers
	}
	if c.Digests == "" {
		c.Digests = DefaultDigests
	}
	if c.MaxFrameLength <= 0 {
		c.MaxFrameLength = defaultMaxFrameLength
	}
}
