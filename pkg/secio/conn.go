package secio

import (
	"crypto/cipher"
	"crypto/hmac"
	"hash"
	"io"
	"sync"

	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/ring"
)

// halfState holds the cipher state for one direction of the channel: either a
// stream cipher with a per-frame MAC, or an AEAD with a counter nonce.
type halfState struct {
	// stream is the stream cipher, if the chosen cipher is not an AEAD.
	stream cipher.Stream
	// mac is the per-frame MAC, if the chosen cipher is not an AEAD.
	mac hash.Hash
	// aead is the AEAD, if the chosen cipher is an AEAD.
	aead cipher.AEAD
	// nonce is the AEAD nonce, incremented as a big-endian counter after each
	// frame.
	nonce []byte
}

// newHalfState constructs the cipher state for one direction from its
// stretched key material.
func newHalfState(cipherName string, parameters cipherParameters, keys directionParameters, newHash func() hash.Hash) (*halfState, error) {
	if parameters.aead {
		aead, err := newAEAD(cipherName, keys.cipherKey)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, aead.NonceSize())
		copy(nonce, keys.iv)
		return &halfState{aead: aead, nonce: nonce}, nil
	}
	stream, err := newStreamCipher(cipherName, keys.cipherKey, keys.iv)
	if err != nil {
		return nil, err
	}
	return &halfState{
		stream: stream,
		mac:    hmac.New(newHash, keys.macKey),
	}, nil
}

// incrementNonce increments the AEAD nonce as a big-endian counter.
func (h *halfState) incrementNonce() {
	for i := len(h.nonce) - 1; i >= 0; i-- {
		h.nonce[i]++
		if h.nonce[i] != 0 {
			return
		}
	}
}

// overhead returns the number of bytes the state adds to each frame.
func (h *halfState) overhead() int {
	if h.aead != nil {
		return h.aead.Overhead()
	}
	return h.mac.Size()
}

// seal encrypts and authenticates a plaintext block into a frame payload.
func (h *halfState) seal(plaintext []byte) []byte {
	if h.aead != nil {
		result := h.aead.Seal(nil, h.nonce, plaintext, nil)
		h.incrementNonce()
		return result
	}
	result := make([]byte, len(plaintext)+h.mac.Size())
	h.stream.XORKeyStream(result, plaintext)
	h.mac.Reset()
	h.mac.Write(result[:len(plaintext)])
	h.mac.Sum(result[:len(plaintext)])
	return result
}

// open verifies and decrypts a frame payload in place, returning the
// plaintext.
func (h *halfState) open(payload []byte) ([]byte, error) {
	if h.aead != nil {
		result, err := h.aead.Open(payload[:0], h.nonce, payload, nil)
		if err != nil {
			return nil, ErrMACMismatch
		}
		h.incrementNonce()
		return result, nil
	}
	if len(payload) < h.mac.Size() {
		return nil, ErrMACMismatch
	}
	boundary := len(payload) - h.mac.Size()
	ciphertext, tag := payload[:boundary], payload[boundary:]
	h.mac.Reset()
	h.mac.Write(ciphertext)
	if !hmac.Equal(tag, h.mac.Sum(nil)) {
		return nil, ErrMACMismatch
	}
	h.stream.XORKeyStream(ciphertext, ciphertext)
	return ciphertext, nil
}

// Conn is an established secure channel. All traffic is carried in frames
// with a 4-byte big-endian length prefix, encrypted and authenticated with
// per-direction cipher states.
type Conn struct {
	// conn is the underlying channel.
	conn io.ReadWriteCloser
	// maxFrameLength is the maximum frame length.
	maxFrameLength int

	// localPeer is the local peer identifier.
	localPeer identity.PeerID
	// remoteKey is the verified remote static public key.
	remoteKey identity.PublicKey
	// remotePeer is the remote peer identifier, derived from remoteKey.
	remotePeer identity.PeerID
	// ephemeralPublicKey is the local ephemeral public key used for session
	// key derivation.
	ephemeralPublicKey []byte

	// readLock serializes reads and guards readState and drain.
	readLock sync.Mutex
	// readState is the inbound cipher state.
	readState *halfState
	// drain buffers decrypted frame bytes that exceeded a caller's read
	// buffer.
	drain *ring.Buffer

	// writeLock serializes writes and guards writeState.
	writeLock sync.Mutex
	// writeState is the outbound cipher state.
	writeState *halfState
}

// Read implements io.Reader.Read.
func (c *Conn) Read(buffer []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	// Serve from the drain buffer if it holds data from a previous frame.
	if c.drain.Used() > 0 {
		return c.drain.Read(buffer)
	}

	// Receive and open the next frame.
	payload, err := readFrame(c.conn, c.maxFrameLength)
	if err != nil {
		return 0, err
	}
	plaintext, err := c.readState.open(payload)
	if err != nil {
		return 0, err
	}

	// Deliver what fits and buffer the remainder.
	count := copy(buffer, plaintext)
	if count < len(plaintext) {
		if _, err := c.drain.Write(plaintext[count:]); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Write implements io.Writer.Write.
func (c *Conn) Write(data []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	// Transmit the data in frames no larger than the frame length limit.
	maximumPlaintext := c.maxFrameLength - c.writeState.overhead()
	var count int
	for len(data) > 0 {
		block := data
		if len(block) > maximumPlaintext {
			block = block[:maximumPlaintext]
		}
		if err := writeFrame(c.conn, c.writeState.seal(block)); err != nil {
			return count, err
		}
		count += len(block)
		data = data[len(block):]
	}
	return count, nil
}

// Close implements io.Closer.Close.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// LocalPeerID returns the local peer identifier.
func (c *Conn) LocalPeerID() identity.PeerID {
	return c.localPeer
}

// RemotePublicKey returns the verified remote static public key.
func (c *Conn) RemotePublicKey() identity.PublicKey {
	return c.remoteKey
}

// RemotePeerID returns the remote peer identifier.
func (c *Conn) RemotePeerID() identity.PeerID {
	return c.remotePeer
}

// EphemeralPublicKey returns the local ephemeral public key used for session
// key derivation.
func (c *Conn) EphemeralPublicKey() []byte {
	return c.ephemeralPublicKey
}
