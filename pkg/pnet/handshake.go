package pnet

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/peerway-io/peerway/pkg/random"
)

// protectedConn is a channel whose traffic is encrypted with per-direction
// XSalsa20 states: the local nonce keys writes and the remote nonce keys
// reads.
type protectedConn struct {
	// conn is the underlying channel.
	conn io.ReadWriteCloser
	// readLock serializes reads and guards readState.
	readLock sync.Mutex
	// readState is the inbound cipher state.
	readState *cipherState
	// writeLock serializes writes and guards writeState.
	writeLock sync.Mutex
	// writeState is the outbound cipher state.
	writeState *cipherState
}

// Handshake performs the private-network nonce exchange on the channel and
// returns a channel that encrypts all subsequent traffic. Each side generates
// a 24-byte random nonce, writes it, reads the peer's nonce, and installs the
// two cipher states. The pre-shared key alone gates access.
func Handshake(conn io.ReadWriteCloser, key *PreSharedKey) (io.ReadWriteCloser, error) {
	// Generate the local nonce.
	localNonce, err := random.New(nonceSize)
	if err != nil {
		return nil, errors.Wrap(err, "unable to generate nonce")
	}

	// Transmit the local nonce while receiving the remote nonce. The exchange
	// is symmetric, so transmission has to proceed concurrently with
	// reception to avoid deadlocking on a fully synchronous channel.
	writeErrors := make(chan error, 1)
	go func() {
		_, err := conn.Write(localNonce)
		writeErrors <- err
	}()
	remoteNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(conn, remoteNonce); err != nil {
		return nil, errors.Wrap(err, "unable to receive nonce")
	}
	if err := <-writeErrors; err != nil {
		return nil, errors.Wrap(err, "unable to send nonce")
	}

	// Install the cipher states.
	return &protectedConn{
		conn:       conn,
		readState:  newCipherState(key, remoteNonce),
		writeState: newCipherState(key, localNonce),
	}, nil
}

// Read implements io.Reader.Read.
func (c *protectedConn) Read(buffer []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	count, err := c.conn.Read(buffer)
	if count > 0 {
		c.readState.XORKeyStream(buffer[:count], buffer[:count])
	}
	return count, err
}

// Write implements io.Writer.Write.
func (c *protectedConn) Write(data []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	encrypted := make([]byte, len(data))
	c.writeState.XORKeyStream(encrypted, data)
	return c.conn.Write(encrypted)
}

// Close implements io.Closer.Close.
func (c *protectedConn) Close() error {
	return c.conn.Close()
}
