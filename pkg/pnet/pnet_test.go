package pnet

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

// testKeyFile is a key file whose fingerprint is known from interoperable
// implementations.
const testKeyFile = "/key/swarm/psk/1.0.0/\n/base16/\n6189c5cf0b87fb800c1a9feeda73c6ab5e998db48fb9e6a978575c770ceef683"

// TestFingerprint verifies the fingerprint derivation against a known vector.
func TestFingerprint(t *testing.T) {
	key, err := ParsePreSharedKey(testKeyFile)
	if err != nil {
		t.Fatal("unable to parse key:", err)
	}
	if fingerprint := key.Fingerprint().String(); fingerprint != "45fc986bbc9388a11d939df26f730f0c" {
		t.Error("fingerprint mismatch:", fingerprint)
	}
}

// TestKeyFileRoundTrip verifies that key rendering and parsing round trip.
func TestKeyFileRoundTrip(t *testing.T) {
	key, err := ParsePreSharedKey(testKeyFile)
	if err != nil {
		t.Fatal("unable to parse key:", err)
	}
	reparsed, err := ParsePreSharedKey(key.String())
	if err != nil {
		t.Fatal("unable to reparse rendered key:", err)
	}
	if *reparsed != *key {
		t.Error("key round trip mismatch")
	}
}

// TestKeyFileRejection verifies rejection of malformed key files.
func TestKeyFileRejection(t *testing.T) {
	cases := []string{
		"",
		"a\nb\nc",
		"/key/swarm/psk/1.0.0/\n/base64/\nabcd",
		"/key/swarm/psk/1.0.0/\n/base16/\nabcd",
	}
	for _, content := range cases {
		if _, err := ParsePreSharedKey(content); err == nil {
			t.Errorf("parsing of %q succeeded", content)
		}
	}
}

// TestCipherStateContinuity verifies that keystream state is maintained
// across arbitrarily sized operations.
func TestCipherStateContinuity(t *testing.T) {
	key, err := ParsePreSharedKey(testKeyFile)
	if err != nil {
		t.Fatal("unable to parse key:", err)
	}
	nonce := make([]byte, nonceSize)
	for i := range nonce {
		nonce[i] = byte(i)
	}

	// Encrypt a message in one shot.
	message := make([]byte, 300)
	for i := range message {
		message[i] = byte(i % 251)
	}
	whole := newCipherState(key, nonce)
	oneShot := make([]byte, len(message))
	whole.XORKeyStream(oneShot, message)

	// Encrypt the same message in uneven pieces.
	pieces := newCipherState(key, nonce)
	pieced := make([]byte, len(message))
	for _, boundary := range [][2]int{{0, 1}, {1, 63}, {63, 64}, {64, 200}, {200, 300}} {
		pieces.XORKeyStream(pieced[boundary[0]:boundary[1]], message[boundary[0]:boundary[1]])
	}

	if !bytes.Equal(oneShot, pieced) {
		t.Error("piecewise encryption diverged from one-shot encryption")
	}
}

// TestHandshake verifies that two gates configured with the same key produce
// a transparent channel.
func TestHandshake(t *testing.T) {
	key, err := ParsePreSharedKey(testKeyFile)
	if err != nil {
		t.Fatal("unable to parse key:", err)
	}
	client, server := net.Pipe()

	results := make(chan error, 1)
	go func() {
		protected, err := Handshake(server, key)
		if err != nil {
			results <- err
			return
		}
		buffer := make([]byte, 11)
		if _, err := io.ReadFull(protected, buffer); err != nil {
			results <- err
			return
		}
		_, err = protected.Write(buffer)
		results <- err
	}()

	protected, err := Handshake(client, key)
	if err != nil {
		t.Fatal("unable to perform handshake:", err)
	}
	if _, err := protected.Write([]byte("hello world")); err != nil {
		t.Fatal("unable to write:", err)
	}
	echoed := make([]byte, 11)
	if _, err := io.ReadFull(protected, echoed); err != nil {
		t.Fatal("unable to read echo:", err)
	}
	if string(echoed) != "hello world" {
		t.Error("echoed data mismatch:", string(echoed))
	}

	select {
	case err := <-results:
		if err != nil {
			t.Fatal("server failed:", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server timed out")
	}
}

// TestHandshakeKeyMismatch verifies that mismatched keys garble traffic
// rather than producing a usable channel.
func TestHandshakeKeyMismatch(t *testing.T) {
	first, err := ParsePreSharedKey(testKeyFile)
	if err != nil {
		t.Fatal("unable to parse key:", err)
	}
	second := &PreSharedKey{}
	copy(second[:], first[:])
	second[0] ^= 0xff

	client, server := net.Pipe()
	received := make(chan []byte, 1)
	go func() {
		protected, err := Handshake(server, second)
		if err != nil {
			received <- nil
			return
		}
		buffer := make([]byte, 11)
		if _, err := io.ReadFull(protected, buffer); err != nil {
			received <- nil
			return
		}
		received <- buffer
	}()

	protected, err := Handshake(client, first)
	if err != nil {
		t.Fatal("unable to perform handshake:", err)
	}
	if _, err := protected.Write([]byte("hello world")); err != nil {
		t.Fatal("unable to write:", err)
	}

	select {
	case buffer := <-received:
		if buffer == nil {
			t.Fatal("server failed to receive")
		}
		if bytes.Equal(buffer, []byte("hello world")) {
			t.Error("mismatched keys produced intelligible traffic")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server timed out")
	}
}
