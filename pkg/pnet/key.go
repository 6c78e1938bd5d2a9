// Package pnet implements the private-network gate: peers configured with the
// same 32-byte pre-shared key exchange nonces and wrap their channel in a
// symmetric stream cipher. There is no authentication; an intruder without
// the key simply produces indecipherable garbage on the next layer.
package pnet

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/salsa20"
	"golang.org/x/crypto/sha3"
)

const (
	// KeySize is the size of a pre-shared key in bytes.
	KeySize = 32
	// nonceSize is the size of the handshake nonces in bytes.
	nonceSize = 24
	// fingerprintSize is the size of a key fingerprint in bytes.
	fingerprintSize = 16

	// keyFileType is the type line of the key file format.
	keyFileType = "/key/swarm/psk/1.0.0/"
	// keyFileEncoding is the encoding line of the key file format.
	keyFileEncoding = "/base16/"
)

// PreSharedKey is a 32-byte pre-shared key gating access to a private
// network.
type PreSharedKey [KeySize]byte

// Fingerprint is a key fingerprint suitable for operational inspection
// without exposing the key itself.
type Fingerprint [fingerprintSize]byte

// String renders the fingerprint as lowercase hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Fingerprint derives the key's fingerprint: a Salsa20 keystream over 64 zero
// bytes using a fixed nonce, fed through a Shake128 extendable-output hash.
// The derivation is independent of the handshake nonce exchange.
func (k *PreSharedKey) Fingerprint() Fingerprint {
	var keystream [64]byte
	key := [KeySize]byte(*k)
	salsa20.XORKeyStream(keystream[:], keystream[:], []byte("finprint"), &key)
	shake := sha3.NewShake128()
	shake.Write(keystream[:])
	var result Fingerprint
	shake.Read(result[:])
	return result
}

// ParsePreSharedKey parses a key from the key file format: a type line, an
// encoding line, and the hex-encoded key, each newline-terminated. Only
// base16 encoding is supported.
func ParsePreSharedKey(content string) (*PreSharedKey, error) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) != 3 {
		return nil, errors.New("key file does not have the expected structure")
	}
	if lines[0] != keyFileType {
		return nil, errors.Errorf("unsupported key type: %s", lines[0])
	}
	if lines[1] != keyFileEncoding {
		return nil, errors.Errorf("unsupported key encoding: %s", lines[1])
	}
	material, err := hex.DecodeString(strings.TrimSpace(lines[2]))
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode key material")
	}
	if len(material) != KeySize {
		return nil, errors.Errorf("key has incorrect length: %d", len(material))
	}
	var result PreSharedKey
	copy(result[:], material)
	return &result, nil
}

// String renders the key in the key file format.
func (k *PreSharedKey) String() string {
	return fmt.Sprintf("%s\n%s\n%s\n", keyFileType, keyFileEncoding, hex.EncodeToString(k[:]))
}
