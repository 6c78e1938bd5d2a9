package identity

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/peerway-io/peerway/pkg/encoding"
)

const (
	// multihashCodeSHA256 is the multihash algorithm code for SHA2-256.
	multihashCodeSHA256 = 0x12
	// multihashLengthSHA256 is the digest length for SHA2-256.
	multihashLengthSHA256 = sha256.Size
)

// PeerID is a stable, globally unique peer identifier: the multihash of the
// peer's static public key. Its underlying representation is the raw multihash
// bytes, so it is directly usable as a map key.
type PeerID string

// PeerIDFromPublicKey derives the peer identifier for a public key.
func PeerIDFromPublicKey(key PublicKey) PeerID {
	digest := sha256.Sum256(key.Marshal())
	result := make([]byte, 0, 2+multihashLengthSHA256)
	result = append(result, multihashCodeSHA256, multihashLengthSHA256)
	result = append(result, digest[:]...)
	return PeerID(result)
}

// PeerID derives the peer identifier for the public key.
func (p PublicKey) PeerID() PeerID {
	return PeerIDFromPublicKey(p)
}

// MatchesPublicKey returns whether or not the peer identifier corresponds to
// the specified public key.
func (p PeerID) MatchesPublicKey(key PublicKey) bool {
	return p == PeerIDFromPublicKey(key)
}

// Bytes returns the raw multihash bytes of the identifier.
func (p PeerID) Bytes() []byte {
	return []byte(p)
}

// String renders the identifier in Base58, the canonical text form.
func (p PeerID) String() string {
	return encoding.EncodeBase58([]byte(p))
}

// Validate checks that the identifier is a structurally valid multihash.
func (p PeerID) Validate() error {
	data := []byte(p)
	if len(data) < 2 {
		return errors.New("peer identifier truncated")
	}
	code, count := binary.Uvarint(data)
	if count <= 0 {
		return errors.New("unable to read multihash code")
	}
	length, lengthCount := binary.Uvarint(data[count:])
	if lengthCount <= 0 {
		return errors.New("unable to read multihash length")
	}
	if len(data) != count+lengthCount+int(length) {
		return errors.New("multihash digest has incorrect length")
	}
	if code == multihashCodeSHA256 && length != multihashLengthSHA256 {
		return errors.New("SHA2-256 multihash has incorrect digest length")
	}
	return nil
}

// DecodePeerID decodes a peer identifier from its Base58 text form.
func DecodePeerID(value string) (PeerID, error) {
	data, err := encoding.DecodeBase58(value)
	if err != nil {
		return "", errors.Wrap(err, "unable to decode Base58")
	}
	result := PeerID(data)
	if err := result.Validate(); err != nil {
		return "", err
	}
	return result, nil
}

// PeerIDFromBytes validates and converts raw multihash bytes to a peer
// identifier.
func PeerIDFromBytes(data []byte) (PeerID, error) {
	result := PeerID(data)
	if err := result.Validate(); err != nil {
		return "", err
	}
	return result, nil
}
