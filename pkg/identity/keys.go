// Package identity provides the long-lived asymmetric key pairs that identify
// peers and the stable peer identifiers derived from their public keys.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

// KeyType identifies a public key algorithm on the wire.
type KeyType byte

const (
	// KeyTypeEd25519 indicates an Ed25519 key.
	KeyTypeEd25519 KeyType = 1
)

// PublicKey is a peer's static public key.
type PublicKey struct {
	// keyType is the key algorithm.
	keyType KeyType
	// data is the raw key material.
	data []byte
}

// KeyPair is a peer's static key pair.
type KeyPair struct {
	// public is the public half of the key pair.
	public PublicKey
	// private is the Ed25519 private key.
	private ed25519.PrivateKey
}

// GenerateKeyPair generates a new Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to generate key pair")
	}
	return &KeyPair{
		public: PublicKey{
			keyType: KeyTypeEd25519,
			data:    public,
		},
		private: private,
	}, nil
}

// Public returns the public half of the key pair.
func (k *KeyPair) Public() PublicKey {
	return k.public
}

// PeerID returns the peer identifier corresponding to the key pair's public
// key.
func (k *KeyPair) PeerID() PeerID {
	return k.public.PeerID()
}

// Sign signs the specified message with the key pair's private key.
func (k *KeyPair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.private, message), nil
}

// Type returns the key algorithm.
func (p PublicKey) Type() KeyType {
	return p.keyType
}

// Marshal encodes the public key to its wire representation: a key type byte
// followed by a varint-length-prefixed block of raw key material.
func (p PublicKey) Marshal() []byte {
	var length [binary.MaxVarintLen64]byte
	count := binary.PutUvarint(length[:], uint64(len(p.data)))
	result := make([]byte, 0, 1+count+len(p.data))
	result = append(result, byte(p.keyType))
	result = append(result, length[:count]...)
	result = append(result, p.data...)
	return result
}

// UnmarshalPublicKey decodes a public key from its wire representation.
func UnmarshalPublicKey(data []byte) (PublicKey, error) {
	if len(data) < 2 {
		return PublicKey{}, errors.New("public key truncated")
	}
	keyType := KeyType(data[0])
	if keyType != KeyTypeEd25519 {
		return PublicKey{}, errors.Errorf("unsupported key type: %d", keyType)
	}
	reader := bytes.NewReader(data[1:])
	length, err := binary.ReadUvarint(reader)
	if err != nil {
		return PublicKey{}, errors.Wrap(err, "unable to read key length")
	}
	if length != ed25519.PublicKeySize || reader.Len() != int(length) {
		return PublicKey{}, errors.New("public key has incorrect length")
	}
	material := make([]byte, length)
	if _, err := reader.Read(material); err != nil {
		return PublicKey{}, errors.Wrap(err, "unable to read key material")
	}
	return PublicKey{keyType: keyType, data: material}, nil
}

// Verify verifies a signature over the specified message against the public
// key.
func (p PublicKey) Verify(message, signature []byte) bool {
	if p.keyType != KeyTypeEd25519 || len(p.data) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(p.data), message, signature)
}

// Equal returns whether or not two public keys are identical.
func (p PublicKey) Equal(other PublicKey) bool {
	return p.keyType == other.keyType && bytes.Equal(p.data, other.data)
}
