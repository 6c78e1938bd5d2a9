package secio

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// cipherParameters describes the key material requirements of a cipher.
type cipherParameters struct {
	// keySize is the cipher key size in bytes.
	keySize int
	// ivSize is the initialization vector size in bytes.
	ivSize int
	// aead indicates whether or not the cipher is an AEAD, in which case no
	// separate MAC is applied.
	aead bool
}

// cipherTable maps cipher names to their parameters.
var cipherTable = map[string]cipherParameters{
	"AES-128-CTR":       {16, 16, false},
	"AES-256-CTR":       {32, 16, false},
	"AES-128-GCM":       {16, 12, true},
	"AES-256-GCM":       {32, 12, true},
	"CHACHA20_POLY1305": {32, 12, true},
}

// selectBest picks the first mutually supported algorithm, with the ordering
// parameter determining whose preference list drives the search: positive
// values prefer ours, negative values prefer theirs. Equality must be handled
// by the caller before selection.
func selectBest(order int, ours, theirs string) (string, error) {
	a, b := ours, theirs
	if order < 0 {
		a, b = theirs, ours
	}
	for _, x := range strings.Split(a, ",") {
		for _, y := range strings.Split(b, ",") {
			if x == y {
				return x, nil
			}
		}
	}
	return "", ErrNoSupportIntersection
}

// curveForAgreement returns the ECDH curve for a key agreement name.
func curveForAgreement(agreement string) (ecdh.Curve, error) {
	switch agreement {
	case "P-256":
		return ecdh.P256(), nil
	case "P-384":
		return ecdh.P384(), nil
	default:
		return nil, ErrNoSupportIntersection
	}
}

// hashForDigest returns the hash constructor for a digest name.
func hashForDigest(digest string) (func() hash.Hash, error) {
	switch digest {
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, ErrNoSupportIntersection
	}
}

// parametersForCipher returns the parameters for a cipher name.
func parametersForCipher(name string) (cipherParameters, error) {
	parameters, ok := cipherTable[name]
	if !ok {
		return cipherParameters{}, ErrNoSupportIntersection
	}
	return parameters, nil
}

// newStreamCipher constructs a CTR-mode stream cipher for the specified
// cipher name.
func newStreamCipher(name string, key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// newAEAD constructs an AEAD for the specified cipher name.
func newAEAD(name string, key []byte) (cipher.AEAD, error) {
	switch name {
	case "AES-128-GCM", "AES-256-GCM":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case "CHACHA20_POLY1305":
		return chacha20poly1305.New(key)
	default:
		return nil, ErrNoSupportIntersection
	}
}
