// Package encoding provides the base encodings used for rendering identifiers
// in text form.
package encoding

import (
	"github.com/eknkc/basex"
)

// Base58Alphabet is the alphabet used for Base58 encoding. It is the Bitcoin
// alphabet, which is also the alphabet used for rendering peer identifiers.
const Base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58 is the Base58 encoder. It is safe for concurrent use.
var base58 *basex.Encoding

func init() {
	// Initialize the Base58 encoder.
	if encoding, err := basex.NewEncoding(Base58Alphabet); err != nil {
		panic("unable to initialize Base58 encoder")
	} else {
		base58 = encoding
	}
}

// EncodeBase58 performs Base58 encoding.
func EncodeBase58(value []byte) string {
	return base58.Encode(value)
}

// DecodeBase58 performs Base58 decoding.
func DecodeBase58(value string) ([]byte, error) {
	return base58.Decode(value)
}
