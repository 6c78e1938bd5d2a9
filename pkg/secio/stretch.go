package secio

import (
	"crypto/hmac"
	"hash"
)

// stretchSeed is the seed string for the key expansion function. It must be
// identical amongst all interoperating implementations.
var stretchSeed = []byte("key expansion")

// stretchKeys expands shared key agreement material into the requested amount
// of key material using an iterated HMAC construction keyed by the shared
// material.
func stretchKeys(newHash func() hash.Hash, secret []byte, result []byte) {
	mac := hmac.New(newHash, secret)
	mac.Write(stretchSeed)
	a := mac.Sum(nil)

	var generated int
	for generated < len(result) {
		mac.Reset()
		mac.Write(a)
		mac.Write(stretchSeed)
		b := mac.Sum(nil)

		generated += copy(result[generated:], b)

		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)
	}
}

// directionParameters holds the stretched key material for one direction of
// the channel.
type directionParameters struct {
	// iv is the initialization vector.
	iv []byte
	// cipherKey is the cipher key.
	cipherKey []byte
	// macKey is the MAC key. It is unused for AEAD ciphers.
	macKey []byte
}

// splitParameters splits one half of the stretched key block into its iv,
// cipher key, and MAC key components.
func splitParameters(half []byte, parameters cipherParameters) directionParameters {
	iv := half[:parameters.ivSize]
	cipherKey := half[parameters.ivSize : parameters.ivSize+parameters.keySize]
	macKey := half[parameters.ivSize+parameters.keySize:]
	return directionParameters{iv: iv, cipherKey: cipherKey, macKey: macKey}
}
