package pnet

import (
	"encoding/binary"

	"golang.org/x/crypto/salsa20/salsa"
)

// cipherState is a stateful XSalsa20 keystream generator. Each direction of a
// protected channel owns one state, keyed by the pre-shared key and that
// direction's handshake nonce.
type cipherState struct {
	// key is the Salsa20 subkey derived from the pre-shared key and the first
	// 16 bytes of the nonce via HSalsa20.
	key [32]byte
	// nonce is the trailing 8 bytes of the 24-byte handshake nonce.
	nonce [8]byte
	// blockCounter is the next 64-byte keystream block index.
	blockCounter uint64
	// keystream is the current partially consumed keystream block.
	keystream [64]byte
	// keystreamUsed is the number of consumed bytes in keystream. A value of
	// 64 indicates that no partial block is available.
	keystreamUsed int
}

// newCipherState derives a cipher state from the pre-shared key and a 24-byte
// nonce.
func newCipherState(key *PreSharedKey, nonce []byte) *cipherState {
	var hNonce [16]byte
	copy(hNonce[:], nonce[:16])
	material := [KeySize]byte(*key)
	state := &cipherState{keystreamUsed: 64}
	salsa.HSalsa20(&state.key, &hNonce, &material, &salsa.Sigma)
	copy(state.nonce[:], nonce[16:])
	return state
}

// counterBlock assembles the 16-byte Salsa20 counter for the current block
// index.
func (s *cipherState) counterBlock() [16]byte {
	var counter [16]byte
	copy(counter[:8], s.nonce[:])
	binary.LittleEndian.PutUint64(counter[8:], s.blockCounter)
	return counter
}

// XORKeyStream XORs the keystream into src, writing the result to dst. The
// slices must have equal length and may alias exactly.
func (s *cipherState) XORKeyStream(dst, src []byte) {
	// Consume any partial keystream block left over from a previous call.
	for len(src) > 0 && s.keystreamUsed < len(s.keystream) {
		dst[0] = src[0] ^ s.keystream[s.keystreamUsed]
		s.keystreamUsed++
		dst = dst[1:]
		src = src[1:]
	}
	if len(src) == 0 {
		return
	}

	// Process the block-aligned portion directly.
	aligned := len(src) / len(s.keystream) * len(s.keystream)
	if aligned > 0 {
		counter := s.counterBlock()
		salsa.XORKeyStream(dst[:aligned], src[:aligned], &counter, &s.key)
		s.blockCounter += uint64(aligned / len(s.keystream))
		dst = dst[aligned:]
		src = src[aligned:]
	}

	// Generate a fresh keystream block for any trailing partial portion.
	if len(src) > 0 {
		var zero [64]byte
		counter := s.counterBlock()
		salsa.XORKeyStream(s.keystream[:], zero[:], &counter, &s.key)
		s.blockCounter++
		for i := range src {
			dst[i] = src[i] ^ s.keystream[i]
		}
		s.keystreamUsed = len(src)
	}
}
