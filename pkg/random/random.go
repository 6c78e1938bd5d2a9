package random

import (
	"crypto/rand"
	"fmt"
)

// New returns a byte slice of the specified length with cryptographically
// random contents.
func New(length int) ([]byte, error) {
	// Create the buffer.
	result := make([]byte, length)

	// Read random data.
	if _, err := rand.Read(result[:]); err != nil {
		return nil, fmt.Errorf("unable to read random data: %w", err)
	}

	// Success.
	return result, nil
}

// Fill populates the provided buffer with cryptographically random contents.
func Fill(buffer []byte) error {
	if _, err := rand.Read(buffer); err != nil {
		return fmt.Errorf("unable to read random data: %w", err)
	}
	return nil
}
