package encoding

import (
	"bytes"
	"testing"
)

// TestBase58RoundTrip verifies that Base58 encoding round-trips.
func TestBase58RoundTrip(t *testing.T) {
	values := [][]byte{
		{0x00},
		{0x00, 0x01, 0x02},
		[]byte("peer identifiers are rendered in base58"),
	}
	for _, value := range values {
		encoded := EncodeBase58(value)
		decoded, err := DecodeBase58(encoded)
		if err != nil {
			t.Fatalf("unable to decode %q: %v", encoded, err)
		}
		if !bytes.Equal(decoded, value) {
			t.Errorf("round trip mismatch for %v", value)
		}
	}
}

// TestBase58Invalid verifies that invalid characters are rejected.
func TestBase58Invalid(t *testing.T) {
	if _, err := DecodeBase58("0OIl"); err == nil {
		t.Error("decoding of invalid alphabet characters succeeded")
	}
}
