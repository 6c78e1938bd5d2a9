package random

import (
	"testing"
)

// TestNew tests New.
func TestNew(t *testing.T) {
	if data, err := New(32); err != nil {
		t.Fatal("unable to generate random data:", err)
	} else if len(data) != 32 {
		t.Error("random data has incorrect length:", len(data), "!=", 32)
	}
}

// TestFill tests Fill.
func TestFill(t *testing.T) {
	buffer := make([]byte, 24)
	if err := Fill(buffer); err != nil {
		t.Fatal("unable to fill buffer with random data:", err)
	}
}
