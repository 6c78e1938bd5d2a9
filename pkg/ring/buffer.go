// Package ring provides a fixed-size ring buffer for byte storage. It backs
// the decrypted-frame drain buffers used by the secure channel.
package ring

import (
	"errors"
	"io"
)

// ErrBufferFull is the error returned by Buffer if a storage operation can't
// be completed due to a lack of space in the buffer.
var ErrBufferFull = errors.New("buffer full")

// Buffer is a fixed-size ring buffer for storing bytes. Its read behavior is
// designed to match that of bytes.Buffer. The zero value for Buffer is a
// buffer with zero capacity.
type Buffer struct {
	// storage is the buffer's underlying storage.
	storage []byte
	// start is the index of the oldest stored byte. It is restricted to the
	// range [0, len(storage)) and reset to 0 whenever the buffer drains.
	start int
	// used is the number of bytes currently stored. It is restricted to the
	// range [0, len(storage)].
	used int
}

// NewBuffer creates a new ring buffer with the specified size. If size is
// less than or equal to 0, then a buffer with zero capacity is created.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		return &Buffer{}
	}
	return &Buffer{
		storage: make([]byte, size),
	}
}

// Size returns the size of the buffer.
func (b *Buffer) Size() int {
	return len(b.storage)
}

// Used returns how many bytes currently reside in the buffer.
func (b *Buffer) Used() int {
	return len(b.storage) - b.Free()
}

// Free returns the unused buffer capacity.
func (b *Buffer) Free() int {
	return len(b.storage) - b.used
}

// Reset clears all data within the buffer.
func (b *Buffer) Reset() {
	b.start = 0
	b.used = 0
}

// Write implements io.Writer.Write. If the buffer lacks the storage to
// absorb the full data slice, then it absorbs what it can and returns
// ErrBufferFull.
func (b *Buffer) Write(data []byte) (int, error) {
	// Clamp the write to the available capacity.
	count := len(data)
	var err error
	if free := b.Free(); count > free {
		count = free
		err = ErrBufferFull
	}
	if count == 0 {
		return 0, err
	}

	// Storage presents the free region as at most two contiguous segments:
	// one running from the write position toward the end of storage, and one
	// wrapped around to the front. The clamp above guarantees that neither
	// copy can intrude on stored data.
	writeStart := b.start + b.used
	if writeStart >= len(b.storage) {
		writeStart -= len(b.storage)
	}
	first := copy(b.storage[writeStart:], data[:count])
	if first < count {
		copy(b.storage, data[first:count])
	}
	b.used += count

	// Done.
	return count, err
}

// Read implements io.Reader.Read. It returns io.EOF if and only if the
// buffer is empty and the destination is non-empty.
func (b *Buffer) Read(buffer []byte) (int, error) {
	// A zero-length destination always succeeds, even on an empty buffer.
	if len(buffer) == 0 {
		return 0, nil
	} else if b.used == 0 {
		return 0, io.EOF
	}

	// Stored data likewise spans at most two contiguous segments.
	count := min(len(buffer), b.used)
	first := copy(buffer[:count], b.storage[b.start:])
	if first < count {
		copy(buffer[first:count], b.storage)
	}

	// Advance the data start, resetting to the optimal layout once drained.
	b.start += count
	if b.start >= len(b.storage) {
		b.start -= len(b.storage)
	}
	b.used -= count
	if b.used == 0 {
		b.start = 0
	}

	// Done.
	return count, nil
}
