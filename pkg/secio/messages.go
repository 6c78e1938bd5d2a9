package secio

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// proposition is the first handshake message: the sender's static public key,
// a fresh nonce, and its algorithm preference lists.
type proposition struct {
	// Rand is the sender's 16-byte nonce.
	Rand []byte
	// PublicKey is the sender's marshaled static public key.
	PublicKey []byte
	// Exchanges is the comma-separated key agreement preference list.
	Exchanges string
	// Ciphers is the comma-separated cipher preference list.
	Ciphers string
	// Hashes is the comma-separated digest preference list.
	Hashes string
}

// exchange is the third handshake message: the sender's ephemeral public key
// and its static-key signature over both propositions and that ephemeral key.
type exchange struct {
	// EphemeralPublicKey is the sender's ephemeral public key.
	EphemeralPublicKey []byte
	// Signature is the static-key signature.
	Signature []byte
}

// appendField appends a varint-length-prefixed field to the buffer.
func appendField(buffer []byte, field []byte) []byte {
	var length [binary.MaxVarintLen64]byte
	count := binary.PutUvarint(length[:], uint64(len(field)))
	buffer = append(buffer, length[:count]...)
	return append(buffer, field...)
}

// readField reads a varint-length-prefixed field from the reader.
func readField(reader *bytes.Reader, limit int) ([]byte, error) {
	length, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read field length")
	}
	if length > uint64(limit) || uint64(reader.Len()) < length {
		return nil, errors.Errorf("field length invalid: %d", length)
	}
	field := make([]byte, length)
	if length > 0 {
		if _, err := reader.Read(field); err != nil {
			return nil, errors.Wrap(err, "unable to read field")
		}
	}
	return field, nil
}

// encode serializes the proposition.
func (p *proposition) encode() []byte {
	var result []byte
	result = appendField(result, p.Rand)
	result = appendField(result, p.PublicKey)
	result = appendField(result, []byte(p.Exchanges))
	result = appendField(result, []byte(p.Ciphers))
	result = appendField(result, []byte(p.Hashes))
	return result
}

// decodeProposition deserializes a proposition.
func decodeProposition(data []byte) (*proposition, error) {
	reader := bytes.NewReader(data)
	result := &proposition{}
	var err error
	if result.Rand, err = readField(reader, len(data)); err != nil {
		return nil, err
	}
	if result.PublicKey, err = readField(reader, len(data)); err != nil {
		return nil, err
	}
	fields := make([][]byte, 3)
	for i := range fields {
		if fields[i], err = readField(reader, len(data)); err != nil {
			return nil, err
		}
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes in proposition")
	}
	if len(result.Rand) != nonceSize {
		return nil, errors.Errorf("proposition nonce has incorrect length: %d", len(result.Rand))
	}
	result.Exchanges = string(fields[0])
	result.Ciphers = string(fields[1])
	result.Hashes = string(fields[2])
	return result, nil
}

// encode serializes the exchange.
func (e *exchange) encode() []byte {
	var result []byte
	result = appendField(result, e.EphemeralPublicKey)
	result = appendField(result, e.Signature)
	return result
}

// decodeExchange deserializes an exchange.
func decodeExchange(data []byte) (*exchange, error) {
	reader := bytes.NewReader(data)
	result := &exchange{}
	var err error
	if result.EphemeralPublicKey, err = readField(reader, len(data)); err != nil {
		return nil, err
	}
	if result.Signature, err = readField(reader, len(data)); err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes in exchange")
	}
	return result, nil
}

// writeFrame writes a handshake frame: a 4-byte big-endian length prefix
// followed by that many bytes.
func writeFrame(writer io.Writer, payload []byte) error {
	message := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(message, uint32(len(payload)))
	copy(message[4:], payload)
	if _, err := writer.Write(message); err != nil {
		return errors.Wrap(err, "unable to write frame")
	}
	return nil
}

// readFrame reads a handshake frame, enforcing the maximum frame length.
func readFrame(reader io.Reader, maxFrameLength int) ([]byte, error) {
	var lengthBuffer [4]byte
	if _, err := io.ReadFull(reader, lengthBuffer[:]); err != nil {
		return nil, errors.Wrap(err, "unable to read frame length")
	}
	length := binary.BigEndian.Uint32(lengthBuffer[:])
	if length == 0 || length > uint32(maxFrameLength) {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, errors.Wrap(err, "unable to read frame payload")
	}
	return payload, nil
}
