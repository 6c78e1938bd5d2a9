// Package identify implements the identity exchange protocol: a peer serves
// a descriptor carrying its public key, version strings, listen addresses,
// and supported protocols. The pull variant reads the peer's descriptor; the
// push variant delivers ours unsolicited.
package identify

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/peerway-io/peerway/pkg/identity"
	"github.com/peerway-io/peerway/pkg/multiaddr"
)

const (
	// ProtocolID is the protocol identifier for descriptor requests.
	ProtocolID = "/ipfs/id/1.0.0"
	// PushProtocolID is the protocol identifier for unsolicited descriptor
	// delivery.
	PushProtocolID = "/ipfs/id/push/1.0.0"
	// maximumDescriptorSize bounds descriptor decoding.
	maximumDescriptorSize = 64 * 1024
)

// Info is an identity descriptor.
type Info struct {
	// PublicKey is the peer's static public key.
	PublicKey identity.PublicKey
	// ProtocolVersion identifies the stack's wire protocol family.
	ProtocolVersion string
	// AgentVersion identifies the peer's software.
	AgentVersion string
	// ListenAddresses are the addresses the peer listens on.
	ListenAddresses []multiaddr.Multiaddr
	// Protocols are the protocol identifiers the peer serves.
	Protocols []string
}

// appendField appends a varint-length-prefixed field to the buffer.
func appendField(buffer []byte, field []byte) []byte {
	var length [binary.MaxVarintLen64]byte
	count := binary.PutUvarint(length[:], uint64(len(field)))
	buffer = append(buffer, length[:count]...)
	return append(buffer, field...)
}

// readField reads a varint-length-prefixed field.
func readField(reader *bytes.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read field length")
	}
	if uint64(reader.Len()) < length {
		return nil, errors.New("field truncated")
	}
	field := make([]byte, length)
	if length > 0 {
		if _, err := reader.Read(field); err != nil {
			return nil, errors.Wrap(err, "unable to read field")
		}
	}
	return field, nil
}

// encode serializes the descriptor.
func (i *Info) encode() []byte {
	var body []byte
	body = appendField(body, i.PublicKey.Marshal())
	body = appendField(body, []byte(i.ProtocolVersion))
	body = appendField(body, []byte(i.AgentVersion))
	var count [binary.MaxVarintLen64]byte
	body = append(body, count[:binary.PutUvarint(count[:], uint64(len(i.ListenAddresses)))]...)
	for _, address := range i.ListenAddresses {
		body = appendField(body, address.Bytes())
	}
	body = append(body, count[:binary.PutUvarint(count[:], uint64(len(i.Protocols)))]...)
	for _, protocol := range i.Protocols {
		body = appendField(body, []byte(protocol))
	}
	return body
}

// decodeInfo deserializes a descriptor.
func decodeInfo(data []byte) (*Info, error) {
	reader := bytes.NewReader(data)
	result := &Info{}

	keyField, err := readField(reader)
	if err != nil {
		return nil, err
	}
	if result.PublicKey, err = identity.UnmarshalPublicKey(keyField); err != nil {
		return nil, errors.Wrap(err, "unable to parse public key")
	}
	protocolVersion, err := readField(reader)
	if err != nil {
		return nil, err
	}
	result.ProtocolVersion = string(protocolVersion)
	agentVersion, err := readField(reader)
	if err != nil {
		return nil, err
	}
	result.AgentVersion = string(agentVersion)

	addressCount, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read address count")
	}
	for j := uint64(0); j < addressCount; j++ {
		field, err := readField(reader)
		if err != nil {
			return nil, err
		}
		address, err := multiaddr.FromBytes(field)
		if err != nil {
			return nil, errors.Wrap(err, "unable to parse listen address")
		}
		result.ListenAddresses = append(result.ListenAddresses, address)
	}

	protocolCount, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read protocol count")
	}
	for j := uint64(0); j < protocolCount; j++ {
		field, err := readField(reader)
		if err != nil {
			return nil, err
		}
		result.Protocols = append(result.Protocols, string(field))
	}

	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes in descriptor")
	}
	return result, nil
}

// Write transmits a length-prefixed descriptor on a stream.
func Write(stream io.Writer, info *Info) error {
	body := info.encode()
	var length [binary.MaxVarintLen64]byte
	message := append(length[:binary.PutUvarint(length[:], uint64(len(body)))], body...)
	if _, err := stream.Write(message); err != nil {
		return errors.Wrap(err, "unable to write descriptor")
	}
	return nil
}

// byteReader adapts an io.Reader to an io.ByteReader without buffering
// ahead.
type byteReader struct {
	reader io.Reader
}

// ReadByte implements io.ByteReader.ReadByte.
func (r byteReader) ReadByte() (byte, error) {
	var buffer [1]byte
	if _, err := io.ReadFull(r.reader, buffer[:]); err != nil {
		return 0, err
	}
	return buffer[0], nil
}

// Read receives a length-prefixed descriptor from a stream.
func Read(stream io.Reader) (*Info, error) {
	length, err := binary.ReadUvarint(byteReader{stream})
	if err != nil {
		return nil, errors.Wrap(err, "unable to read descriptor length")
	}
	if length == 0 || length > maximumDescriptorSize {
		return nil, errors.Errorf("invalid descriptor length: %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(stream, body); err != nil {
		return nil, errors.Wrap(err, "unable to read descriptor body")
	}
	return decodeInfo(body)
}
