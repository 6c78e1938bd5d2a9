package multiaddr

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Multiaddr is an immutable, self-describing network address. Its canonical
// representation is the binary form; the text form is derived on demand.
type Multiaddr struct {
	// data is the binary form of the address.
	data []byte
}

// component is a single decoded (protocol, value) pair.
type component struct {
	// protocol is the protocol table entry.
	protocol Protocol
	// value is the raw binary value, without any length prefix.
	value []byte
}

// decodeComponents decodes the binary form into its component pairs.
func decodeComponents(data []byte) ([]component, error) {
	var result []component
	reader := bytes.NewReader(data)
	for reader.Len() > 0 {
		code, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read protocol code")
		}
		protocol, ok := ProtocolByCode(code)
		if !ok {
			return nil, errors.Errorf("unknown protocol code: %d", code)
		}
		size := protocol.Size
		if size == lengthPrefixed {
			length, err := binary.ReadUvarint(reader)
			if err != nil {
				return nil, errors.Wrap(err, "unable to read value length")
			}
			if uint64(reader.Len()) < length {
				return nil, errors.Errorf("value truncated for protocol: %s", protocol.Name)
			}
			size = int(length)
		} else if reader.Len() < size {
			return nil, errors.Errorf("value truncated for protocol: %s", protocol.Name)
		}
		value := make([]byte, size)
		if size > 0 {
			if _, err := reader.Read(value); err != nil {
				return nil, errors.Wrap(err, "unable to read value")
			}
		}
		if err := validateValue(protocol, value); err != nil {
			return nil, err
		}
		result = append(result, component{protocol, value})
	}
	if len(result) == 0 {
		return nil, errors.New("empty address")
	}
	return result, nil
}

// encodeComponent appends a component's binary form to the provided buffer.
func encodeComponent(buffer []byte, protocol Protocol, value []byte) []byte {
	var varint [binary.MaxVarintLen64]byte
	count := binary.PutUvarint(varint[:], protocol.Code)
	buffer = append(buffer, varint[:count]...)
	if protocol.Size == lengthPrefixed {
		count = binary.PutUvarint(varint[:], uint64(len(value)))
		buffer = append(buffer, varint[:count]...)
	}
	return append(buffer, value...)
}

// FromBytes validates a binary-form address and wraps it as a Multiaddr.
func FromBytes(data []byte) (Multiaddr, error) {
	if _, err := decodeComponents(data); err != nil {
		return Multiaddr{}, err
	}
	result := make([]byte, len(data))
	copy(result, data)
	return Multiaddr{data: result}, nil
}

// NewMultiaddr parses a text-form address.
func NewMultiaddr(address string) (Multiaddr, error) {
	if !strings.HasPrefix(address, "/") {
		return Multiaddr{}, errors.Errorf("address must begin with a slash: %s", address)
	}
	parts := strings.Split(address, "/")[1:]
	if len(parts) == 1 && parts[0] == "" {
		return Multiaddr{}, errors.New("empty address")
	}
	var data []byte
	for i := 0; i < len(parts); {
		protocol, ok := ProtocolByName(parts[i])
		if !ok {
			return Multiaddr{}, errors.Errorf("unknown protocol name: %s", parts[i])
		}
		i++
		var value []byte
		if protocol.Size != 0 {
			if i >= len(parts) {
				return Multiaddr{}, errors.Errorf("missing value for protocol: %s", protocol.Name)
			}
			converted, err := valueToBytes(protocol, parts[i])
			if err != nil {
				return Multiaddr{}, err
			}
			value = converted
			i++
		}
		data = encodeComponent(data, protocol, value)
	}
	return Multiaddr{data: data}, nil
}

// Bytes returns the binary form of the address. The result must not be
// modified.
func (m Multiaddr) Bytes() []byte {
	return m.data
}

// String renders the text form of the address.
func (m Multiaddr) String() string {
	components, err := decodeComponents(m.data)
	if err != nil {
		// The constructors guarantee well-formed bytes, so this is
		// unreachable for any Multiaddr they produced.
		return "<invalid multiaddr>"
	}
	var builder strings.Builder
	for _, c := range components {
		builder.WriteByte('/')
		builder.WriteString(c.protocol.Name)
		if c.protocol.Size != 0 {
			value, err := valueToString(c.protocol, c.value)
			if err != nil {
				return "<invalid multiaddr>"
			}
			builder.WriteByte('/')
			builder.WriteString(value)
		}
	}
	return builder.String()
}

// Protocols returns the protocol entries of the address, in order.
func (m Multiaddr) Protocols() []Protocol {
	components, err := decodeComponents(m.data)
	if err != nil {
		return nil
	}
	result := make([]Protocol, 0, len(components))
	for _, c := range components {
		result = append(result, c.protocol)
	}
	return result
}

// ValueForProtocol returns the text-form value of the first component using
// the specified protocol code, along with an indication of presence.
func (m Multiaddr) ValueForProtocol(code uint64) (string, bool) {
	components, err := decodeComponents(m.data)
	if err != nil {
		return "", false
	}
	for _, c := range components {
		if c.protocol.Code == code {
			if c.protocol.Size == 0 {
				return "", true
			}
			value, err := valueToString(c.protocol, c.value)
			if err != nil {
				return "", false
			}
			return value, true
		}
	}
	return "", false
}

// Empty returns whether or not the address is the zero value.
func (m Multiaddr) Empty() bool {
	return len(m.data) == 0
}

// Equal returns whether or not two addresses are identical.
func (m Multiaddr) Equal(other Multiaddr) bool {
	return bytes.Equal(m.data, other.data)
}
