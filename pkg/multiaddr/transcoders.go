package multiaddr

import (
	"encoding/base32"
	"encoding/binary"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/peerway-io/peerway/pkg/identity"
)

// onionBase32 is the unpadded base32 encoding used for onion host rendering.
var onionBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// valueToBytes converts a protocol value from its text form to its binary
// form.
func valueToBytes(protocol Protocol, value string) ([]byte, error) {
	switch protocol.Code {
	case CodeIP4:
		ip := net.ParseIP(value)
		if ip == nil || ip.To4() == nil {
			return nil, errors.Errorf("invalid IPv4 address: %s", value)
		}
		return ip.To4(), nil
	case CodeIP6:
		ip := net.ParseIP(value)
		if ip == nil || ip.To16() == nil || strings.Contains(value, ".") {
			return nil, errors.Errorf("invalid IPv6 address: %s", value)
		}
		return ip.To16(), nil
	case CodeTCP, CodeUDP, CodeDCCP, CodeSCTP:
		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return nil, errors.Errorf("invalid port: %s", value)
		}
		result := make([]byte, 2)
		binary.BigEndian.PutUint16(result, uint16(port))
		return result, nil
	case CodeDNS, CodeDNS4, CodeDNS6, CodeDNSAddr, CodeUnix, CodeWSWithPath, CodeWSSWithPath:
		if value == "" {
			return nil, errors.Errorf("empty value for protocol: %s", protocol.Name)
		}
		return []byte(value), nil
	case CodeP2P:
		id, err := identity.DecodePeerID(value)
		if err != nil {
			return nil, errors.Wrap(err, "invalid peer identifier")
		}
		return id.Bytes(), nil
	case CodeMemory:
		channel, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, errors.Errorf("invalid memory channel: %s", value)
		}
		result := make([]byte, 8)
		binary.BigEndian.PutUint64(result, channel)
		return result, nil
	case CodeOnion, CodeOnion3:
		return onionToBytes(protocol, value)
	default:
		return nil, errors.Errorf("protocol carries no value: %s", protocol.Name)
	}
}

// onionToBytes converts an onion host:port value to its binary form.
func onionToBytes(protocol Protocol, value string) ([]byte, error) {
	host, portText, found := strings.Cut(value, ":")
	if !found {
		return nil, errors.Errorf("onion address missing port: %s", value)
	}
	address, err := onionBase32.DecodeString(strings.ToUpper(host))
	if err != nil {
		return nil, errors.Wrap(err, "invalid onion host")
	}
	if len(address) != protocol.Size-2 {
		return nil, errors.Errorf("onion host has incorrect length: %d", len(address))
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil || port == 0 {
		return nil, errors.Errorf("invalid onion port: %s", portText)
	}
	result := make([]byte, protocol.Size)
	copy(result, address)
	binary.BigEndian.PutUint16(result[protocol.Size-2:], uint16(port))
	return result, nil
}

// valueToString converts a protocol value from its binary form to its text
// form.
func valueToString(protocol Protocol, value []byte) (string, error) {
	switch protocol.Code {
	case CodeIP4, CodeIP6:
		return net.IP(value).String(), nil
	case CodeTCP, CodeUDP, CodeDCCP, CodeSCTP:
		return strconv.FormatUint(uint64(binary.BigEndian.Uint16(value)), 10), nil
	case CodeDNS, CodeDNS4, CodeDNS6, CodeDNSAddr, CodeUnix, CodeWSWithPath, CodeWSSWithPath:
		return string(value), nil
	case CodeP2P:
		id, err := identity.PeerIDFromBytes(value)
		if err != nil {
			return "", errors.Wrap(err, "invalid peer identifier")
		}
		return id.String(), nil
	case CodeMemory:
		return strconv.FormatUint(binary.BigEndian.Uint64(value), 10), nil
	case CodeOnion, CodeOnion3:
		host := strings.ToLower(onionBase32.EncodeToString(value[:len(value)-2]))
		port := binary.BigEndian.Uint16(value[len(value)-2:])
		return host + ":" + strconv.FormatUint(uint64(port), 10), nil
	default:
		return "", errors.Errorf("protocol carries no value: %s", protocol.Name)
	}
}

// validateValue performs binary-form validation for values whose text
// conversion doesn't already imply it.
func validateValue(protocol Protocol, value []byte) error {
	switch protocol.Code {
	case CodeP2P:
		_, err := identity.PeerIDFromBytes(value)
		return err
	case CodeDNS, CodeDNS4, CodeDNS6, CodeDNSAddr, CodeUnix, CodeWSWithPath, CodeWSSWithPath:
		if len(value) == 0 {
			return errors.Errorf("empty value for protocol: %s", protocol.Name)
		}
		return nil
	default:
		return nil
	}
}
