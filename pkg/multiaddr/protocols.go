// Package multiaddr implements self-describing layered network addresses. An
// address is a sequence of (protocol, value) pairs with a canonical binary
// form (concatenated varint protocol codes and values) and a canonical text
// form (slash-separated names and values).
package multiaddr

// Protocol codes supported by the address codec.
const (
	CodeIP4              = 4
	CodeTCP              = 6
	CodeDCCP             = 33
	CodeIP6              = 41
	CodeDNS              = 53
	CodeDNS4             = 54
	CodeDNS6             = 55
	CodeDNSAddr          = 56
	CodeSCTP             = 132
	CodeUDP              = 273
	CodeP2PWebRTCStar    = 275
	CodeP2PWebRTCDirect  = 276
	CodeP2PCircuit       = 290
	CodeUDT              = 301
	CodeUTP              = 302
	CodeUnix             = 400
	CodeP2P              = 421
	CodeHTTPS            = 443
	CodeOnion            = 444
	CodeOnion3           = 445
	CodeQUIC             = 460
	CodeWS               = 477
	CodeWSS              = 478
	CodeP2PWebSocketStar = 479
	CodeHTTP             = 480
	CodeMemory           = 777
	CodeWSWithPath       = 4770
	CodeWSSWithPath      = 4780
)

// lengthPrefixed is the sentinel size for values carrying their own varint
// length prefix.
const lengthPrefixed = -1

// Protocol describes a single protocol entry in an address.
type Protocol struct {
	// Code is the protocol's numeric code as used in the binary form.
	Code uint64
	// Name is the protocol's name as used in the text form.
	Name string
	// Size is the size of the protocol's value in bytes, 0 if the protocol
	// carries no value, or lengthPrefixed if the value carries its own varint
	// length prefix.
	Size int
}

// protocols is the table of supported protocols.
var protocols = []Protocol{
	{CodeIP4, "ip4", 4},
	{CodeTCP, "tcp", 2},
	{CodeDCCP, "dccp", 2},
	{CodeIP6, "ip6", 16},
	{CodeDNS, "dns", lengthPrefixed},
	{CodeDNS4, "dns4", lengthPrefixed},
	{CodeDNS6, "dns6", lengthPrefixed},
	{CodeDNSAddr, "dnsaddr", lengthPrefixed},
	{CodeSCTP, "sctp", 2},
	{CodeUDP, "udp", 2},
	{CodeP2PWebRTCStar, "p2p-webrtc-star", 0},
	{CodeP2PWebRTCDirect, "p2p-webrtc-direct", 0},
	{CodeP2PCircuit, "p2p-circuit", 0},
	{CodeUDT, "udt", 0},
	{CodeUTP, "utp", 0},
	{CodeUnix, "unix", lengthPrefixed},
	{CodeP2P, "p2p", lengthPrefixed},
	{CodeHTTPS, "https", 0},
	{CodeOnion, "onion", 12},
	{CodeOnion3, "onion3", 37},
	{CodeQUIC, "quic", 0},
	{CodeWS, "ws", 0},
	{CodeWSS, "wss", 0},
	{CodeP2PWebSocketStar, "p2p-websocket-star", 0},
	{CodeHTTP, "http", 0},
	{CodeMemory, "memory", 8},
	{CodeWSWithPath, "x-parity-ws", lengthPrefixed},
	{CodeWSSWithPath, "x-parity-wss", lengthPrefixed},
}

// protocolsByCode indexes the protocol table by code.
var protocolsByCode = make(map[uint64]Protocol)

// protocolsByName indexes the protocol table by name.
var protocolsByName = make(map[string]Protocol)

func init() {
	for _, protocol := range protocols {
		protocolsByCode[protocol.Code] = protocol
		protocolsByName[protocol.Name] = protocol
	}
}

// ProtocolByName looks up a protocol by its text-form name.
func ProtocolByName(name string) (Protocol, bool) {
	protocol, ok := protocolsByName[name]
	return protocol, ok
}

// ProtocolByCode looks up a protocol by its binary-form code.
func ProtocolByCode(code uint64) (Protocol, bool) {
	protocol, ok := protocolsByCode[code]
	return protocol, ok
}
