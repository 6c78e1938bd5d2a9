package upgrade

// The Selector combinators compose multiple candidate upgraders at one
// pipeline layer into a single upgrader whose protocol information is the
// concatenation of its children's, dispatching to the chosen leaf after
// negotiation.

// securitySelector composes security transports.
type securitySelector struct {
	// transports are the composed transports, in preference order.
	transports []SecurityTransport
}

// protocolInfo returns the union of the composed transports' protocol
// identifiers, in preference order.
func (s *securitySelector) protocolInfo() []string {
	var result []string
	for _, transport := range s.transports {
		result = append(result, transport.ProtocolInfo()...)
	}
	return result
}

// dispatch resolves a negotiated protocol identifier to its leaf transport.
func (s *securitySelector) dispatch(protocol string) SecurityTransport {
	for _, transport := range s.transports {
		for _, candidate := range transport.ProtocolInfo() {
			if candidate == protocol {
				return transport
			}
		}
	}
	return nil
}

// muxerSelector composes muxer transports.
type muxerSelector struct {
	// transports are the composed transports, in preference order.
	transports []MuxerTransport
}

// protocolInfo returns the union of the composed transports' protocol
// identifiers, in preference order.
func (s *muxerSelector) protocolInfo() []string {
	var result []string
	for _, transport := range s.transports {
		result = append(result, transport.ProtocolInfo()...)
	}
	return result
}

// dispatch resolves a negotiated protocol identifier to its leaf transport.
func (s *muxerSelector) dispatch(protocol string) MuxerTransport {
	for _, transport := range s.transports {
		for _, candidate := range transport.ProtocolInfo() {
			if candidate == protocol {
				return transport
			}
		}
	}
	return nil
}
