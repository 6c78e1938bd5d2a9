package yamux

import (
	"fmt"
)

// streamAddress implements net.Addr for Stream.
type streamAddress struct {
	// remote indicates whether or not the address is remote.
	remote bool
	// identifier is the stream identifier.
	identifier uint32
}

// Network implements net.Addr.Network.
func (a *streamAddress) Network() string {
	return "yamux"
}

// String implements net.Addr.String.
func (a *streamAddress) String() string {
	if a.remote {
		return fmt.Sprintf("remote:%d", a.identifier)
	}
	return fmt.Sprintf("local:%d", a.identifier)
}
