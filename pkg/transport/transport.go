// Package transport provides datagram transports for the reliability layer:
// UDP for real traffic and an in-memory pipe for deterministic tests.
//
// Transports move opaque frames; framing and reliability live above in
// pkg/message and pkg/exchange.
package transport

import (
	"fmt"
	"net"
)

// Handler receives inbound datagrams from a transport.
// The data slice is only valid for the duration of the call; implementations
// that retain it must copy.
type Handler interface {
	HandleDatagram(data []byte, from PeerAddress)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(data []byte, from PeerAddress)

// HandleDatagram calls f(data, from).
func (f HandlerFunc) HandleDatagram(data []byte, from PeerAddress) {
	f(data, from)
}

// Transport sends datagrams to peers.
type Transport interface {
	// Send transmits one datagram to the peer. Delivery is best-effort;
	// reliability is the exchange layer's concern.
	Send(data []byte, to PeerAddress) error

	// Close releases the transport's resources.
	Close() error
}

// PeerAddress identifies a remote peer.
type PeerAddress struct {
	// Addr is the network address of the peer.
	Addr net.Addr
}

// String returns a human-readable representation of the peer address.
func (p PeerAddress) String() string {
	if p.Addr == nil {
		return "<nil>"
	}
	return p.Addr.String()
}

// IsValid returns true if the peer address is usable.
func (p PeerAddress) IsValid() bool {
	return p.Addr != nil
}

// UDPAddrFromString parses an address string into a PeerAddress.
func UDPAddrFromString(addr string) (PeerAddress, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("transport: resolving %q: %w", addr, err)
	}
	return PeerAddress{Addr: udpAddr}, nil
}
