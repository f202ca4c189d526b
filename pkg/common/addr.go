// Package common provides the small set of shared types the transport core
// and its external collaborators (network layer, header codec) agree on.
package common

import (
	"fmt"
	"net"
)

// IPv4Address is a 32-bit IPv4 address in network byte order.
type IPv4Address [4]byte

// String returns the address in dotted-decimal form.
func (ip IPv4Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// ParseIPv4 parses a dotted-decimal string into an IPv4Address.
func ParseIPv4(s string) (IPv4Address, error) {
	parsed := net.ParseIP(s)
	if parsed == nil {
		return IPv4Address{}, fmt.Errorf("invalid IP address: %s", s)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return IPv4Address{}, fmt.Errorf("not an IPv4 address: %s", s)
	}
	var addr IPv4Address
	copy(addr[:], v4)
	return addr, nil
}

// Protocol is an IP protocol number.
type Protocol uint8

// ProtocolTCP is the IP protocol number for TCP, used in the pseudo-header.
const ProtocolTCP Protocol = 6

// FourTuple identifies a connection: the peer's address and port paired
// with the local address and port it was reached on.
type FourTuple struct {
	RemoteAddr IPv4Address
	RemotePort uint16
	LocalAddr  IPv4Address
	LocalPort  uint16
}

// String renders the tuple as "remote:port->local:port" for log fields.
func (t FourTuple) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", t.RemoteAddr, t.RemotePort, t.LocalAddr, t.LocalPort)
}
