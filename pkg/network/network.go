// Package network defines the external, lower-layer collaborator the
// transport core sits on top of: something that delivers whole datagram
// payloads in and accepts whole segments out. The core never reaches past
// this interface to sockets, interfaces, or routing.
package network

import "github.com/utkarshp/usertcp/pkg/common"

// IngressFunc is invoked once per datagram the network layer delivers,
// with the segment's source and destination addresses and its raw bytes.
type IngressFunc func(src, dst common.IPv4Address, segment []byte)

// Network is the contract the Listener and Connection are built against.
// The network is lossy and may duplicate segments, but by contract it does
// not fragment or reorder what the core hands it to send.
type Network interface {
	// RegisterIngress installs the core's single ingress entry point.
	// Only one callback may be registered; a second call replaces the first.
	RegisterIngress(fn IngressFunc)

	// Send transmits a fully-formed, checksum-valid segment to nextHop.
	Send(segment []byte, nextHop common.IPv4Address) error

	// IgnoreChecksum reports whether checksum validation should be skipped,
	// a test-harness affordance — production networks return false.
	IgnoreChecksum() bool
}
