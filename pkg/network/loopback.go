package network

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/utkarshp/usertcp/pkg/common"
)

// Frame records one segment handed to Send, for test inspection.
type Frame struct {
	Segment []byte
	NextHop common.IPv4Address
}

// Loopback is an in-memory Network for tests and local smoke-checks. Two
// Loopbacks can be wired together with Connect to form a full-duplex link,
// lossy through the Drop hook; it never duplicates segments. Used alone, a
// test drives it directly with Deliver and inspects what the core sent via
// Sent.
type Loopback struct {
	addr           common.IPv4Address
	ignoreChecksum bool
	limiter        *rate.Limiter

	// Drop, if set, is consulted for every segment passed to Send; returning
	// true drops that segment instead of delivering it to the peer.
	Drop func(segment []byte) bool

	mu      sync.Mutex
	ingress IngressFunc
	peer    *Loopback
	sent    []Frame
}

// NewLoopback creates a Loopback network addressed as addr. ignoreChecksum
// mirrors the external Network.IgnoreChecksum contract (true lets test
// harnesses skip checksum validation on ingress).
func NewLoopback(addr common.IPv4Address, ignoreChecksum bool) *Loopback {
	return &Loopback{addr: addr, ignoreChecksum: ignoreChecksum}
}

// WithRateLimit paces egress Send calls through a token-bucket limiter,
// modeling the best-effort bounded-delay send abstraction without the core
// engine needing to know pacing exists.
func (l *Loopback) WithRateLimit(r rate.Limit, burst int) *Loopback {
	l.limiter = rate.NewLimiter(r, burst)
	return l
}

// Connect wires two Loopbacks into a full-duplex link: segments sent on one
// are delivered to the other's ingress callback (subject to Drop and
// pacing), and vice versa.
func Connect(a, b *Loopback) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()

	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// RegisterIngress installs fn as the ingress entry point.
func (l *Loopback) RegisterIngress(fn IngressFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ingress = fn
}

// IgnoreChecksum reports this harness's configured checksum policy.
func (l *Loopback) IgnoreChecksum() bool { return l.ignoreChecksum }

// Send records segment and, unless Drop rejects it, delivers it to the
// connected peer's ingress callback (paced, if a rate limit was configured).
func (l *Loopback) Send(seg []byte, nextHop common.IPv4Address) error {
	cp := make([]byte, len(seg))
	copy(cp, seg)

	l.mu.Lock()
	l.sent = append(l.sent, Frame{Segment: cp, NextHop: nextHop})
	peer := l.peer
	l.mu.Unlock()

	if l.Drop != nil && l.Drop(cp) {
		return nil
	}
	if peer == nil {
		return nil
	}

	deliver := func() {
		peer.mu.Lock()
		fn := peer.ingress
		peer.mu.Unlock()
		if fn != nil {
			fn(l.addr, nextHop, cp)
		}
	}

	if l.limiter == nil || l.limiter.Allow() {
		deliver()
		return nil
	}

	go func() {
		_ = l.limiter.Wait(context.Background())
		deliver()
	}()
	return nil
}

// Deliver injects a segment directly into this network's registered
// ingress callback, as if it had just arrived from src addressed to dst.
// Tests use this to simulate peer traffic without wiring a second Loopback.
func (l *Loopback) Deliver(src, dst common.IPv4Address, segment []byte) {
	l.mu.Lock()
	fn := l.ingress
	l.mu.Unlock()
	if fn != nil {
		fn(src, dst, segment)
	}
}

// Sent returns every frame handed to Send so far, in order.
func (l *Loopback) Sent() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Frame, len(l.sent))
	copy(out, l.sent)
	return out
}

// Reset discards recorded Sent frames.
func (l *Loopback) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = nil
}
