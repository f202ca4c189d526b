// Package udpnet provides a real, socket-backed Network implementation for
// driving the transport core against actual traffic during manual
// smoke-testing. It stands in for the raw-IP network layer the spec places
// out of scope: datagrams here carry whole TCP segments over UDP rather
// than over IP protocol 6, since opening a raw IP socket needs root and
// platform-specific plumbing this demo intentionally avoids.
package udpnet

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/utkarshp/usertcp/pkg/common"
	"github.com/utkarshp/usertcp/pkg/network"
)

// Conn is a Network backed by a bound net.PacketConn. Segments the core
// sends are written as UDP payloads to the peer's 4-byte IPv4 address on a
// fixed companion port; segments arriving are handed to the registered
// ingress callback unchanged.
type Conn struct {
	pc             net.PacketConn
	port           int
	ignoreChecksum bool
	limiter        *rate.Limiter
	log            *logrus.Entry

	ingress network.IngressFunc
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithIgnoreChecksum lets a test harness accept segments with invalid
// checksums instead of dropping them.
func WithIgnoreChecksum(v bool) Option {
	return func(c *Conn) { c.ignoreChecksum = v }
}

// WithRateLimit paces egress sends through a token-bucket limiter: the
// best-effort bounded-delay send abstraction the system offers upward,
// implemented entirely outside the core engine.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Conn) { c.limiter = rate.NewLimiter(r, burst) }
}

// WithLogger attaches a logrus entry used for transmit/receive diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Conn) { c.log = log }
}

// Listen binds a UDP socket on addr:port and returns a Conn ready to be
// registered with a tcp.Listener. port is also used as the companion port
// segments are addressed to on the peer side.
func Listen(addr common.IPv4Address, port int, opts ...Option) (*Conn, error) {
	pc, err := net.ListenPacket("udp4", (&net.UDPAddr{IP: net.IP(addr[:]), Port: port}).String())
	if err != nil {
		return nil, errors.Wrapf(err, "udpnet: listen on %s:%d", addr, port)
	}

	c := &Conn{
		pc:   pc,
		port: port,
		log:  logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c, nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.pc.Close()
}

// RegisterIngress installs the core's ingress callback.
func (c *Conn) RegisterIngress(fn network.IngressFunc) {
	c.ingress = fn
}

// IgnoreChecksum reports this Conn's configured checksum policy.
func (c *Conn) IgnoreChecksum() bool { return c.ignoreChecksum }

// Send transmits segment to nextHop's companion UDP port, pacing through
// the configured rate limiter without blocking the caller: a throttled send
// is handed off to a background goroutine rather than stalling the core's
// single event loop.
func (c *Conn) Send(segment []byte, nextHop common.IPv4Address) error {
	dst := &net.UDPAddr{IP: net.IP(nextHop[:]), Port: c.port}

	write := func() {
		if _, err := c.pc.WriteTo(segment, dst); err != nil {
			c.log.WithError(err).WithField("dst", dst).Warn("udpnet: send failed")
		}
	}

	if c.limiter == nil || c.limiter.Allow() {
		write()
		return nil
	}

	go func() {
		_ = c.limiter.Wait(context.Background())
		write()
	}()
	return nil
}

func (c *Conn) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := c.pc.ReadFrom(buf)
		if err != nil {
			c.log.WithError(err).Debug("udpnet: read loop exiting")
			return
		}
		if c.ingress == nil {
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		v4 := udpAddr.IP.To4()
		if v4 == nil {
			continue
		}
		var src common.IPv4Address
		copy(src[:], v4)

		segment := make([]byte, n)
		copy(segment, buf[:n])

		local := c.pc.LocalAddr()
		var dst common.IPv4Address
		if udpLocal, ok := local.(*net.UDPAddr); ok {
			if v4 := udpLocal.IP.To4(); v4 != nil {
				copy(dst[:], v4)
			}
		}

		c.ingress(src, dst, segment)
	}
}
