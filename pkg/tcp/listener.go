package tcp

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/utkarshp/usertcp/pkg/common"
	"github.com/utkarshp/usertcp/pkg/network"
	"github.com/utkarshp/usertcp/pkg/segment"
)

// AcceptFunc is invoked once per passively-opened connection, right after
// the SYN+ACK has gone out. It's the place to call SetReceiver before any
// data can arrive.
type AcceptFunc func(c *Connection)

// Listener demultiplexes inbound segments by four-tuple and drives the
// passive-open handshake. Every segment it receives, and every Connection
// it hands out, runs on the one shared event loop it owns.
type Listener struct {
	addr common.IPv4Address
	port uint16
	net  network.Network
	loop *eventLoop
	isn  ISNGenerator
	log  *logrus.Entry
	mss  int
	rto  time.Duration

	onAccept AcceptFunc
	table    map[common.FourTuple]*Connection
}

// Option configures a Listener at construction time.
type Option func(*Listener)

// WithISNGenerator overrides the default crypto/rand-backed ISN generator,
// for tests that need deterministic handshake sequence numbers.
func WithISNGenerator(g ISNGenerator) Option {
	return func(l *Listener) { l.isn = g }
}

// WithLogger attaches a logrus entry used for all of this listener's and
// its connections' diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(l *Listener) { l.log = log }
}

// WithMSS overrides the maximum segment size used to chunk outgoing data
// and to size retransmissions, for tests that need a small MSS to exercise
// windowing without moving kilobytes of data. Defaults to segment.MSS.
func WithMSS(mss int) Option {
	return func(l *Listener) { l.mss = mss }
}

// WithInitialRTO overrides the retransmission timeout used before a
// connection has measured any round-trip sample, letting tests exercise
// retransmission without waiting out the production default.
func WithInitialRTO(d time.Duration) Option {
	return func(l *Listener) { l.rto = d }
}

// Listen creates a Listener bound to addr:port on the given network and
// registers its ingress callback. Segments addressed to other ports are
// silently ignored, mirroring a real stack's per-port demultiplexing.
func Listen(addr common.IPv4Address, port uint16, net network.Network, opts ...Option) *Listener {
	l := &Listener{
		addr:  addr,
		port:  port,
		net:   net,
		loop:  newEventLoop(),
		isn:   NewCryptoISN(),
		log:   logrus.NewEntry(logrus.StandardLogger()),
		mss:   segment.MSS,
		rto:   initialRTO,
		table: make(map[common.FourTuple]*Connection),
	}
	for _, opt := range opts {
		opt(l)
	}

	net.RegisterIngress(func(src, dst common.IPv4Address, raw []byte) {
		l.loop.submit(func() { l.handleSegment(src, dst, raw) })
	})
	return l
}

// OnAccept registers the callback invoked for each newly accepted
// connection. It must be set before the network starts delivering traffic.
func (l *Listener) OnAccept(fn AcceptFunc) {
	l.onAccept = fn
}

// Close stops the listener's event loop. In-flight connections are not
// notified; this is meant for process shutdown, not graceful drain.
func (l *Listener) Close() {
	l.loop.stop()
}

// Connections returns the number of connections currently tracked. Meant
// for tests and diagnostics, not the hot path.
func (l *Listener) Connections() int {
	done := make(chan int, 1)
	l.loop.submit(func() { done <- len(l.table) })
	return <-done
}

func (l *Listener) handleSegment(src, dst common.IPv4Address, raw []byte) {
	h, err := segment.ReadHeader(raw)
	if err != nil {
		l.log.WithError(err).Debug("dropping unparsable segment")
		return
	}
	if h.DstPort != l.port {
		return
	}
	if !l.net.IgnoreChecksum() && !segment.ValidChecksum(raw, src, dst) {
		l.log.WithField("src", src).Warn("dropping segment with bad checksum")
		return
	}

	payload := segment.Payload(raw, h)
	id := common.FourTuple{RemoteAddr: src, RemotePort: h.SrcPort, LocalAddr: dst, LocalPort: h.DstPort}

	if h.HasFlag(segment.FlagSYN) {
		if _, exists := l.table[id]; exists {
			l.log.WithField("id", id).Debug("duplicate SYN for an active connection ignored")
			return
		}
		l.passiveOpen(id, h.Seq)
		return
	}

	conn, exists := l.table[id]
	if !exists {
		l.log.WithField("id", id).Debug("segment for unknown connection dropped")
		return
	}
	conn.onSegment(h.Seq, h.Ack, h.Flags, payload)
}

func (l *Listener) passiveOpen(id common.FourTuple, peerSeq uint32) {
	iss := l.isn.Next()
	irs := peerSeq + 1

	connLog := l.log.WithFields(logrus.Fields{
		"conn": id.String(),
		"uuid": uuid.NewString(),
	})

	conn := newConnection(id, l.net, l.loop, connLog, l.mss, l.rto, iss, irs, func() {
		delete(l.table, id)
	})
	l.table[id] = conn

	synAck := segment.MakeHeader(id.LocalPort, id.RemotePort, iss, irs, segment.FlagSYN|segment.FlagACK, defaultWindow, nil)
	segment.FixChecksum(synAck, id.LocalAddr, id.RemoteAddr)
	if err := l.net.Send(synAck, id.RemoteAddr); err != nil {
		connLog.WithError(err).Warn("syn-ack send failed")
	}

	if l.onAccept != nil {
		l.onAccept(conn)
	}
}
