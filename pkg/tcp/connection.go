package tcp

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/utkarshp/usertcp/pkg/common"
	"github.com/utkarshp/usertcp/pkg/network"
	"github.com/utkarshp/usertcp/pkg/segment"
)

// defaultWindow is advertised on every outgoing segment. This engine does
// not implement receiver-advertised flow control, so the value is fixed
// rather than computed from any buffer occupancy.
const defaultWindow = 65535

// ReceiveFunc is invoked once per delivery event on the connection's
// receiving side: payload is nil when the event is the peer's FIN rather
// than data.
type ReceiveFunc func(c *Connection, payload []byte)

// Connection is one established, passively-opened TCP-like connection: a
// cumulative-ACK sender with an MSS-unit congestion window, an adaptive
// retransmission timer, and orderly two-sided teardown. All of its state
// is only ever touched from the shared eventLoop goroutine; there is no
// mutex because there is never more than one writer.
type Connection struct {
	id  common.FourTuple
	loc common.IPv4Address
	rem common.IPv4Address

	net  network.Network
	loop *eventLoop
	log  *logrus.Entry
	mss  int

	state State

	sendBase uint32
	sendNext uint32
	recvNext uint32

	unacked []byte
	unsent  []byte

	cwnd       uint32 // in MSS units, always >= 1
	bytesAcked uint32

	finSent  bool
	finSeq   uint32
	finAcked bool
	closing  bool
	closed   bool

	rtt            *rttEstimator
	sampleStart    time.Time
	retransmitting bool
	timer          *time.Timer

	receiver ReceiveFunc
	remove   func()
}

func newConnection(id common.FourTuple, net network.Network, loop *eventLoop, log *logrus.Entry, mss int, initRTO time.Duration, iss, irs uint32, remove func()) *Connection {
	return &Connection{
		id:       id,
		loc:      id.LocalAddr,
		rem:      id.RemoteAddr,
		net:      net,
		loop:     loop,
		log:      log,
		mss:      mss,
		state:    StateEstablished,
		sendBase: iss + 1,
		sendNext: iss + 1,
		recvNext: irs,
		cwnd:     1,
		rtt:      newRTTEstimator(initRTO),
		remove:   remove,
	}
}

// ID returns the connection's four-tuple identity.
func (c *Connection) ID() common.FourTuple { return c.id }

// State reports the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// SetReceiver installs the callback invoked on data and FIN delivery. It
// must be set before traffic starts arriving; the Listener's OnAccept
// callback is the intended place to call it.
func (c *Connection) SetReceiver(fn ReceiveFunc) {
	c.receiver = fn
}

// Send queues data for transmission, subject to the current congestion
// window. It may be called from any goroutine; the actual buffering and
// transmission happens on the shared event loop.
func (c *Connection) Send(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.loop.submit(func() { c.doSend(cp) })
}

// Close transmits a FIN at the connection's current send_next and marks it
// as closing. It is safe to call from any goroutine; calling it more than
// once is a no-op.
func (c *Connection) Close() {
	c.loop.submit(c.doClose)
}

func (c *Connection) doSend(data []byte) {
	if c.closing || c.closed {
		c.log.Warn("send after close ignored")
		return
	}
	c.unsent = append(c.unsent, data...)
	c.trySend()
}

func (c *Connection) doClose() {
	if c.closing || c.closed {
		c.log.Warn("duplicate close ignored")
		return
	}
	c.closing = true
	c.state = StateClosing
	c.sendFin()
}

// onSegment processes one inbound segment already addressed to this
// connection. ACKs are applied first, then an unseen FIN, then any
// in-order payload — a deliberate, fixed resolution of the order in which
// a segment carrying more than one of these at once is handled.
func (c *Connection) onSegment(seq, ack uint32, flags uint8, payload []byte) {
	if len(payload) > 0 && seq != c.recvNext {
		c.log.WithFields(logrus.Fields{"seq": seq, "want": c.recvNext}).Debug("dropping out-of-order segment")
		return
	}

	if flags&segment.FlagACK != 0 {
		c.processAck(ack)
	}

	if flags&segment.FlagFIN != 0 && !c.closing {
		c.closing = true
		c.state = StateClosing
		c.recvNext++
		if c.receiver != nil {
			c.receiver(c, nil)
		}
		c.emitAck()
	}

	// closing with nothing left outstanding covers both teardown rules at
	// once: a remote close never sets finSent, so hasOutstanding reduces to
	// "no unacked data"; a local close requires finAcked, which (since a FIN
	// always carries the highest sequence number sent) also implies all
	// preceding data is acked.
	if c.closing && !c.hasOutstanding() {
		c.teardown()
		return
	}

	if len(payload) > 0 && seq == c.recvNext {
		if c.receiver != nil {
			c.receiver(c, payload)
		}
		c.recvNext += uint32(len(payload))
		c.emitAck()
	}
}

func (c *Connection) processAck(ack uint32) {
	if !seqGreater(ack, c.sendBase) {
		return
	}
	advanced := ack - c.sendBase
	c.sendBase = ack

	drop := int(advanced)
	if drop > len(c.unacked) {
		drop = len(c.unacked)
	}
	c.unacked = c.unacked[drop:]
	c.bytesAcked += advanced

	if c.finSent && !c.finAcked && !seqLess(ack, c.finSeq+1) {
		c.finAcked = true
	}

	if !c.retransmitting && !c.sampleStart.IsZero() {
		c.rtt.update(time.Since(c.sampleStart))
		c.sampleStart = time.Time{}
	}
	c.retransmitting = false

	if c.hasOutstanding() {
		c.restartTimer()
	} else {
		c.cancelTimer()
	}

	for c.bytesAcked >= uint32(c.mss) {
		c.bytesAcked -= uint32(c.mss)
		c.cwnd++
	}
	c.trySend()
}

// trySend transmits as much of the unsent buffer as the congestion window
// currently allows, in MSS-sized segments.
func (c *Connection) trySend() {
	for {
		budget := int(c.cwnd)*c.mss - len(c.unacked)
		if budget <= 0 || len(c.unsent) == 0 {
			return
		}
		n := budget
		if n > len(c.unsent) {
			n = len(c.unsent)
		}
		if n > c.mss {
			n = c.mss
		}
		chunk := c.unsent[:n]
		c.unsent = c.unsent[n:]
		c.emitData(chunk)
	}
}

func (c *Connection) emitData(payload []byte) {
	seq := c.sendNext
	seg := segment.MakeHeader(c.id.LocalPort, c.id.RemotePort, seq, c.recvNext, segment.FlagACK, defaultWindow, payload)
	segment.FixChecksum(seg, c.loc, c.rem)
	if err := c.net.Send(seg, c.rem); err != nil {
		c.log.WithError(err).Warn("send failed")
	}

	c.unacked = append(c.unacked, payload...)
	c.sendNext += uint32(len(payload))
	if c.sampleStart.IsZero() {
		c.sampleStart = time.Now()
	}
	c.startTimerIfNotRunning()
}

func (c *Connection) emitAck() {
	seg := segment.MakeHeader(c.id.LocalPort, c.id.RemotePort, c.sendNext, c.recvNext, segment.FlagACK, defaultWindow, nil)
	segment.FixChecksum(seg, c.loc, c.rem)
	if err := c.net.Send(seg, c.rem); err != nil {
		c.log.WithError(err).Warn("ack send failed")
	}
}

func (c *Connection) sendFin() {
	seq := c.sendNext
	seg := segment.MakeHeader(c.id.LocalPort, c.id.RemotePort, seq, c.recvNext, segment.FlagFIN|segment.FlagACK, defaultWindow, nil)
	segment.FixChecksum(seg, c.loc, c.rem)
	if err := c.net.Send(seg, c.rem); err != nil {
		c.log.WithError(err).Warn("fin send failed")
	}

	c.finSeq = seq
	c.finSent = true
	c.sendNext++
	if c.sampleStart.IsZero() {
		c.sampleStart = time.Now()
	}
	c.startTimerIfNotRunning()
}

func (c *Connection) hasOutstanding() bool {
	return len(c.unacked) > 0 || (c.finSent && !c.finAcked)
}

func (c *Connection) onTimerFire() {
	if !c.hasOutstanding() {
		return
	}

	c.cwnd = c.cwnd / 2
	if c.cwnd < 1 {
		c.cwnd = 1
	}
	c.retransmitting = true
	c.sampleStart = time.Time{}

	if len(c.unacked) > 0 {
		n := len(c.unacked)
		if n > c.mss {
			n = c.mss
		}
		seg := segment.MakeHeader(c.id.LocalPort, c.id.RemotePort, c.sendBase, c.recvNext, segment.FlagACK, defaultWindow, c.unacked[:n])
		segment.FixChecksum(seg, c.loc, c.rem)
		if err := c.net.Send(seg, c.rem); err != nil {
			c.log.WithError(err).Warn("retransmit failed")
		}
	} else {
		seg := segment.MakeHeader(c.id.LocalPort, c.id.RemotePort, c.finSeq, c.recvNext, segment.FlagFIN|segment.FlagACK, defaultWindow, nil)
		segment.FixChecksum(seg, c.loc, c.rem)
		if err := c.net.Send(seg, c.rem); err != nil {
			c.log.WithError(err).Warn("fin retransmit failed")
		}
	}

	c.timer = nil
	c.restartTimer()
}

func (c *Connection) startTimerIfNotRunning() {
	if c.timer == nil && c.hasOutstanding() {
		c.armTimer()
	}
}

func (c *Connection) restartTimer() {
	c.cancelTimer()
	if c.hasOutstanding() {
		c.armTimer()
	}
}

func (c *Connection) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) armTimer() {
	rto := c.rtt.rto()
	c.timer = time.AfterFunc(rto, func() {
		c.loop.submit(c.onTimerFire)
	})
}

func (c *Connection) teardown() {
	c.closed = true
	c.state = StateClosed
	c.cancelTimer()
	if c.remove != nil {
		c.remove()
	}
}

func seqGreater(a, b uint32) bool { return int32(a-b) > 0 }
func seqLess(a, b uint32) bool    { return int32(a-b) < 0 }
