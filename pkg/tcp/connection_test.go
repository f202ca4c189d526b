package tcp

import (
	"testing"
	"time"

	"github.com/utkarshp/usertcp/pkg/common"
	"github.com/utkarshp/usertcp/pkg/network"
	"github.com/utkarshp/usertcp/pkg/segment"
)

// constISN is a deterministic ISNGenerator for tests that need an exact
// handshake sequence number.
type constISN uint32

func (c constISN) Next() uint32 { return uint32(c) }

var (
	testServerAddr = common.IPv4Address{10, 0, 0, 1}
	testPeerAddr   = common.IPv4Address{10, 0, 0, 2}
)

const (
	testServerPort uint16 = 9000
	testPeerPort   uint16 = 5555
)

func newTestListener(t *testing.T, iss uint32, mss int, rto time.Duration) (*Listener, *network.Loopback, chan *Connection) {
	t.Helper()
	net := network.NewLoopback(testServerAddr, true)
	accepted := make(chan *Connection, 8)

	l := Listen(testServerAddr, testServerPort, net,
		WithISNGenerator(constISN(iss)),
		WithMSS(mss),
		WithInitialRTO(rto),
	)
	l.OnAccept(func(c *Connection) { accepted <- c })
	t.Cleanup(l.Close)
	return l, net, accepted
}

// drain blocks until every closure submitted to l's event loop before this
// call has finished running, by round-tripping through the loop itself.
func drain(l *Listener) { l.Connections() }

func peerSegment(seq, ack uint32, flags uint8, payload []byte) []byte {
	seg := segment.MakeHeader(testPeerPort, testServerPort, seq, ack, flags, defaultWindow, payload)
	segment.FixChecksum(seg, testPeerAddr, testServerAddr)
	return seg
}

func readHeader(t *testing.T, raw []byte) (segment.Header, []byte) {
	t.Helper()
	h, err := segment.ReadHeader(raw)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	return h, segment.Payload(raw, h)
}

func TestPassiveOpen(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, segment.MSS, time.Second)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)

	if got := len(accepted); got != 1 {
		t.Fatalf("accept callback fired %d times, want 1", got)
	}
	<-accepted

	frames := net.Sent()
	if len(frames) != 1 {
		t.Fatalf("got %d segments sent, want 1", len(frames))
	}
	h, _ := readHeader(t, frames[0].Segment)
	if h.Flags != segment.FlagSYN|segment.FlagACK {
		t.Errorf("flags = %#x, want SYN|ACK", h.Flags)
	}
	if h.Seq != 500 {
		t.Errorf("seq = %d, want 500 (the configured iss)", h.Seq)
	}
	if h.Ack != 1001 {
		t.Errorf("ack = %d, want 1001", h.Ack)
	}
}

func TestSingleSegmentExchange(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, segment.MSS, time.Second)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)
	conn := <-accepted

	received := make(chan []byte, 1)
	conn.SetReceiver(func(c *Connection, payload []byte) { received <- payload })

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1001, 501, segment.FlagACK, []byte("hi")))
	drain(l)

	select {
	case got := <-received:
		if string(got) != "hi" {
			t.Errorf("delivered %q, want %q", got, "hi")
		}
	default:
		t.Fatal("receiver was not invoked")
	}

	frames := net.Sent()
	h, payload := readHeader(t, frames[len(frames)-1].Segment)
	if h.Flags != segment.FlagACK {
		t.Errorf("flags = %#x, want ACK", h.Flags)
	}
	if h.Seq != 501 {
		t.Errorf("seq = %d, want 501", h.Seq)
	}
	if h.Ack != 1003 {
		t.Errorf("ack = %d, want 1003", h.Ack)
	}
	if len(payload) != 0 {
		t.Errorf("pure ack carried payload %q", payload)
	}
}

func TestLossAndRetransmit(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, 4, 40*time.Millisecond)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)
	conn := <-accepted
	net.Reset()

	conn.Send([]byte("abcdefg"))
	drain(l)

	frames := net.Sent()
	if len(frames) != 1 {
		t.Fatalf("got %d segments on first send, want 1 (cwnd=1 blocks \"efg\")", len(frames))
	}
	h, payload := readHeader(t, frames[0].Segment)
	if h.Seq != 501 || string(payload) != "abcd" {
		t.Fatalf("first segment = seq %d %q, want seq 501 %q", h.Seq, payload, "abcd")
	}

	net.Reset()
	time.Sleep(60 * time.Millisecond) // past the 40ms test rto, short of the second expiry at ~80ms
	drain(l)

	frames = net.Sent()
	if len(frames) != 1 {
		t.Fatalf("got %d retransmitted segments, want exactly 1", len(frames))
	}
	h, payload = readHeader(t, frames[0].Segment)
	if h.Seq != 501 || string(payload) != "abcd" {
		t.Fatalf("retransmit = seq %d %q, want seq 501 %q", h.Seq, payload, "abcd")
	}
	if conn.cwnd != 1 {
		t.Errorf("cwnd = %d, want 1 (halving 1 stays at 1)", conn.cwnd)
	}
}

func TestCumulativeAckAdvancesWindow(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, 4, time.Second)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)
	conn := <-accepted
	conn.cwnd = 2
	net.Reset()

	conn.Send([]byte("aaaa"))
	conn.Send([]byte("bbbb"))
	drain(l)

	frames := net.Sent()
	if len(frames) != 2 {
		t.Fatalf("got %d segments sent, want 2 (cwnd=2 admits both)", len(frames))
	}

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1001, 505, segment.FlagACK, nil))
	drain(l)

	if conn.sendBase != 505 {
		t.Errorf("send_base = %d, want 505", conn.sendBase)
	}
	if conn.cwnd != 3 {
		t.Errorf("cwnd = %d, want 3 after crossing one MSS of newly-acked data", conn.cwnd)
	}
}

func TestOrderlyRemoteClose(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, segment.MSS, time.Second)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)
	conn := <-accepted

	closeEvents := 0
	conn.SetReceiver(func(c *Connection, payload []byte) {
		if payload == nil {
			closeEvents++
		}
	})

	net.Reset()
	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1001, 501, segment.FlagFIN|segment.FlagACK, nil))
	drain(l)

	if closeEvents != 1 {
		t.Fatalf("receiver invoked on FIN %d times, want 1", closeEvents)
	}

	frames := net.Sent()
	if len(frames) < 1 {
		t.Fatal("no segment sent in response to FIN")
	}
	for _, f := range frames {
		fh, _ := readHeader(t, f.Segment)
		if fh.HasFlag(segment.FlagFIN) {
			t.Errorf("server sent a FIN of its own in response to the peer's FIN; want only an ACK")
		}
	}
	h, _ := readHeader(t, frames[0].Segment)
	if h.Ack != 1002 {
		t.Errorf("ack = %d, want 1002 (recv_next + 1)", h.Ack)
	}

	// With no local data outstanding, the peer's FIN (once acked) is enough
	// to tear the connection down: remote close never needs a local FIN.
	if l.Connections() != 0 {
		t.Errorf("connection count = %d, want 0 right after the peer's FIN is acked", l.Connections())
	}
}

func TestOrderlyLocalClose(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, segment.MSS, time.Second)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)
	conn := <-accepted

	conn.Close()
	drain(l)

	if l.Connections() != 1 {
		t.Fatalf("connection count = %d, want 1 (still waiting on the peer's ack of our FIN)", l.Connections())
	}

	frames := net.Sent()
	var finSeq uint32
	var sawFin bool
	for _, f := range frames {
		fh, _ := readHeader(t, f.Segment)
		if fh.HasFlag(segment.FlagFIN) {
			sawFin = true
			finSeq = fh.Seq
		}
	}
	if !sawFin {
		t.Fatal("Close did not emit a FIN")
	}

	// A second Close call must not emit a second FIN.
	net.Reset()
	conn.Close()
	drain(l)
	if frames := net.Sent(); len(frames) != 0 {
		t.Errorf("second Close sent %d segments, want 0", len(frames))
	}

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1001, finSeq+1, segment.FlagACK, nil))
	drain(l)

	if l.Connections() != 0 {
		t.Errorf("connection count = %d, want 0 after the peer acks our FIN", l.Connections())
	}
}

func TestOutOfOrderDrop(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, segment.MSS, time.Second)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)
	conn := <-accepted

	delivered := 0
	conn.SetReceiver(func(c *Connection, payload []byte) { delivered++ })

	net.Reset()
	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1011, 501, segment.FlagACK, []byte("late")))
	drain(l)

	if delivered != 0 {
		t.Errorf("receiver invoked %d times for out-of-order data, want 0", delivered)
	}
	if got := conn.recvNext; got != 1001 {
		t.Errorf("recv_next = %d, want unchanged 1001", got)
	}
	if frames := net.Sent(); len(frames) != 0 {
		t.Errorf("got %d segments sent for an out-of-order drop, want 0", len(frames))
	}
}

func TestAckIdempotence(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, 4, time.Second)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)
	conn := <-accepted

	conn.Send([]byte("data"))
	drain(l)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1001, 505, segment.FlagACK, nil))
	drain(l)

	base, cwnd := conn.sendBase, conn.cwnd

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1001, 505, segment.FlagACK, nil))
	drain(l)

	if conn.sendBase != base || conn.cwnd != cwnd {
		t.Errorf("a repeated ack at send_base changed state: send_base %d->%d, cwnd %d->%d",
			base, conn.sendBase, cwnd, conn.cwnd)
	}
}

func TestDuplicateDataIdempotence(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, segment.MSS, time.Second)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)
	conn := <-accepted

	delivered := 0
	conn.SetReceiver(func(c *Connection, payload []byte) { delivered++ })

	seg := peerSegment(1001, 501, segment.FlagACK, []byte("hi"))
	net.Deliver(testPeerAddr, testServerAddr, seg)
	drain(l)
	net.Deliver(testPeerAddr, testServerAddr, seg)
	drain(l)

	if delivered != 1 {
		t.Errorf("receiver invoked %d times for a duplicated segment, want 1", delivered)
	}
}

func TestRetransmitTimerArmedIffUnackedNonEmpty(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, segment.MSS, time.Second)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)
	conn := <-accepted

	conn.Send([]byte("x"))
	drain(l)
	if conn.timer == nil {
		t.Error("timer not armed with unacked data outstanding")
	}

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1001, 502, segment.FlagACK, nil))
	drain(l)
	if conn.timer != nil {
		t.Error("timer still armed after unacked drained to empty")
	}
}

func TestDuplicateSynIgnoredOnActiveConnection(t *testing.T) {
	l, net, accepted := newTestListener(t, 500, segment.MSS, time.Second)

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)
	<-accepted
	net.Reset()

	net.Deliver(testPeerAddr, testServerAddr, peerSegment(1000, 0, segment.FlagSYN, nil))
	drain(l)

	if got := len(accepted); got != 0 {
		t.Errorf("accept fired again on duplicate SYN, want the existing connection left alone")
	}
	if got := len(net.Sent()); got != 0 {
		t.Errorf("server replied to a duplicate SYN, want it silently ignored")
	}
}
