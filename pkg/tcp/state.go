package tcp

// State is a Connection's position in the trimmed lifecycle this engine
// implements. LISTEN and the active-open states (SYN_SENT, SYN_RECEIVED as
// a distinct waiting state) don't appear here: a Connection is only ever
// constructed already past the handshake, once the Listener has answered
// the peer's SYN with a SYN+ACK.
type State int

const (
	// StateEstablished is the steady state: either side may send data,
	// neither has sent a FIN yet.
	StateEstablished State = iota
	// StateClosing means either the local FIN has been sent or the peer's
	// FIN has been received, and the connection is winding down; data may
	// still be arriving from a peer that hasn't closed its own side yet.
	StateClosing
	// StateClosed means the close that started winding down has completed:
	// after a peer FIN, no local data is left unacknowledged; after a local
	// Close, the peer has acknowledged our FIN. A Connection in this state
	// has already been removed from its Listener's table.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
