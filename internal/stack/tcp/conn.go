package tcp

import (
	"fmt"
	"time"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

// State is a connection's position in the RFC 793 graph.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnStats are cumulative per-connection counters.
type ConnStats struct {
	BytesSent        uint64
	BytesReceived    uint64
	SegmentsSent     uint64
	SegmentsReceived uint64
	Retransmissions  uint64
}

// Connection is one simulated TCP connection, identified by its 4-tuple.
// It is mutated only through the manager's ProcessSegment/Send/Close paths.
type Connection struct {
	LocalAddr  ipv4.Address
	LocalPort  uint16
	RemoteAddr ipv4.Address
	RemotePort uint16

	State State

	// Send sequence space.
	ISS    uint32 // initial send sequence number
	SndUna uint32 // oldest unacknowledged
	SndNxt uint32 // next to send
	SndWnd uint16 // peer's advertised window

	// Receive sequence space.
	IRS    uint32 // peer's initial sequence number
	RcvNxt uint32 // next expected
	RcvWnd uint16 // our advertised window

	// Congestion state. Initialized but not driven by any control loop;
	// no loss/ACK feedback adjusts these in the simulation.
	CongestionWindow    uint32
	SlowStartThreshold  uint32

	RTO time.Duration

	Created      time.Time
	LastActivity time.Time
	timeWaitAt   time.Time

	Stats ConnStats
}

// Key identifies the connection in the manager's table.
func (c *Connection) Key() string {
	return ConnKey(c.LocalAddr, c.LocalPort, c.RemoteAddr, c.RemotePort)
}

// ConnKey builds the 4-tuple map key.
func ConnKey(laddr ipv4.Address, lport uint16, raddr ipv4.Address, rport uint16) string {
	return fmt.Sprintf("%s:%d-%s:%d", laddr, lport, raddr, rport)
}

// Format renders a "show tcp"-style line.
func (c *Connection) Format() string {
	return fmt.Sprintf("%-21s %-21s %-13s snd.nxt %10d rcv.nxt %10d",
		fmt.Sprintf("%s:%d", c.LocalAddr, c.LocalPort),
		fmt.Sprintf("%s:%d", c.RemoteAddr, c.RemotePort),
		c.State, c.SndNxt, c.RcvNxt)
}
