package tcp

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"firestige.xyz/netsim/internal/log"
	"firestige.xyz/netsim/internal/metrics"
	"firestige.xyz/netsim/internal/stack/ipv4"
)

// MSL is the maximum segment lifetime; TIME_WAIT holds for twice this.
const MSL = 60 * time.Second

const (
	ephemeralBase = 49152
	defaultRTO    = time.Second
)

// ManagerConfig identifies the local endpoint and tunes timers.
type ManagerConfig struct {
	LocalIP ipv4.Address
	// MSL overrides the TIME_WAIT half-duration when nonzero (tests).
	MSL time.Duration
}

// Manager owns the connection table and drives every state transition
// through ProcessSegment. Segments invalid for the current state are
// silently ignored, matching RFC 793's tolerance of strays.
type Manager struct {
	mu        sync.Mutex
	cfg       ManagerConfig
	conns     map[string]*Connection
	listeners map[uint16]bool
	isn       *ISNSource
	nextPort  uint16
	now       func() time.Time
	log       log.Logger
}

func NewManager(cfg ManagerConfig, logger log.Logger) *Manager {
	if cfg.MSL <= 0 {
		cfg.MSL = MSL
	}
	return &Manager{
		cfg:       cfg,
		conns:     make(map[string]*Connection),
		listeners: make(map[uint16]bool),
		isn:       NewISNSource(0),
		nextPort:  ephemeralBase,
		now:       time.Now,
		log:       logger.WithField("proto", "tcp"),
	}
}

// Listen opens a passive listener on port. Inbound SYNs to it spawn
// connections in SYN_RECEIVED.
func (m *Manager) Listen(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[port] = true
}

// CloseListen removes a listener. Existing connections are unaffected.
func (m *Manager) CloseListen(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, port)
}

// Connect performs an active open toward remote:port. It returns the new
// connection in SYN_SENT and the SYN segment to transmit.
func (m *Manager) Connect(remote ipv4.Address, remotePort uint16) (*Connection, *Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	localPort, err := m.allocatePortLocked(remote, remotePort)
	if err != nil {
		return nil, nil, err
	}
	iss := m.isn.Next()
	now := m.now()
	conn := &Connection{
		LocalAddr:          m.cfg.LocalIP,
		LocalPort:          localPort,
		RemoteAddr:         remote,
		RemotePort:         remotePort,
		State:              StateSynSent,
		ISS:                iss,
		SndUna:             iss,
		SndNxt:             iss + 1, // SYN consumes one sequence number
		RcvWnd:             DefaultWindow,
		CongestionWindow:   10 * DefaultMSS,
		SlowStartThreshold: DefaultWindow,
		RTO:                defaultRTO,
		Created:            now,
		LastActivity:       now,
	}
	m.conns[conn.Key()] = conn
	metrics.TCPConnectionsActive.Set(float64(len(m.conns)))
	metrics.TCPStateTransitionsTotal.WithLabelValues(StateClosed.String(), StateSynSent.String()).Inc()

	syn := NewSYN(localPort, remotePort, iss)
	syn.SetChecksum(m.cfg.LocalIP, remote)
	conn.Stats.SegmentsSent++
	m.log.WithField("conn", conn.Key()).Debug("active open")
	return conn, syn, nil
}

func (m *Manager) allocatePortLocked(remote ipv4.Address, remotePort uint16) (uint16, error) {
	for i := 0; i < 65536-ephemeralBase; i++ {
		port := m.nextPort
		m.nextPort++
		if m.nextPort == 0 {
			m.nextPort = ephemeralBase
		}
		if _, exists := m.conns[ConnKey(m.cfg.LocalIP, port, remote, remotePort)]; !exists {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free local port for %s:%d", remote, remotePort)
}

// Get returns the connection for the 4-tuple, if tracked.
func (m *Manager) Get(laddr ipv4.Address, lport uint16, raddr ipv4.Address, rport uint16) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[ConnKey(laddr, lport, raddr, rport)]
	return c, ok
}

// ProcessSegment dispatches an inbound segment (src is the sender, dst must
// be this device) through the state machine and returns the segment to
// transmit in response, or nil.
func (m *Manager) ProcessSegment(src, dst ipv4.Address, seg *Segment) *Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics.PacketsTotal.WithLabelValues("tcp", "in").Inc()

	key := ConnKey(dst, seg.DstPort, src, seg.SrcPort)
	conn, ok := m.conns[key]
	if !ok {
		// Passive open: SYN to a listening port spawns a connection.
		if seg.Flags&FlagSYN != 0 && seg.Flags&FlagACK == 0 && m.listeners[seg.DstPort] {
			return m.passiveOpenLocked(src, dst, seg)
		}
		metrics.DropsTotal.WithLabelValues("tcp", "no_connection").Inc()
		return nil
	}

	conn.Stats.SegmentsReceived++
	conn.LastActivity = m.now()

	// RST aborts from any synchronized state.
	if seg.Flags&FlagRST != 0 {
		m.removeLocked(conn, "reset by peer")
		return nil
	}

	switch conn.State {
	case StateSynSent:
		return m.inSynSentLocked(conn, seg)
	case StateSynReceived:
		return m.inSynReceivedLocked(conn, seg)
	case StateEstablished:
		return m.inEstablishedLocked(conn, seg)
	case StateFinWait1:
		return m.inFinWait1Locked(conn, seg)
	case StateFinWait2:
		return m.inFinWait2Locked(conn, seg)
	case StateClosing:
		return m.inClosingLocked(conn, seg)
	case StateCloseWait:
		m.updateSendSpaceLocked(conn, seg)
		return nil
	case StateLastAck:
		return m.inLastAckLocked(conn, seg)
	case StateTimeWait:
		return m.inTimeWaitLocked(conn, seg)
	}
	return nil
}

func (m *Manager) passiveOpenLocked(src, dst ipv4.Address, seg *Segment) *Segment {
	iss := m.isn.Next()
	now := m.now()
	conn := &Connection{
		LocalAddr:          dst,
		LocalPort:          seg.DstPort,
		RemoteAddr:         src,
		RemotePort:         seg.SrcPort,
		State:              StateSynReceived,
		ISS:                iss,
		SndUna:             iss,
		SndNxt:             iss + 1,
		IRS:                seg.Seq,
		RcvNxt:             seg.Seq + 1,
		RcvWnd:             DefaultWindow,
		SndWnd:             seg.Window,
		CongestionWindow:   10 * DefaultMSS,
		SlowStartThreshold: DefaultWindow,
		RTO:                defaultRTO,
		Created:            now,
		LastActivity:       now,
	}
	m.conns[conn.Key()] = conn
	metrics.TCPConnectionsActive.Set(float64(len(m.conns)))
	m.transitionLocked(conn, StateListen, StateSynReceived)

	resp := NewSYNACK(conn.LocalPort, conn.RemotePort, iss, conn.RcvNxt)
	resp.SetChecksum(conn.LocalAddr, conn.RemoteAddr)
	conn.Stats.SegmentsSent++
	return resp
}

func (m *Manager) inSynSentLocked(conn *Connection, seg *Segment) *Segment {
	switch {
	case seg.Flags&FlagSYN != 0 && seg.Flags&FlagACK != 0:
		if seg.Ack != conn.SndNxt {
			return nil // unacceptable ACK, ignore
		}
		conn.IRS = seg.Seq
		conn.RcvNxt = seg.Seq + 1
		conn.SndUna = seg.Ack
		conn.SndWnd = seg.Window
		m.setStateLocked(conn, StateEstablished)
		return m.ackLocked(conn)
	case seg.Flags&FlagSYN != 0:
		// Simultaneous open: both sides sent SYN.
		conn.IRS = seg.Seq
		conn.RcvNxt = seg.Seq + 1
		m.setStateLocked(conn, StateSynReceived)
		resp := NewSYNACK(conn.LocalPort, conn.RemotePort, conn.ISS, conn.RcvNxt)
		resp.SetChecksum(conn.LocalAddr, conn.RemoteAddr)
		conn.Stats.SegmentsSent++
		return resp
	}
	return nil
}

func (m *Manager) inSynReceivedLocked(conn *Connection, seg *Segment) *Segment {
	if seg.Flags&FlagFIN != 0 {
		conn.RcvNxt = seg.Seq + uint32(len(seg.Data)) + 1
		m.setStateLocked(conn, StateCloseWait)
		return m.ackLocked(conn)
	}
	if seg.Flags&FlagACK != 0 && seg.Ack == conn.SndNxt {
		conn.SndUna = seg.Ack
		conn.SndWnd = seg.Window
		m.setStateLocked(conn, StateEstablished)
	}
	return nil
}

func (m *Manager) inEstablishedLocked(conn *Connection, seg *Segment) *Segment {
	m.updateSendSpaceLocked(conn, seg)

	if seg.Flags&FlagFIN != 0 {
		// Any in-flight data on the FIN counts before the FIN itself.
		if n := len(seg.Data); n > 0 && seg.Seq == conn.RcvNxt {
			conn.RcvNxt += uint32(n)
			conn.Stats.BytesReceived += uint64(n)
		}
		// Only a FIN landing exactly at the left window edge closes the
		// window; a stale or reordered FIN is re-ACKed like stale data.
		if seg.Seq+uint32(len(seg.Data)) != conn.RcvNxt {
			return m.ackLocked(conn)
		}
		conn.RcvNxt++
		m.setStateLocked(conn, StateCloseWait)
		return m.ackLocked(conn)
	}
	if len(seg.Data) > 0 {
		if seg.Seq != conn.RcvNxt {
			// Out-of-order or duplicate; re-assert our expectation.
			return m.ackLocked(conn)
		}
		conn.RcvNxt += uint32(len(seg.Data))
		conn.Stats.BytesReceived += uint64(len(seg.Data))
		return m.ackLocked(conn)
	}
	return nil
}

func (m *Manager) inFinWait1Locked(conn *Connection, seg *Segment) *Segment {
	finAcked := seg.Flags&FlagACK != 0 && seg.Ack == conn.SndNxt
	if finAcked {
		conn.SndUna = seg.Ack
	}
	switch {
	case seg.Flags&FlagFIN != 0 && finAcked:
		conn.RcvNxt = seg.Seq + 1
		m.enterTimeWaitLocked(conn)
		return m.ackLocked(conn)
	case seg.Flags&FlagFIN != 0:
		// Simultaneous close.
		conn.RcvNxt = seg.Seq + 1
		m.setStateLocked(conn, StateClosing)
		return m.ackLocked(conn)
	case finAcked:
		m.setStateLocked(conn, StateFinWait2)
	}
	return nil
}

func (m *Manager) inFinWait2Locked(conn *Connection, seg *Segment) *Segment {
	if len(seg.Data) > 0 && seg.Seq == conn.RcvNxt {
		conn.RcvNxt += uint32(len(seg.Data))
		conn.Stats.BytesReceived += uint64(len(seg.Data))
	}
	if seg.Flags&FlagFIN != 0 {
		if seg.Seq+uint32(len(seg.Data)) != conn.RcvNxt {
			return m.ackLocked(conn) // stale FIN, re-assert our expectation
		}
		conn.RcvNxt++
		m.enterTimeWaitLocked(conn)
		return m.ackLocked(conn)
	}
	return nil
}

func (m *Manager) inClosingLocked(conn *Connection, seg *Segment) *Segment {
	if seg.Flags&FlagACK != 0 && seg.Ack == conn.SndNxt {
		conn.SndUna = seg.Ack
		m.enterTimeWaitLocked(conn)
	}
	return nil
}

func (m *Manager) inLastAckLocked(conn *Connection, seg *Segment) *Segment {
	if seg.Flags&FlagACK != 0 && seg.Ack == conn.SndNxt {
		m.removeLocked(conn, "closed")
	}
	return nil
}

func (m *Manager) inTimeWaitLocked(conn *Connection, seg *Segment) *Segment {
	// A retransmitted FIN means our final ACK was lost; send it again.
	if seg.Flags&FlagFIN != 0 {
		return m.ackLocked(conn)
	}
	return nil
}

func (m *Manager) updateSendSpaceLocked(conn *Connection, seg *Segment) {
	if seg.Flags&FlagACK == 0 {
		return
	}
	// seqLEQ handles 32-bit wraparound.
	if seqLEQ(conn.SndUna, seg.Ack) && seqLEQ(seg.Ack, conn.SndNxt) {
		conn.SndUna = seg.Ack
		conn.SndWnd = seg.Window
	}
}

func (m *Manager) ackLocked(conn *Connection) *Segment {
	ack := NewACK(conn.LocalPort, conn.RemotePort, conn.SndNxt, conn.RcvNxt)
	ack.Window = conn.RcvWnd
	ack.SetChecksum(conn.LocalAddr, conn.RemoteAddr)
	conn.Stats.SegmentsSent++
	return ack
}

// Send queues data for transmission on an established connection and
// returns the data segment. SndNxt advances by the payload length; the
// peer's ACK is observed later through ProcessSegment.
func (m *Manager) Send(laddr ipv4.Address, lport uint16, raddr ipv4.Address, rport uint16, data []byte) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[ConnKey(laddr, lport, raddr, rport)]
	if !ok {
		return nil, fmt.Errorf("no such connection %s", ConnKey(laddr, lport, raddr, rport))
	}
	if conn.State != StateEstablished && conn.State != StateCloseWait {
		return nil, fmt.Errorf("cannot send in state %s", conn.State)
	}
	seg := NewDataSegment(conn.LocalPort, conn.RemotePort, conn.SndNxt, conn.RcvNxt, data)
	seg.Window = conn.RcvWnd
	seg.SetChecksum(conn.LocalAddr, conn.RemoteAddr)
	conn.SndNxt += uint32(len(data))
	conn.Stats.BytesSent += uint64(len(data))
	conn.Stats.SegmentsSent++
	conn.LastActivity = m.now()
	metrics.PacketsTotal.WithLabelValues("tcp", "out").Inc()
	return seg, nil
}

// Close begins an orderly shutdown and returns the FIN to transmit.
func (m *Manager) Close(laddr ipv4.Address, lport uint16, raddr ipv4.Address, rport uint16) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[ConnKey(laddr, lport, raddr, rport)]
	if !ok {
		return nil, fmt.Errorf("no such connection %s", ConnKey(laddr, lport, raddr, rport))
	}
	switch conn.State {
	case StateEstablished, StateSynReceived:
		m.setStateLocked(conn, StateFinWait1)
	case StateCloseWait:
		m.setStateLocked(conn, StateLastAck)
	case StateSynSent:
		m.removeLocked(conn, "closed before handshake")
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot close in state %s", conn.State)
	}
	fin := NewFIN(conn.LocalPort, conn.RemotePort, conn.SndNxt, conn.RcvNxt)
	fin.SetChecksum(conn.LocalAddr, conn.RemoteAddr)
	conn.SndNxt++ // FIN consumes one sequence number
	conn.Stats.SegmentsSent++
	return fin, nil
}

// Abort tears the connection down immediately and returns the RST.
func (m *Manager) Abort(laddr ipv4.Address, lport uint16, raddr ipv4.Address, rport uint16) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[ConnKey(laddr, lport, raddr, rport)]
	if !ok {
		return nil, fmt.Errorf("no such connection %s", ConnKey(laddr, lport, raddr, rport))
	}
	rst := NewRST(conn.LocalPort, conn.RemotePort, conn.SndNxt)
	rst.SetChecksum(conn.LocalAddr, conn.RemoteAddr)
	m.removeLocked(conn, "aborted")
	return rst, nil
}

func (m *Manager) enterTimeWaitLocked(conn *Connection) {
	m.setStateLocked(conn, StateTimeWait)
	conn.timeWaitAt = m.now()
	key := conn.Key()
	time.AfterFunc(2*m.cfg.MSL, func() { m.purgeTimeWait(key) })
}

func (m *Manager) purgeTimeWait(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[key]; ok && conn.State == StateTimeWait {
		m.removeLocked(conn, "2MSL elapsed")
	}
}

// SweepTimeWait purges TIME_WAIT connections past 2MSL. The one-shot timer
// normally handles this; the sweep backs it up for tests and reloads.
func (m *Manager) SweepTimeWait() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-2 * m.cfg.MSL)
	n := 0
	for _, conn := range m.conns {
		if conn.State == StateTimeWait && conn.timeWaitAt.Before(cutoff) {
			m.removeLocked(conn, "2MSL elapsed")
			n++
		}
	}
	return n
}

func (m *Manager) setStateLocked(conn *Connection, to State) {
	m.transitionLocked(conn, conn.State, to)
	conn.State = to
}

func (m *Manager) transitionLocked(conn *Connection, from, to State) {
	metrics.TCPStateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	m.log.WithFields(map[string]interface{}{
		"conn": conn.Key(),
		"from": from.String(),
		"to":   to.String(),
	}).Debug("state transition")
}

func (m *Manager) removeLocked(conn *Connection, reason string) {
	m.transitionLocked(conn, conn.State, StateClosed)
	conn.State = StateClosed
	delete(m.conns, conn.Key())
	metrics.TCPConnectionsActive.Set(float64(len(m.conns)))
	m.log.WithFields(map[string]interface{}{"conn": conn.Key(), "reason": reason}).Debug("connection removed")
}

// Connections returns a snapshot sorted by key.
func (m *Manager) Connections() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Format renders a "show tcp"-style table.
func (m *Manager) Format() string {
	conns := m.Connections()
	var b strings.Builder
	fmt.Fprintf(&b, "%-21s %-21s %-13s\n", "Local Address", "Foreign Address", "State")
	for _, c := range conns {
		fmt.Fprintln(&b, c.Format())
	}
	return b.String()
}

// Reset drops every connection and listener.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = make(map[string]*Connection)
	m.listeners = make(map[uint16]bool)
	metrics.TCPConnectionsActive.Set(0)
}

// seqLEQ compares sequence numbers modulo 2^32.
func seqLEQ(a, b uint32) bool {
	return int32(b-a) >= 0
}
