package icmp

import (
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"firestige.xyz/netsim/internal/log"
	"firestige.xyz/netsim/internal/metrics"
	"firestige.xyz/netsim/internal/stack/ipv4"
)

// Idle sessions fall out of the registry so an abandoned console ping does
// not pin memory forever.
const (
	sessionIdleTTL  = 30 * time.Minute
	sessionSweepInt = 5 * time.Minute
)

// PingSession tracks one ping run's statistics.
type PingSession struct {
	ID          string
	Target      ipv4.Address
	Identifier  uint16
	NextSeq     uint16
	PayloadSize int

	Sent     int
	Received int

	RTTMin time.Duration
	RTTMax time.Duration
	RTTSum time.Duration

	Closed bool
}

// Lost is the number of unanswered echoes so far.
func (s *PingSession) Lost() int {
	return s.Sent - s.Received
}

// LossPercent is the packet loss ratio in percent.
func (s *PingSession) LossPercent() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Lost()) / float64(s.Sent) * 100
}

// RTTAvg is the running average round-trip time.
func (s *PingSession) RTTAvg() time.Duration {
	if s.Received == 0 {
		return 0
	}
	return s.RTTSum / time.Duration(s.Received)
}

// PingManager owns ping sessions and matches echo replies back to them by
// identifier. Sessions live in a TTL cache and expire when idle.
type PingManager struct {
	mu       sync.Mutex
	sessions *gocache.Cache
	source   ipv4.Address
	ids      *ipv4.IDSource
	seq      int
	now      func() time.Time
	log      log.Logger
}

func NewPingManager(source ipv4.Address, ids *ipv4.IDSource, logger log.Logger) *PingManager {
	return &PingManager{
		sessions: gocache.New(sessionIdleTTL, sessionSweepInt),
		source:   source,
		ids:      ids,
		now:      time.Now,
		log:      logger.WithField("proto", "icmp"),
	}
}

// CreateSession starts a ping run against target.
func (m *PingManager) CreateSession(target ipv4.Address, payloadSize int) *PingSession {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("ping-%d", m.seq)
	m.mu.Unlock()
	s := &PingSession{
		ID:          id,
		Target:      target,
		Identifier:  m.ids.Next(),
		PayloadSize: payloadSize,
	}
	m.sessions.Set(id, s, gocache.DefaultExpiration)
	m.log.WithFields(map[string]interface{}{"session": id, "target": target.String()}).Debug("ping session created")
	return s
}

// Session returns the live session for id.
func (m *PingManager) Session(id string) (*PingSession, bool) {
	v, ok := m.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*PingSession), true
}

// SendPing builds the next echo request packet for the session.
func (m *PingManager) SendPing(id string) (*ipv4.Packet, error) {
	s, ok := m.Session(id)
	if !ok {
		return nil, fmt.Errorf("no such ping session %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Closed {
		return nil, fmt.Errorf("ping session %q is closed", id)
	}
	msg := NewEchoRequest(s.Identifier, s.NextSeq, s.PayloadSize, m.now())
	s.NextSeq++
	s.Sent++
	pkt, err := ipv4.NewPacket(m.source, s.Target, ipv4.ProtocolICMP, msg, m.ids.Next())
	if err != nil {
		return nil, err
	}
	m.sessions.Set(id, s, gocache.DefaultExpiration)
	metrics.ICMPMessagesTotal.WithLabelValues("echo_request").Inc()
	return pkt, nil
}

// ProcessReply attributes an echo reply to the session. Replies whose
// identifier does not match are someone else's and are ignored. Returns
// the derived RTT and whether the reply was accepted.
func (m *PingManager) ProcessReply(id string, msg *Message) (time.Duration, bool) {
	s, ok := m.Session(id)
	if !ok {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.Type != TypeEchoReply || msg.Identifier != s.Identifier {
		return 0, false
	}
	rtt := msg.RTT(m.now())
	s.Received++
	if s.Received == 1 || rtt < s.RTTMin {
		s.RTTMin = rtt
	}
	if rtt > s.RTTMax {
		s.RTTMax = rtt
	}
	s.RTTSum += rtt
	m.sessions.Set(id, s, gocache.DefaultExpiration)
	metrics.ICMPMessagesTotal.WithLabelValues("echo_reply").Inc()
	return rtt, true
}

// CloseSession finishes the run; statistics stay readable until the
// registry TTL evicts them.
func (m *PingManager) CloseSession(id string) {
	if s, ok := m.Session(id); ok {
		m.mu.Lock()
		s.Closed = true
		m.mu.Unlock()
	}
}

// FormatStatistics renders ping's closing summary.
func (m *PingManager) FormatStatistics(id string) string {
	s, ok := m.Session(id)
	if !ok {
		return fmt.Sprintf("no statistics for session %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s ping statistics ---\n", s.Target)
	fmt.Fprintf(&b, "%d packets transmitted, %d received, %.1f%% packet loss\n",
		s.Sent, s.Received, s.LossPercent())
	if s.Received > 0 {
		fmt.Fprintf(&b, "rtt min/avg/max = %.3f/%.3f/%.3f ms\n",
			float64(s.RTTMin)/float64(time.Millisecond),
			float64(s.RTTAvg())/float64(time.Millisecond),
			float64(s.RTTMax)/float64(time.Millisecond))
	}
	return b.String()
}

// Reset drops all ping sessions.
func (m *PingManager) Reset() {
	m.sessions.Flush()
}
