package icmp

import (
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"firestige.xyz/netsim/internal/log"
	"firestige.xyz/netsim/internal/stack/ipv4"
)

// HopStatus classifies how a traceroute hop answered.
type HopStatus string

const (
	HopExceeded    HopStatus = "exceeded"    // intermediate router, TTL ran out
	HopReplied     HopStatus = "replied"     // destination answered the echo
	HopUnreachable HopStatus = "unreachable" // destination unreachable received
	HopTimeout     HopStatus = "timeout"     // no probe answered
)

// probeTimeout marks an unanswered probe in a hop's RTT list.
const probeTimeout = time.Duration(-1)

// TracerouteHop records one TTL's responder and per-probe RTTs.
type TracerouteHop struct {
	TTL    int
	Addr   ipv4.Address
	RTTs   []time.Duration // probeTimeout where no answer came
	Status HopStatus
}

// TracerouteSession walks TTLs toward a target.
type TracerouteSession struct {
	ID           string
	Target       ipv4.Address
	MaxHops      int
	ProbesPerHop int
	Identifier   uint16
	NextSeq      uint16

	CurrentTTL int
	Hops       []*TracerouteHop
	Complete   bool
}

// DefaultMaxHops bounds a traceroute run.
const DefaultMaxHops = 30

// DefaultProbesPerHop is the probe count per TTL.
const DefaultProbesPerHop = 3

// TracerouteManager owns traceroute sessions; like ping sessions they live
// in a TTL cache and expire when idle.
type TracerouteManager struct {
	mu       sync.Mutex
	sessions *gocache.Cache
	source   ipv4.Address
	ids      *ipv4.IDSource
	seq      int
	log      log.Logger
}

func NewTracerouteManager(source ipv4.Address, ids *ipv4.IDSource, logger log.Logger) *TracerouteManager {
	return &TracerouteManager{
		sessions: gocache.New(sessionIdleTTL, sessionSweepInt),
		source:   source,
		ids:      ids,
		log:      logger.WithField("proto", "icmp"),
	}
}

// CreateSession starts a traceroute toward target. Zero maxHops or
// probesPerHop select the defaults.
func (m *TracerouteManager) CreateSession(target ipv4.Address, maxHops, probesPerHop int) *TracerouteSession {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if probesPerHop <= 0 {
		probesPerHop = DefaultProbesPerHop
	}
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("traceroute-%d", m.seq)
	m.mu.Unlock()
	s := &TracerouteSession{
		ID:           id,
		Target:       target,
		MaxHops:      maxHops,
		ProbesPerHop: probesPerHop,
		Identifier:   m.ids.Next(),
		CurrentTTL:   1,
	}
	m.sessions.Set(id, s, gocache.DefaultExpiration)
	return s
}

// Session returns the live session for id.
func (m *TracerouteManager) Session(id string) (*TracerouteSession, bool) {
	v, ok := m.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*TracerouteSession), true
}

// CreateProbe builds the next probe packet: an echo request whose TTL is
// the session's current hop distance.
func (m *TracerouteManager) CreateProbe(id string) (*ipv4.Packet, error) {
	s, ok := m.Session(id)
	if !ok {
		return nil, fmt.Errorf("no such traceroute session %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Complete {
		return nil, fmt.Errorf("traceroute session %q is complete", id)
	}
	msg := NewEchoRequest(s.Identifier, s.NextSeq, 0, time.Now())
	s.NextSeq++
	pkt, err := ipv4.NewPacket(m.source, s.Target, ipv4.ProtocolICMP, msg, m.ids.Next())
	if err != nil {
		return nil, err
	}
	pkt.TTL = uint8(s.CurrentTTL)
	pkt.Checksum = pkt.HeaderChecksum()
	m.sessions.Set(id, s, gocache.DefaultExpiration)
	return pkt, nil
}

// hopForCurrentTTL finds or creates the hop record being probed.
func (s *TracerouteSession) hopForCurrentTTL() *TracerouteHop {
	for _, h := range s.Hops {
		if h.TTL == s.CurrentTTL {
			return h
		}
	}
	h := &TracerouteHop{TTL: s.CurrentTTL, Status: HopExceeded}
	s.Hops = append(s.Hops, h)
	return h
}

// ProcessResponse feeds one answer (or RecordTimeout for none) into the
// session. Time Exceeded names an intermediate hop; an Echo Reply or
// Destination Unreachable ends the walk.
func (m *TracerouteManager) ProcessResponse(id string, from ipv4.Address, msg *Message, rtt time.Duration) error {
	s, ok := m.Session(id)
	if !ok {
		return fmt.Errorf("no such traceroute session %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Complete {
		return nil
	}
	hop := s.hopForCurrentTTL()
	hop.Addr = from
	hop.RTTs = append(hop.RTTs, rtt)

	switch msg.Type {
	case TypeEchoReply:
		hop.Status = HopReplied
		s.Complete = true
	case TypeDestinationUnreachable:
		hop.Status = HopUnreachable
		s.Complete = true
	case TypeTimeExceeded:
		hop.Status = HopExceeded
		m.advanceLocked(s, hop)
	default:
		// Not a traceroute answer; put the probe back.
		hop.RTTs = hop.RTTs[:len(hop.RTTs)-1]
	}
	m.sessions.Set(id, s, gocache.DefaultExpiration)
	return nil
}

// RecordTimeout charges an unanswered probe to the current hop.
func (m *TracerouteManager) RecordTimeout(id string) error {
	s, ok := m.Session(id)
	if !ok {
		return fmt.Errorf("no such traceroute session %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Complete {
		return nil
	}
	hop := s.hopForCurrentTTL()
	hop.RTTs = append(hop.RTTs, probeTimeout)
	if len(hop.RTTs) >= s.ProbesPerHop && hop.Addr.IsUnspecified() {
		hop.Status = HopTimeout
	}
	m.advanceLocked(s, hop)
	m.sessions.Set(id, s, gocache.DefaultExpiration)
	return nil
}

// advanceLocked moves to the next TTL once the hop has all its probes.
func (m *TracerouteManager) advanceLocked(s *TracerouteSession, hop *TracerouteHop) {
	if len(hop.RTTs) < s.ProbesPerHop {
		return
	}
	if s.CurrentTTL >= s.MaxHops {
		s.Complete = true
		return
	}
	s.CurrentTTL++
}

// CloseSession marks the session complete.
func (m *TracerouteManager) CloseSession(id string) {
	if s, ok := m.Session(id); ok {
		m.mu.Lock()
		s.Complete = true
		m.mu.Unlock()
	}
}

// FormatOutput renders classic traceroute output, "*" for lost probes.
func (m *TracerouteManager) FormatOutput(id string) string {
	s, ok := m.Session(id)
	if !ok {
		return fmt.Sprintf("no such traceroute session %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "traceroute to %s, %d hops max\n", s.Target, s.MaxHops)
	for _, h := range s.Hops {
		fmt.Fprintf(&b, "%2d  ", h.TTL)
		if h.Addr.IsUnspecified() {
			b.WriteString("* * *\n")
			continue
		}
		fmt.Fprintf(&b, "%-15s ", h.Addr)
		for _, rtt := range h.RTTs {
			if rtt < 0 {
				b.WriteString(" *")
			} else {
				fmt.Fprintf(&b, " %.3f ms", float64(rtt)/float64(time.Millisecond))
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Reset drops all traceroute sessions.
func (m *TracerouteManager) Reset() {
	m.sessions.Flush()
}
