// Package stack composes the protocol managers into one simulated host:
// an IPv4 identity plus ARP, TCP, UDP, ICMP and IPsec engines sharing a
// single IP-ID source.
package stack

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"firestige.xyz/netsim/internal/log"
	"firestige.xyz/netsim/internal/stack/arp"
	"firestige.xyz/netsim/internal/stack/icmp"
	"firestige.xyz/netsim/internal/stack/ipsec"
	"firestige.xyz/netsim/internal/stack/ipv4"
	"firestige.xyz/netsim/internal/stack/tcp"
	"firestige.xyz/netsim/internal/stack/udp"
)

// Config is the device identity and per-protocol tuning for one stack.
type Config struct {
	Hostname  string
	Interface string

	IP   ipv4.Address
	Mask ipv4.Address
	MAC  ipv4.MACAddress

	ARP arp.TableConfig
	// TCPMSL overrides the TIME_WAIT half-duration when nonzero.
	TCPMSL time.Duration
	// ReassemblyTimeout bounds how long partial fragment sets are held.
	ReassemblyTimeout time.Duration
}

// ProtocolStack is the facade over all protocol engines of one simulated
// host. Each stack instance is fully independent; two stacks share no
// counters or generator state.
type ProtocolStack struct {
	cfg Config
	log log.Logger

	ids         *ipv4.IDSource
	reassembler *ipv4.Reassembler

	ARP        *arp.Manager
	TCP        *tcp.Manager
	UDP        *udp.SocketManager
	Ping       *icmp.PingManager
	Traceroute *icmp.TracerouteManager
	IPSec      *ipsec.Manager

	mu      sync.Mutex
	started time.Time

	packetsSent     uint64
	packetsReceived uint64
}

// New builds a stack from cfg. Zero tuning fields fall back to defaults.
func New(cfg Config, logger log.Logger) *ProtocolStack {
	if cfg.Hostname == "" {
		cfg.Hostname = "netsim"
	}
	if cfg.Interface == "" {
		cfg.Interface = "eth0"
	}
	if cfg.ReassemblyTimeout == 0 {
		cfg.ReassemblyTimeout = 30 * time.Second
	}

	ids := ipv4.NewIDSource(uint32(time.Now().UnixNano()))
	s := &ProtocolStack{
		cfg:         cfg,
		log:         logger.WithField("host", cfg.Hostname),
		ids:         ids,
		reassembler: ipv4.NewReassembler(cfg.ReassemblyTimeout),
		started:     time.Now(),
	}
	s.ARP = arp.NewManager(arp.ManagerConfig{
		IP:        cfg.IP,
		MAC:       cfg.MAC,
		Interface: cfg.Interface,
		Table:     cfg.ARP,
	}, logger)
	s.TCP = tcp.NewManager(tcp.ManagerConfig{LocalIP: cfg.IP, MSL: cfg.TCPMSL}, logger)
	s.UDP = udp.NewSocketManager(logger)
	s.Ping = icmp.NewPingManager(cfg.IP, ids, logger)
	s.Traceroute = icmp.NewTracerouteManager(cfg.IP, ids, logger)
	s.IPSec = ipsec.NewManager(ids, logger)
	return s
}

// IP returns the stack's interface address.
func (s *ProtocolStack) IP() ipv4.Address { return s.cfg.IP }

// MAC returns the stack's interface hardware address.
func (s *ProtocolStack) MAC() ipv4.MACAddress { return s.cfg.MAC }

// Hostname returns the device name.
func (s *ProtocolStack) Hostname() string { return s.cfg.Hostname }

// NextID hands out an IPv4 identification value from the shared source.
func (s *ProtocolStack) NextID() uint16 { return s.ids.Next() }

// NewPacket builds an outbound IPv4 packet from this stack's address with
// a fresh identification value.
func (s *ProtocolStack) NewPacket(dst ipv4.Address, protocol uint8, payload ipv4.Payload) (*ipv4.Packet, error) {
	p, err := ipv4.NewPacket(s.cfg.IP, dst, protocol, payload, s.ids.Next())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.packetsSent++
	s.mu.Unlock()
	return p, nil
}

// Receive runs inbound processing shared by all protocols: checksum
// verification, reassembly of fragments, and IPsec decapsulation for
// ESP/AH. It returns the packet ready for transport-layer dispatch, or
// nil when the packet was dropped or is an incomplete fragment.
func (s *ProtocolStack) Receive(p *ipv4.Packet) *ipv4.Packet {
	s.mu.Lock()
	s.packetsReceived++
	s.mu.Unlock()

	if !p.VerifyChecksum() {
		s.log.WithField("src", p.Src.String()).Debug("bad header checksum, dropped")
		return nil
	}
	if p.MoreFragments || p.FragmentOffset > 0 {
		whole, done := s.reassembler.Add(p)
		if !done {
			return nil
		}
		p = whole
	}
	switch p.Protocol {
	case ipv4.ProtocolESP, ipv4.ProtocolAH:
		return s.IPSec.ProcessInbound(p)
	}
	return p
}

// Uptime is the time since the stack was constructed.
func (s *ProtocolStack) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.started)
}

// Stats is a point-in-time aggregate across all protocol engines.
type Stats struct {
	Hostname        string
	Uptime          time.Duration
	PacketsSent     uint64
	PacketsReceived uint64

	ARP            arp.Stats
	TCPConnections int
	UDPBoundPorts  int
	IPSecSAs       int
}

// Stats snapshots the stack.
func (s *ProtocolStack) Stats() Stats {
	s.mu.Lock()
	sent, received := s.packetsSent, s.packetsReceived
	uptime := time.Since(s.started)
	s.mu.Unlock()
	return Stats{
		Hostname:        s.cfg.Hostname,
		Uptime:          uptime,
		PacketsSent:     sent,
		PacketsReceived: received,
		ARP:             s.ARP.Stats(),
		TCPConnections:  len(s.TCP.Connections()),
		UDPBoundPorts:   len(s.UDP.BoundPorts()),
		IPSecSAs:        len(s.IPSec.GetAllSAs()),
	}
}

// Format renders a device-status summary.
func (s *ProtocolStack) Format() string {
	st := s.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "%s uptime is %s\n", st.Hostname, st.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "interface %s: %s/%d, hw %s\n", s.cfg.Interface, s.cfg.IP, prefixLen(s.cfg.Mask), s.cfg.MAC)
	fmt.Fprintf(&b, "  %d packets sent, %d packets received\n", st.PacketsSent, st.PacketsReceived)
	fmt.Fprintf(&b, "  arp: %d entries, %d pending\n", st.ARP.CacheEntries, st.ARP.PendingQueries)
	fmt.Fprintf(&b, "  tcp: %d connections\n", st.TCPConnections)
	fmt.Fprintf(&b, "  udp: %d bound ports\n", st.UDPBoundPorts)
	fmt.Fprintf(&b, "  ipsec: %d security associations\n", st.IPSecSAs)
	return b.String()
}

func prefixLen(mask ipv4.Address) int {
	n, _ := ipv4.PrefixFromMask(mask)
	return n
}

// Reset restores every protocol engine to its initial state. Generator
// seeds are kept so identifiers stay unique across the reset.
func (s *ProtocolStack) Reset() {
	s.ARP.Reset()
	s.TCP.Reset()
	s.UDP.Reset()
	s.Ping.Reset()
	s.Traceroute.Reset()
	s.IPSec.Reset()
	s.mu.Lock()
	s.packetsSent = 0
	s.packetsReceived = 0
	s.started = time.Now()
	s.mu.Unlock()
	s.log.Info("protocol stack reset")
}
