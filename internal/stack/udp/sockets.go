package udp

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

// Ephemeral port range cycled by AllocateEphemeralPort.
const (
	EphemeralMin = 49152
	EphemeralMax = 65535
)

// Binding is one simulated socket binding. Delivered datagrams queue here
// for the application (console/tests) to drain.
type Binding struct {
	Addr      ipv4.Address // 0.0.0.0 accepts any destination
	Port      uint16
	ReuseAddr bool
	Bound     time.Time

	Queue    []*Datagram
	Received uint64
}

// SocketManager simulates bind/unbind and datagram delivery for a single
// device.
type SocketManager struct {
	mu        sync.Mutex
	bindings  map[uint16][]*Binding
	nextEphem uint16
	log       log.Logger
}

func NewSocketManager(logger log.Logger) *SocketManager {
	return &SocketManager{
		bindings:  make(map[uint16][]*Binding),
		nextEphem: EphemeralMin,
		log:       logger.WithField("proto", "udp"),
	}
}

// Bind claims addr:port. It fails when the port is already bound by a
// conflicting address (same address, or either side wildcard) unless both
// bindings set reuseAddr.
func (m *SocketManager) Bind(addr ipv4.Address, port uint16, reuseAddr bool) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings[port] {
		conflict := b.Addr == addr || b.Addr.IsUnspecified() || addr.IsUnspecified()
		if conflict && !(b.ReuseAddr && reuseAddr) {
			return nil, fmt.Errorf("address already in use: %s:%d", addr, port)
		}
	}
	binding := &Binding{Addr: addr, Port: port, ReuseAddr: reuseAddr, Bound: time.Now()}
	m.bindings[port] = append(m.bindings[port], binding)
	metrics.UDPBoundSockets.Inc()
	m.log.WithField("bind", fmt.Sprintf("%s:%d", addr, port)).Debug("socket bound")
	return binding, nil
}

// Unbind releases addr:port.
func (m *SocketManager) Unbind(addr ipv4.Address, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.bindings[port]
	for i, b := range list {
		if b.Addr == addr {
			m.bindings[port] = append(list[:i], list[i+1:]...)
			if len(m.bindings[port]) == 0 {
				delete(m.bindings, port)
			}
			metrics.UDPBoundSockets.Dec()
			return nil
		}
	}
	return fmt.Errorf("not bound: %s:%d", addr, port)
}

// AllocateEphemeralPort cycles through 49152-65535, skipping bound ports.
// It fails only when the whole range is exhausted.
func (m *SocketManager) AllocateEphemeralPort() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i <= EphemeralMax-EphemeralMin; i++ {
		port := m.nextEphem
		if m.nextEphem == EphemeralMax {
			m.nextEphem = EphemeralMin
		} else {
			m.nextEphem++
		}
		if _, bound := m.bindings[port]; !bound {
			return port, nil
		}
	}
	return 0, fmt.Errorf("ephemeral port range exhausted")
}

// BoundPorts returns all ports with at least one binding, sorted.
func (m *SocketManager) BoundPorts() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]uint16, 0, len(m.bindings))
	for p := range m.bindings {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Deliver fans d out to every binding on the destination port whose address
// matches dst exactly, accepts any address, or — for broadcast destinations
// — is bound at all. It returns the number of sockets that received a copy;
// zero is the "port unreachable" signal for the caller.
func (m *SocketManager) Deliver(dst ipv4.Address, d *Datagram) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics.PacketsTotal.WithLabelValues("udp", "in").Inc()
	broadcast := dst.IsLimitedBroadcast()
	n := 0
	for _, b := range m.bindings[d.DstPort] {
		if b.Addr == dst || b.Addr.IsUnspecified() || broadcast {
			b.Queue = append(b.Queue, d)
			b.Received++
			n++
		}
	}
	if n == 0 {
		metrics.DropsTotal.WithLabelValues("udp", "port_unreachable").Inc()
	}
	return n
}

// Drain removes and returns the binding's queued datagrams.
func (m *SocketManager) Drain(b *Binding) []*Datagram {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := b.Queue
	b.Queue = nil
	return q
}

// Format renders a "show sockets"-style table.
func (m *SocketManager) Format() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]uint16, 0, len(m.bindings))
	for p := range m.bindings {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-21s %-7s %-9s %s\n", "Local Address", "Reuse", "Queued", "Received")
	for _, p := range ports {
		for _, b := range m.bindings[p] {
			fmt.Fprintf(&sb, "%-21s %-7t %-9d %d\n",
				fmt.Sprintf("%s:%d", b.Addr, b.Port), b.ReuseAddr, len(b.Queue), b.Received)
		}
	}
	return sb.String()
}

// Reset unbinds everything.
func (m *SocketManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.bindings {
		n += len(list)
	}
	m.bindings = make(map[uint16][]*Binding)
	metrics.UDPBoundSockets.Sub(float64(n))
}
