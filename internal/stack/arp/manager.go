package arp

import (
	"context"
	"sync"
	"time"

	"firestige.xyz/netsim/internal/log"
	"firestige.xyz/netsim/internal/metrics"
	"firestige.xyz/netsim/internal/stack/ipv4"
)

// pendingRequest is a single-shot future keyed by target IP. Concurrent
// resolvers for the same IP share one pendingRequest; whoever arrives first
// owns the expiry and its cancel hook.
type pendingRequest struct {
	done   chan struct{}
	cancel func()
	mac    ipv4.MACAddress
	ok     bool
}

// ManagerConfig identifies the simulated device on its link.
type ManagerConfig struct {
	IP        ipv4.Address
	MAC       ipv4.MACAddress
	Interface string
	Table     TableConfig
}

// Manager drives resolution and snooping against the ARP table.
type Manager struct {
	mu      sync.Mutex
	cfg     ManagerConfig
	table   *Table
	pending map[ipv4.Address]*pendingRequest
	log     log.Logger

	requestsSent   uint64
	repliesSent    uint64
	packetsSnooped uint64
	timeouts       uint64
	probesIgnored  uint64
	gratuitousSeen uint64
}

func NewManager(cfg ManagerConfig, logger log.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		table:   NewTable(cfg.Table),
		pending: make(map[ipv4.Address]*pendingRequest),
		log:     logger.WithField("proto", "arp"),
	}
}

// Table exposes the cache for formatters and validation.
func (m *Manager) Table() *Table {
	return m.table
}

// Resolve maps ip to a MAC. A cache hit (including STALE) returns
// immediately. Otherwise the caller joins any outstanding request for that
// IP or starts a new one, and blocks until a matching reply arrives or the
// timeout expires. The second return is false on timeout — a soft outcome,
// not an error.
func (m *Manager) Resolve(ip ipv4.Address, timeout time.Duration) (ipv4.MACAddress, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.ResolveCtx(ctx, ip)
}

// ResolveCtx is Resolve under caller-controlled cancellation. The first
// resolver for an IP owns the pending request: its context ending fails
// the request for every waiter, the same way Resolve's timeout does. A
// joining waiter whose context ends first gives up alone; the shared
// request keeps waiting for its owner.
func (m *Manager) ResolveCtx(ctx context.Context, ip ipv4.Address) (ipv4.MACAddress, bool) {
	if entry, ok := m.table.Lookup(ip); ok && entry.State != StateIncomplete {
		return entry.MAC, true
	}

	m.mu.Lock()
	req, exists := m.pending[ip]
	if !exists {
		req = &pendingRequest{done: make(chan struct{})}
		m.pending[ip] = req
		m.table.AddIncomplete(ip, m.cfg.Interface)
		stop := context.AfterFunc(ctx, func() { m.expireRequest(ip) })
		req.cancel = func() { stop() }
		m.requestsSent++
		metrics.ARPPendingRequests.Inc()
		m.log.WithField("target", ip.String()).Debug("starting ARP resolution")
	}
	m.mu.Unlock()

	select {
	case <-req.done:
		return req.mac, req.ok
	case <-ctx.Done():
		return ipv4.MACAddress{}, false
	}
}

// expireRequest completes a pending request as failed when the owning
// caller's timeout or context ends it.
func (m *Manager) expireRequest(ip ipv4.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[ip]
	if !ok {
		return
	}
	delete(m.pending, ip)
	m.timeouts++
	metrics.ARPPendingRequests.Dec()
	metrics.DropsTotal.WithLabelValues("arp", "timeout").Inc()
	close(req.done)
	m.log.WithField("target", ip.String()).Debug("ARP resolution timed out")
}

// completeRequest satisfies a pending request with a learned mapping and
// cancels its expiry.
func (m *Manager) completeRequest(ip ipv4.Address, mac ipv4.MACAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.pending[ip]
	if !ok {
		return
	}
	delete(m.pending, ip)
	req.cancel()
	req.mac = mac
	req.ok = true
	metrics.ARPPendingRequests.Dec()
	close(req.done)
}

// ProcessPacket handles an inbound ARP packet. Snooping: every non-probe
// packet's sender mapping updates the cache whether or not it was
// solicited. A request for our IP returns the reply to transmit; otherwise
// the return is nil.
func (m *Manager) ProcessPacket(p *Packet) (*Packet, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	metrics.PacketsTotal.WithLabelValues("arp", "in").Inc()

	if p.IsProbe() {
		// Duplicate address detection: never cache the unspecified sender.
		m.mu.Lock()
		m.probesIgnored++
		m.mu.Unlock()
		if p.TargetIP == m.cfg.IP {
			// Someone is probing for our address; defend it.
			m.mu.Lock()
			m.repliesSent++
			m.mu.Unlock()
			return NewReply(m.cfg.MAC, m.cfg.IP, p.SenderMAC, p.SenderIP), nil
		}
		return nil, nil
	}

	if p.IsGratuitous() {
		m.mu.Lock()
		m.gratuitousSeen++
		m.mu.Unlock()
	}

	m.table.Learn(p.SenderIP, p.SenderMAC, m.cfg.Interface)
	m.mu.Lock()
	m.packetsSnooped++
	m.mu.Unlock()
	metrics.ARPCacheEntries.Set(float64(m.table.Len()))

	// A reply (or any snooped mapping) satisfies waiters for that IP.
	m.completeRequest(p.SenderIP, p.SenderMAC)

	if p.Operation == OpRequest && p.TargetIP == m.cfg.IP {
		m.mu.Lock()
		m.repliesSent++
		m.mu.Unlock()
		return NewReply(m.cfg.MAC, m.cfg.IP, p.SenderMAC, p.SenderIP), nil
	}
	return nil, nil
}

// AddStatic installs a PERMANENT entry.
func (m *Manager) AddStatic(ip ipv4.Address, mac ipv4.MACAddress) {
	m.table.AddStatic(ip, mac, m.cfg.Interface)
	metrics.ARPCacheEntries.Set(float64(m.table.Len()))
}

// Stats is a snapshot of manager counters.
type Stats struct {
	CacheEntries   int
	PendingQueries int
	RequestsSent   uint64
	RepliesSent    uint64
	PacketsSnooped uint64
	Timeouts       uint64
	ProbesIgnored  uint64
	GratuitousSeen uint64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		CacheEntries:   m.table.Len(),
		PendingQueries: len(m.pending),
		RequestsSent:   m.requestsSent,
		RepliesSent:    m.repliesSent,
		PacketsSnooped: m.packetsSnooped,
		Timeouts:       m.timeouts,
		ProbesIgnored:  m.probesIgnored,
		GratuitousSeen: m.gratuitousSeen,
	}
}

// Reset flushes dynamic entries and fails any outstanding resolutions.
func (m *Manager) Reset() {
	m.mu.Lock()
	for ip, req := range m.pending {
		req.cancel()
		close(req.done)
		delete(m.pending, ip)
		metrics.ARPPendingRequests.Dec()
	}
	m.requestsSent = 0
	m.repliesSent = 0
	m.packetsSnooped = 0
	m.timeouts = 0
	m.probesIgnored = 0
	m.gratuitousSeen = 0
	m.mu.Unlock()
	m.table.Flush()
	metrics.ARPCacheEntries.Set(float64(m.table.Len()))
}
