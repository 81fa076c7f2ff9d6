package ipsec

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"firestige.xyz/netsim/internal/log"
	"firestige.xyz/netsim/internal/metrics"
	"firestige.xyz/netsim/internal/stack/ipv4"
	"firestige.xyz/netsim/internal/stack/tcp"
	"firestige.xyz/netsim/internal/stack/udp"
)

// DefaultSALifetime expires SAs that configure no explicit lifetime.
const DefaultSALifetime = time.Hour

// DefaultIKELifetime bounds an IKE session.
const DefaultIKELifetime = 8 * time.Hour

type sadKey struct {
	spi uint32
	dir Direction
}

// Manager holds the SAD, the SPD and IKE sessions, and applies policy to
// outbound and inbound packets.
type Manager struct {
	mu       sync.Mutex
	sad      map[sadKey]*SAEntry
	spd      []*SPDEntry
	sessions map[string]*IKESession
	spis     *SPISource
	ids      *ipv4.IDSource
	seq      int
	now      func() time.Time
	log      log.Logger
}

func NewManager(ids *ipv4.IDSource, logger log.Logger) *Manager {
	return &Manager{
		sad:      make(map[sadKey]*SAEntry),
		sessions: make(map[string]*IKESession),
		spis:     NewSPISource(0),
		ids:      ids,
		now:      time.Now,
		log:      logger.WithField("proto", "ipsec"),
	}
}

// ─── SPD ───

// AddPolicy inserts a rule, keeping the SPD ordered by ascending priority
// value (lower value consulted first).
func (m *Manager) AddPolicy(e *SPDEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spd = append(m.spd, e)
	sort.SliceStable(m.spd, func(i, j int) bool { return m.spd[i].Priority < m.spd[j].Priority })
}

// RemovePolicy deletes the first rule with the given priority.
func (m *Manager) RemovePolicy(priority int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.spd {
		if e.Priority == priority {
			m.spd = append(m.spd[:i], m.spd[i+1:]...)
			return true
		}
	}
	return false
}

// LookupPolicy returns the first rule matching the traffic key, or nil.
func (m *Manager) LookupPolicy(src, dst ipv4.Address, protocol uint8, srcPort, dstPort uint16) *SPDEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupPolicyLocked(src, dst, protocol, srcPort, dstPort)
}

func (m *Manager) lookupPolicyLocked(src, dst ipv4.Address, protocol uint8, srcPort, dstPort uint16) *SPDEntry {
	for _, e := range m.spd {
		if e.Selector.Matches(src, dst, protocol, srcPort, dstPort) {
			return e
		}
	}
	return nil
}

// Policies returns the SPD in evaluation order.
func (m *Manager) Policies() []*SPDEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*SPDEntry(nil), m.spd...)
}

// ─── SAD ───

// SAParams configures CreateSA.
type SAParams struct {
	SPI           uint32 // zero allocates one
	Protocol      Protocol
	Direction     Direction
	LocalAddr     ipv4.Address
	PeerAddr      ipv4.Address
	EncryptionKey []byte
	AuthKey       []byte
	Lifetime      time.Duration
	IKESessionID  string
}

// CreateSA installs a Security Association in the SAD.
func (m *Manager) CreateSA(p SAParams) (*SAEntry, error) {
	if p.Protocol != ProtoESP && p.Protocol != ProtoAH {
		return nil, fmt.Errorf("unknown IPsec protocol %q", p.Protocol)
	}
	if p.Direction != DirInbound && p.Direction != DirOutbound {
		return nil, fmt.Errorf("unknown SA direction %q", p.Direction)
	}
	if p.Protocol == ProtoESP && len(p.EncryptionKey) == 0 {
		return nil, fmt.Errorf("ESP SA requires an encryption key")
	}
	if p.Protocol == ProtoAH && len(p.AuthKey) == 0 {
		return nil, fmt.Errorf("AH SA requires an auth key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	spi := p.SPI
	if spi == 0 {
		spi = m.spis.Next32()
	}
	key := sadKey{spi: spi, dir: p.Direction}
	if _, exists := m.sad[key]; exists {
		return nil, fmt.Errorf("SA 0x%08x (%s) already exists", spi, p.Direction)
	}
	lifetime := p.Lifetime
	if lifetime == 0 {
		lifetime = DefaultSALifetime
	}
	sa := &SAEntry{
		SPI:           spi,
		Protocol:      p.Protocol,
		Direction:     p.Direction,
		EncryptionKey: p.EncryptionKey,
		AuthKey:       p.AuthKey,
		LocalAddr:     p.LocalAddr,
		PeerAddr:      p.PeerAddr,
		Lifetime:      lifetime,
		Created:       m.now(),
		IKESessionID:  p.IKESessionID,
	}
	m.sad[key] = sa
	metrics.IPSecSAsActive.Set(float64(len(m.sad)))
	m.log.WithFields(map[string]interface{}{
		"spi": fmt.Sprintf("0x%08x", spi), "proto": string(p.Protocol), "dir": string(p.Direction),
	}).Debug("SA created")
	return sa, nil
}

// GetSA looks an SA up by SPI and direction.
func (m *Manager) GetSA(spi uint32, dir Direction) (*SAEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sa, ok := m.sad[sadKey{spi: spi, dir: dir}]
	return sa, ok
}

// GetAllSAs returns the SAD sorted by SPI.
func (m *Manager) GetAllSAs() []*SAEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SAEntry, 0, len(m.sad))
	for _, sa := range m.sad {
		out = append(out, sa)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SPI != out[j].SPI {
			return out[i].SPI < out[j].SPI
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

// RemoveSA deletes an SA.
func (m *Manager) RemoveSA(spi uint32, dir Direction) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sadKey{spi: spi, dir: dir}
	if _, ok := m.sad[key]; !ok {
		return false
	}
	delete(m.sad, key)
	metrics.IPSecSAsActive.Set(float64(len(m.sad)))
	return true
}

// ExpireOldSAs sweeps lifetime-expired SAs out of the SAD and returns the
// number removed.
func (m *Manager) ExpireOldSAs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for key, sa := range m.sad {
		if sa.Expired(now) {
			delete(m.sad, key)
			n++
			m.log.WithField("spi", fmt.Sprintf("0x%08x", sa.SPI)).Debug("SA lifetime expired")
		}
	}
	if n > 0 {
		metrics.IPSecSAsActive.Set(float64(len(m.sad)))
	}
	return n
}

// findOutboundSALocked picks an outbound SA toward peer for the given
// encapsulation, requiring its IKE session (when referenced) to be
// established.
func (m *Manager) findOutboundSALocked(peer ipv4.Address, proto Protocol) *SAEntry {
	now := m.now()
	for key, sa := range m.sad {
		if key.dir != DirOutbound || sa.Protocol != proto || sa.PeerAddr != peer {
			continue
		}
		if sa.Expired(now) {
			continue
		}
		if sa.IKESessionID != "" {
			sess, ok := m.sessions[sa.IKESessionID]
			if !ok || !sess.Established() {
				continue
			}
		}
		return sa
	}
	return nil
}

// ─── IKE ───

// CreateIKESession starts a negotiation attempt in IDLE.
func (m *Manager) CreateIKESession(local, peer ipv4.Address) *IKESession {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	s := &IKESession{
		ID:        fmt.Sprintf("ike-%d", m.seq),
		Phase:     PhaseIdle,
		LocalAddr: local.String(),
		PeerAddr:  peer.String(),
		Created:   m.now(),
		Expires:   m.now().Add(DefaultIKELifetime),
	}
	m.sessions[s.ID] = s
	return s
}

// IKESession returns the session for id.
func (m *Manager) IKESession(id string) (*IKESession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IKESessions returns all sessions sorted by ID.
func (m *Manager) IKESessions() []*IKESession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*IKESession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InitiatePhase1 moves IDLE → PHASE1_INITIATED, generating our cookie,
// nonce and DH value.
func (m *Manager) InitiatePhase1(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("no such IKE session %q", id)
	}
	if s.Phase != PhaseIdle {
		return fmt.Errorf("cannot initiate phase 1 from %s", s.Phase)
	}
	s.InitiatorSPI = m.spis.Next64()
	s.NonceI = m.spis.Nonce()
	s.DHPublic = m.spis.Nonce()
	s.Phase = Phase1Initiated
	return nil
}

// RespondPhase1 is the responder-side open: the peer's cookie, nonce and
// DH value arrive first, ours are generated in reply and the SKEYID chain
// is derived immediately. IDLE → PHASE1_RESPONDING; the initiator's
// confirmation via CompletePhase1 then seals the phase.
func (m *Manager) RespondPhase1(id string, peerSPI uint64, peerNonce, peerDH []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("no such IKE session %q", id)
	}
	if s.Phase != PhaseIdle {
		return fmt.Errorf("cannot respond to phase 1 from %s", s.Phase)
	}
	if peerSPI == 0 || len(peerNonce) == 0 || len(peerDH) == 0 {
		s.Phase = PhaseFailed
		return fmt.Errorf("phase 1 failed: missing peer material")
	}
	s.InitiatorSPI = peerSPI
	s.ResponderSPI = m.spis.Next64()
	s.NonceI = peerNonce
	s.NonceR = m.spis.Nonce()
	s.DHPublic = m.spis.Nonce()
	s.DHShared = keyedDigest(s.DHPublic, peerDH)
	s.deriveKeys()
	s.Phase = Phase1Responding
	return nil
}

// CompletePhase1 moves to PHASE1_COMPLETE. On the initiating side it
// consumes the peer's cookie, nonce and DH value and derives the SKEYID
// chain; on the responding side the material was captured by RespondPhase1
// and this call records the initiator's confirmation.
func (m *Manager) CompletePhase1(id string, peerSPI uint64, peerNonce, peerDH []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("no such IKE session %q", id)
	}
	switch s.Phase {
	case Phase1Initiated:
		if peerSPI == 0 || len(peerNonce) == 0 || len(peerDH) == 0 {
			s.Phase = PhaseFailed
			return fmt.Errorf("phase 1 failed: missing peer material")
		}
		s.ResponderSPI = peerSPI
		s.NonceR = peerNonce
		// Placeholder shared secret: mix of both DH values.
		s.DHShared = keyedDigest(s.DHPublic, peerDH)
		s.deriveKeys()
	case Phase1Responding:
		// Keys already derived from the material RespondPhase1 captured.
	default:
		return fmt.Errorf("cannot complete phase 1 from %s", s.Phase)
	}
	s.Phase = Phase1Complete
	return nil
}

// InitiatePhase2 moves PHASE1_COMPLETE → PHASE2_INITIATED.
func (m *Manager) InitiatePhase2(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("no such IKE session %q", id)
	}
	if s.Phase != Phase1Complete {
		return fmt.Errorf("cannot initiate phase 2 from %s", s.Phase)
	}
	s.Phase = Phase2Initiated
	return nil
}

// RespondPhase2 records that the peer opened quick mode:
// PHASE1_COMPLETE → PHASE2_RESPONDING. CompletePhase2 installs the child
// SA pair from either side of the exchange.
func (m *Manager) RespondPhase2(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("no such IKE session %q", id)
	}
	if s.Phase != Phase1Complete {
		return fmt.Errorf("cannot respond to phase 2 from %s", s.Phase)
	}
	s.Phase = Phase2Responding
	return nil
}

// CompletePhase2 finishes the quick-mode exchange: a pair of child SAs
// (one per direction) is installed with keys chained from SKEYID_d and
// the session becomes ESTABLISHED.
func (m *Manager) CompletePhase2(id string, proto Protocol, local, peer ipv4.Address, lifetime time.Duration) (outbound, inbound *SAEntry, err error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("no such IKE session %q", id)
	}
	if s.Phase != Phase2Initiated && s.Phase != Phase2Responding {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("cannot complete phase 2 from %s", s.Phase)
	}
	outSPI := m.spis.Next32()
	inSPI := m.spis.Next32()
	s.Phase = Phase2Complete
	m.mu.Unlock()

	outEnc, outAuth := s.childKeys(outSPI)
	inEnc, inAuth := s.childKeys(inSPI)
	outbound, err = m.CreateSA(SAParams{
		SPI: outSPI, Protocol: proto, Direction: DirOutbound,
		LocalAddr: local, PeerAddr: peer,
		EncryptionKey: outEnc, AuthKey: outAuth,
		Lifetime: lifetime, IKESessionID: id,
	})
	if err != nil {
		return nil, nil, err
	}
	inbound, err = m.CreateSA(SAParams{
		SPI: inSPI, Protocol: proto, Direction: DirInbound,
		LocalAddr: local, PeerAddr: peer,
		EncryptionKey: inEnc, AuthKey: inAuth,
		Lifetime: lifetime, IKESessionID: id,
	})
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	s.ChildSPIs = append(s.ChildSPIs, outSPI, inSPI)
	s.Phase = PhaseEstablished
	m.mu.Unlock()
	return outbound, inbound, nil
}

// CloseIKESession closes the session and removes its child SAs.
func (m *Manager) CloseIKESession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("no such IKE session %q", id)
	}
	s.Phase = PhaseClosed
	for _, spi := range s.ChildSPIs {
		delete(m.sad, sadKey{spi: spi, dir: DirOutbound})
		delete(m.sad, sadKey{spi: spi, dir: DirInbound})
	}
	s.ChildSPIs = nil
	metrics.IPSecSAsActive.Set(float64(len(m.sad)))
	return nil
}

// ─── Packet processing ───

// trafficKey extracts the 5-tuple-like selector key from a packet.
func trafficKey(p *ipv4.Packet) (protocol uint8, srcPort, dstPort uint16) {
	protocol = p.Protocol
	switch pl := p.Payload.(type) {
	case *tcp.Segment:
		srcPort, dstPort = pl.SrcPort, pl.DstPort
	case *udp.Datagram:
		srcPort, dstPort = pl.SrcPort, pl.DstPort
	}
	return protocol, srcPort, dstPort
}

// ProcessOutbound applies SPD policy to an outbound packet. bypass passes
// the packet through unchanged; discard drops it (nil); protect
// encapsulates under the matching established outbound SA — with no such
// SA the result is also nil, signaling "negotiate first". A missing policy
// defaults to bypass.
func (m *Manager) ProcessOutbound(p *ipv4.Packet) *ipv4.Packet {
	protocol, srcPort, dstPort := trafficKey(p)

	m.mu.Lock()
	policy := m.lookupPolicyLocked(p.Src, p.Dst, protocol, srcPort, dstPort)
	if policy == nil || policy.Action == ActionBypass {
		m.mu.Unlock()
		return p
	}
	if policy.Action == ActionDiscard {
		m.mu.Unlock()
		metrics.DropsTotal.WithLabelValues("ipsec", "policy_discard").Inc()
		return nil
	}
	sa := m.findOutboundSALocked(p.Dst, policy.Protocol)
	m.mu.Unlock()

	if sa == nil {
		metrics.DropsTotal.WithLabelValues("ipsec", "no_sa").Inc()
		m.log.WithField("dst", p.Dst.String()).Debug("protect policy with no established SA")
		return nil
	}

	var payload ipv4.Payload
	var err error
	switch sa.Protocol {
	case ProtoESP:
		payload, err = espEncapsulate(sa, p)
	case ProtoAH:
		payload, err = ahBuild(sa, p)
	}
	if err != nil {
		m.log.WithError(err).Warn("encapsulation failed")
		return nil
	}

	outerProto := uint8(ipv4.ProtocolESP)
	if sa.Protocol == ProtoAH {
		outerProto = ipv4.ProtocolAH
	}
	outer, err := ipv4.NewPacket(sa.LocalAddr, sa.PeerAddr, outerProto, payload, m.ids.Next())
	if err != nil {
		m.log.WithError(err).Warn("outer packet build failed")
		return nil
	}
	// Tunnel packets must not be fragmented mid-path.
	outer.DontFragment = true
	outer.Checksum = outer.HeaderChecksum()

	sa.PacketsProtected++
	metrics.IPSecProtectedTotal.WithLabelValues(string(sa.Protocol), "out").Inc()
	return outer
}

// ProcessInbound dispatches an ESP/AH packet to its SA by SPI and returns
// the decapsulated inner packet. Unknown SPI, authentication failure and
// replay all yield nil: the packet is dropped.
func (m *Manager) ProcessInbound(p *ipv4.Packet) *ipv4.Packet {
	var spi uint32
	switch pl := p.Payload.(type) {
	case *ESPPacket:
		spi = pl.SPI
	case *AHPacket:
		spi = pl.SPI
	default:
		metrics.DropsTotal.WithLabelValues("ipsec", "not_ipsec").Inc()
		return nil
	}

	sa, ok := m.GetSA(spi, DirInbound)
	if !ok {
		metrics.DropsTotal.WithLabelValues("ipsec", "unknown_spi").Inc()
		m.log.WithField("spi", fmt.Sprintf("0x%08x", spi)).Debug("no inbound SA for SPI")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var inner *ipv4.Packet
	switch pl := p.Payload.(type) {
	case *ESPPacket:
		inner = espDecapsulate(sa, pl)
	case *AHPacket:
		inner = ahVerify(sa, pl)
	}
	if inner == nil {
		metrics.DropsTotal.WithLabelValues("ipsec", "auth_failure").Inc()
		return nil
	}
	metrics.IPSecProtectedTotal.WithLabelValues(string(sa.Protocol), "in").Inc()
	return inner
}

// ─── Formatters ───

// FormatSA renders a "show crypto ipsec sa" style listing.
func (m *Manager) FormatSA() string {
	sas := m.GetAllSAs()
	var b strings.Builder
	if len(sas) == 0 {
		b.WriteString("No security associations\n")
		return b.String()
	}
	for _, sa := range sas {
		m.mu.Lock()
		fmt.Fprintf(&b, "%s sa: spi=0x%08X (%d)\n", strings.ToLower(string(sa.Protocol)), sa.SPI, sa.SPI)
		fmt.Fprintf(&b, "   direction: %s, peer: %s\n", sa.Direction, sa.PeerAddr)
		fmt.Fprintf(&b, "   in use settings = {Tunnel}\n")
		fmt.Fprintf(&b, "   #pkts protect: %d, #pkts verify: %d\n", sa.PacketsProtected, sa.PacketsVerified)
		fmt.Fprintf(&b, "   #auth failures: %d, #replay drops: %d\n", sa.AuthFailures, sa.ReplayDrops)
		remaining := sa.Lifetime - m.now().Sub(sa.Created)
		if remaining < 0 {
			remaining = 0
		}
		fmt.Fprintf(&b, "   sa timing: remaining key lifetime: %s\n", remaining.Round(time.Second))
		m.mu.Unlock()
	}
	return b.String()
}

// FormatSPD renders the policy database in evaluation order.
func (m *Manager) FormatSPD() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "%-9s %-40s %-9s %s\n", "Priority", "Selector", "Action", "Protocol")
	for _, e := range m.spd {
		fmt.Fprintf(&b, "%-9d %-40s %-9s %s\n", e.Priority, e.Selector, e.Action, e.Protocol)
	}
	return b.String()
}

// FormatIKE renders IKE session state.
func (m *Manager) FormatIKE() string {
	sessions := m.IKESessions()
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-18s %-18s %-20s %s\n", "Session", "Local", "Peer", "Phase", "Child SAs")
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		fmt.Fprintf(&b, "%-10s %-18s %-18s %-20s %d\n", s.ID, s.LocalAddr, s.PeerAddr, s.Phase, len(s.ChildSPIs))
	}
	return b.String()
}

// Reset clears the SAD, SPD and IKE sessions.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sad = make(map[sadKey]*SAEntry)
	m.spd = nil
	m.sessions = make(map[string]*IKESession)
	metrics.IPSecSAsActive.Set(0)
}
