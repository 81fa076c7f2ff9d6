// Package ipv4 implements the simulated IPv4 layer: address arithmetic,
// the packet envelope, header checksums, TTL handling and fragmentation.
// Packets are typed in-memory objects; Marshal renders the on-the-wire
// header layout when byte form is needed (fragmentation, IPsec, hexdumps).
package ipv4

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Protocol numbers carried in the IPv4 header.
const (
	ProtocolICMP = 1
	ProtocolTCP  = 6
	ProtocolUDP  = 17
	ProtocolESP  = 50
	ProtocolAH   = 51
)

const (
	// HeaderLen is the length of a header without options. The simulation
	// does not model IP options, so IHL is always 5.
	HeaderLen = 20

	// MaxPacketLen bounds TotalLength.
	MaxPacketLen = 65535

	// DefaultTTL is the initial hop count for locally originated packets.
	DefaultTTL = 64
)

// Payload is a transport PDU carried inside a Packet: a TCP segment, UDP
// datagram, ICMP message, ESP or AH packet, or raw bytes.
type Payload interface {
	// TransportLength is the payload's size in bytes on the wire.
	TransportLength() int
	// Summary is a one-line description for packet formatters.
	Summary() string
	// Marshal renders the payload's wire layout.
	Marshal() []byte
}

// RawPayload is an opaque byte payload, used for fragments and for inner
// packets recovered from IPsec decapsulation.
type RawPayload []byte

func (r RawPayload) TransportLength() int { return len(r) }
func (r RawPayload) Marshal() []byte      { return []byte(r) }
func (r RawPayload) Summary() string      { return fmt.Sprintf("raw (%d bytes)", len(r)) }

// Packet is the simulated IPv4 packet envelope. TotalLength is always
// HeaderLen plus the payload's transport length.
type Packet struct {
	Version        uint8
	IHL            uint8
	DSCP           uint8
	ECN            uint8
	TotalLength    uint16
	Identification uint16
	DontFragment   bool
	MoreFragments  bool
	FragmentOffset uint16 // in 8-byte units
	TTL            uint8
	Protocol       uint8
	Checksum       uint16
	Src            Address
	Dst            Address
	Payload        Payload
}

// IDSource issues IPv4 identification values. The counter is mixed with the
// wall clock so rapid successive packets do not collide; it is owned by the
// stack instance rather than being process-global so tests can seed it.
type IDSource struct {
	mu      sync.Mutex
	counter uint32
	now     func() time.Time
}

// NewIDSource creates a generator seeded from seed.
func NewIDSource(seed uint32) *IDSource {
	return &IDSource{counter: seed, now: time.Now}
}

// Next returns the next identification value.
func (s *IDSource) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return uint16(s.counter) ^ uint16(s.now().UnixNano()>>10)
}

// NewPacket builds a packet around payload, deriving TotalLength from the
// payload's transport length and computing the header checksum.
func NewPacket(src, dst Address, protocol uint8, payload Payload, id uint16) (*Packet, error) {
	length := HeaderLen + payload.TransportLength()
	if length > MaxPacketLen {
		return nil, fmt.Errorf("packet too large: %d bytes exceeds %d", length, MaxPacketLen)
	}
	p := &Packet{
		Version:        4,
		IHL:            5,
		TotalLength:    uint16(length),
		Identification: id,
		TTL:            DefaultTTL,
		Protocol:       protocol,
		Src:            src,
		Dst:            dst,
		Payload:        payload,
	}
	p.Checksum = p.HeaderChecksum()
	return p, nil
}

// headerBytes renders the 20-byte header with the checksum field zeroed.
func (p *Packet) headerBytes() [HeaderLen]byte {
	var b [HeaderLen]byte
	b[0] = p.Version<<4 | p.IHL
	b[1] = p.DSCP<<2 | p.ECN
	binary.BigEndian.PutUint16(b[2:4], p.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], p.Identification)
	frag := p.FragmentOffset & 0x1fff
	if p.DontFragment {
		frag |= 0x4000
	}
	if p.MoreFragments {
		frag |= 0x2000
	}
	binary.BigEndian.PutUint16(b[6:8], frag)
	b[8] = p.TTL
	b[9] = p.Protocol
	// b[10:12] checksum left zero
	copy(b[12:16], p.Src[:])
	copy(b[16:20], p.Dst[:])
	return b
}

// HeaderChecksum computes the 16-bit one's-complement checksum over the
// header with the checksum field zeroed.
func (p *Packet) HeaderChecksum() uint16 {
	b := p.headerBytes()
	return Checksum(b[:])
}

// VerifyChecksum reports whether the stored checksum matches the header.
// A stored checksum of 0 means "not computed" and verifies true.
func (p *Packet) VerifyChecksum() bool {
	if p.Checksum == 0 {
		return true
	}
	return p.Checksum == p.HeaderChecksum()
}

// DecrementTTL drops the TTL by one and recomputes the checksum. It reports
// whether the packet has expired; an expired packet should trigger an ICMP
// Time Exceeded from the caller.
func (p *Packet) DecrementTTL() bool {
	if p.TTL > 0 {
		p.TTL--
	}
	p.Checksum = p.HeaderChecksum()
	return p.TTL == 0
}

// Marshal renders header plus payload wire bytes.
func (p *Packet) Marshal() []byte {
	h := p.headerBytes()
	binary.BigEndian.PutUint16(h[10:12], p.Checksum)
	out := make([]byte, 0, int(p.TotalLength))
	out = append(out, h[:]...)
	if p.Payload != nil {
		out = append(out, p.Payload.Marshal()...)
	}
	return out
}

// Unmarshal parses header bytes back into a packet with a RawPayload.
// Transport typing is the caller's concern.
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("short IPv4 packet: %d bytes", len(data))
	}
	ihl := data[0] & 0x0f
	if data[0]>>4 != 4 || ihl < 5 {
		return nil, fmt.Errorf("not an IPv4 header (version %d, ihl %d)", data[0]>>4, ihl)
	}
	frag := binary.BigEndian.Uint16(data[6:8])
	p := &Packet{
		Version:        4,
		IHL:            ihl,
		DSCP:           data[1] >> 2,
		ECN:            data[1] & 0x03,
		TotalLength:    binary.BigEndian.Uint16(data[2:4]),
		Identification: binary.BigEndian.Uint16(data[4:6]),
		DontFragment:   frag&0x4000 != 0,
		MoreFragments:  frag&0x2000 != 0,
		FragmentOffset: frag & 0x1fff,
		TTL:            data[8],
		Protocol:       data[9],
		Checksum:       binary.BigEndian.Uint16(data[10:12]),
	}
	copy(p.Src[:], data[12:16])
	copy(p.Dst[:], data[16:20])
	hdr := int(ihl) * 4
	if len(data) > hdr {
		p.Payload = RawPayload(append([]byte(nil), data[hdr:]...))
	} else {
		p.Payload = RawPayload(nil)
	}
	return p, nil
}

// Format renders a one-line description for terminal display.
func (p *Packet) Format() string {
	flags := ""
	if p.DontFragment {
		flags += " DF"
	}
	if p.MoreFragments {
		flags += " MF"
	}
	summary := ""
	if p.Payload != nil {
		summary = ", " + p.Payload.Summary()
	}
	return fmt.Sprintf("IP %s > %s: proto %d, ttl %d, id 0x%04x, len %d%s%s",
		p.Src, p.Dst, p.Protocol, p.TTL, p.Identification, p.TotalLength, flags, summary)
}

// Checksum computes the 16-bit one's-complement sum over data, folding
// carries and complementing the result.
func Checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + sum>>16
	}
	return ^uint16(sum)
}

// PseudoHeaderChecksum starts a transport checksum with the TCP/UDP
// pseudo-header: source, destination, zero+protocol, transport length.
// The returned value is an unfolded partial sum to continue with ChecksumAdd.
func PseudoHeaderChecksum(src, dst Address, protocol uint8, length uint16) uint32 {
	var sum uint32
	sum += uint32(src[0])<<8 | uint32(src[1])
	sum += uint32(src[2])<<8 | uint32(src[3])
	sum += uint32(dst[0])<<8 | uint32(dst[1])
	sum += uint32(dst[2])<<8 | uint32(dst[3])
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

// ChecksumAdd folds data into a running partial sum.
func ChecksumAdd(sum uint32, data []byte) uint32 {
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

// ChecksumFinish folds carries and complements a partial sum.
func ChecksumFinish(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + sum>>16
	}
	return ^uint16(sum)
}
