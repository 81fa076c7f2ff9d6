// Package tcp implements the simulated TCP layer: segment construction
// with options, pseudo-header checksums, and a per-connection RFC 793
// state machine driven through the connection manager.
package tcp

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

// HeaderLen is the segment header length without options.
const HeaderLen = 20

// Control flags.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// DefaultWindow is the advertised receive window for new segments.
const DefaultWindow = 65535

// DefaultMSS is the maximum segment size advertised on SYN.
const DefaultMSS = 1460

// Segment is a simulated TCP segment. Sequence and acknowledgment numbers
// wrap modulo 2^32.
type Segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    uint8
	Window   uint16
	Checksum uint16
	Urgent   uint16
	Options  []Option
	Data     []byte
}

// NewSegment builds a bare segment with the default window.
func NewSegment(srcPort, dstPort uint16, seq, ack uint32, flags uint8) *Segment {
	return &Segment{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  DefaultWindow,
	}
}

// NewSYN builds the opening segment of an active open, advertising MSS,
// window scale and SACK support.
func NewSYN(srcPort, dstPort uint16, iss uint32) *Segment {
	s := NewSegment(srcPort, dstPort, iss, 0, FlagSYN)
	s.Options = []Option{
		MSSOption{MSS: DefaultMSS},
		WindowScaleOption{Shift: 0},
		SACKPermittedOption{},
	}
	return s
}

// NewSYNACK answers a SYN during passive open.
func NewSYNACK(srcPort, dstPort uint16, iss, ack uint32) *Segment {
	s := NewSegment(srcPort, dstPort, iss, ack, FlagSYN|FlagACK)
	s.Options = []Option{
		MSSOption{MSS: DefaultMSS},
		SACKPermittedOption{},
	}
	return s
}

// NewACK builds a bare acknowledgment.
func NewACK(srcPort, dstPort uint16, seq, ack uint32) *Segment {
	return NewSegment(srcPort, dstPort, seq, ack, FlagACK)
}

// NewFIN builds a connection-termination segment (FIN+ACK).
func NewFIN(srcPort, dstPort uint16, seq, ack uint32) *Segment {
	return NewSegment(srcPort, dstPort, seq, ack, FlagFIN|FlagACK)
}

// NewRST builds an abort segment.
func NewRST(srcPort, dstPort uint16, seq uint32) *Segment {
	s := NewSegment(srcPort, dstPort, seq, 0, FlagRST)
	s.Window = 0
	return s
}

// NewDataSegment builds a data-bearing segment (PSH+ACK).
func NewDataSegment(srcPort, dstPort uint16, seq, ack uint32, data []byte) *Segment {
	s := NewSegment(srcPort, dstPort, seq, ack, FlagPSH|FlagACK)
	s.Data = data
	return s
}

// DataOffset is the header length in 32-bit words, options included.
func (s *Segment) DataOffset() uint8 {
	return uint8((HeaderLen + len(MarshalOptions(s.Options))) / 4)
}

// TransportLength is the segment's size in bytes on the wire.
func (s *Segment) TransportLength() int {
	return HeaderLen + len(MarshalOptions(s.Options)) + len(s.Data)
}

// Marshal renders the wire layout: header, padded options, data.
func (s *Segment) Marshal() []byte {
	opts := MarshalOptions(s.Options)
	b := make([]byte, HeaderLen+len(opts)+len(s.Data))
	binary.BigEndian.PutUint16(b[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], s.DstPort)
	binary.BigEndian.PutUint32(b[4:8], s.Seq)
	binary.BigEndian.PutUint32(b[8:12], s.Ack)
	b[12] = s.DataOffset() << 4
	b[13] = s.Flags
	binary.BigEndian.PutUint16(b[14:16], s.Window)
	binary.BigEndian.PutUint16(b[16:18], s.Checksum)
	binary.BigEndian.PutUint16(b[18:20], s.Urgent)
	copy(b[HeaderLen:], opts)
	copy(b[HeaderLen+len(opts):], s.Data)
	return b
}

// ComputeChecksum calculates the transport checksum over the pseudo-header,
// header (checksum field zeroed) and data.
func (s *Segment) ComputeChecksum(src, dst ipv4.Address) uint16 {
	saved := s.Checksum
	s.Checksum = 0
	wire := s.Marshal()
	s.Checksum = saved
	sum := ipv4.PseudoHeaderChecksum(src, dst, ipv4.ProtocolTCP, uint16(len(wire)))
	sum = ipv4.ChecksumAdd(sum, wire)
	return ipv4.ChecksumFinish(sum)
}

// SetChecksum computes and stores the checksum.
func (s *Segment) SetChecksum(src, dst ipv4.Address) {
	s.Checksum = s.ComputeChecksum(src, dst)
}

// VerifyChecksum reports whether the stored checksum matches. Zero means
// "not computed" and verifies true.
func (s *Segment) VerifyChecksum(src, dst ipv4.Address) bool {
	if s.Checksum == 0 {
		return true
	}
	return s.Checksum == s.ComputeChecksum(src, dst)
}

// FlagString renders set flags like "SYN|ACK".
func (s *Segment) FlagString() string {
	names := []struct {
		bit  uint8
		name string
	}{
		{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"},
		{FlagRST, "RST"}, {FlagPSH, "PSH"}, {FlagURG, "URG"},
	}
	var parts []string
	for _, n := range names {
		if s.Flags&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Summary is a one-line description for packet formatters.
func (s *Segment) Summary() string {
	return fmt.Sprintf("TCP %d > %d [%s] seq %d ack %d win %d len %d",
		s.SrcPort, s.DstPort, s.FlagString(), s.Seq, s.Ack, s.Window, len(s.Data))
}

// ISNSource issues initial sequence numbers. A monotonically advancing
// counter is mixed with the clock so connections created in the same tick
// do not collide. Owned by the manager instance; tests inject the clock.
type ISNSource struct {
	mu      sync.Mutex
	counter uint32
	now     func() time.Time
}

func NewISNSource(seed uint32) *ISNSource {
	return &ISNSource{counter: seed, now: time.Now}
}

// Next returns the next initial sequence number.
func (s *ISNSource) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter += 64009 // prime stride keeps successive ISNs far apart
	return s.counter + uint32(s.now().UnixNano()>>12)
}
