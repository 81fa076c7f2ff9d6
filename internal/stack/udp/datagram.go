// Package udp implements the simulated UDP layer: datagram construction
// with the zero-checksum wire rule, and socket binding with ephemeral port
// allocation and delivery fanout.
package udp

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

// HeaderLen is the fixed UDP header size.
const HeaderLen = 8

// MaxPayload bounds the datagram payload: 65535 minus the 8-byte header.
const MaxPayload = 65527

// Datagram is a simulated UDP datagram.
type Datagram struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
	Data     []byte
}

// NewDatagram builds a datagram; payloads over MaxPayload are a hard error.
func NewDatagram(srcPort, dstPort uint16, data []byte) (*Datagram, error) {
	if len(data) > MaxPayload {
		return nil, fmt.Errorf("UDP payload too large: %d bytes exceeds %d", len(data), MaxPayload)
	}
	return &Datagram{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(HeaderLen + len(data)),
		Data:    data,
	}, nil
}

// TransportLength is the datagram's size in bytes on the wire.
func (d *Datagram) TransportLength() int {
	return HeaderLen + len(d.Data)
}

// Marshal renders the wire layout.
func (d *Datagram) Marshal() []byte {
	b := make([]byte, HeaderLen+len(d.Data))
	binary.BigEndian.PutUint16(b[0:2], d.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], d.DstPort)
	binary.BigEndian.PutUint16(b[4:6], d.Length)
	binary.BigEndian.PutUint16(b[6:8], d.Checksum)
	copy(b[HeaderLen:], d.Data)
	return b
}

// ComputeChecksum follows the pseudo-header pattern with UDP's special
// rule: a calculated value of zero is reported as 0xFFFF, since zero on
// the wire means "checksum disabled".
func (d *Datagram) ComputeChecksum(src, dst ipv4.Address) uint16 {
	saved := d.Checksum
	d.Checksum = 0
	wire := d.Marshal()
	d.Checksum = saved
	sum := ipv4.PseudoHeaderChecksum(src, dst, ipv4.ProtocolUDP, uint16(len(wire)))
	sum = ipv4.ChecksumAdd(sum, wire)
	c := ipv4.ChecksumFinish(sum)
	if c == 0 {
		return 0xFFFF
	}
	return c
}

// SetChecksum computes and stores the checksum.
func (d *Datagram) SetChecksum(src, dst ipv4.Address) {
	d.Checksum = d.ComputeChecksum(src, dst)
}

// VerifyChecksum reports whether the stored checksum matches. A stored
// zero always verifies: the sender disabled checksumming.
func (d *Datagram) VerifyChecksum(src, dst ipv4.Address) bool {
	if d.Checksum == 0 {
		return true
	}
	return d.Checksum == d.ComputeChecksum(src, dst)
}

// Summary is a one-line description for packet formatters.
func (d *Datagram) Summary() string {
	return fmt.Sprintf("UDP %d > %d len %d", d.SrcPort, d.DstPort, len(d.Data))
}
