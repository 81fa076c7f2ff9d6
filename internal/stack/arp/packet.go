// Package arp implements the simulated ARP protocol: request/reply packets,
// the aging resolution table, and a manager that coalesces outstanding
// resolution requests and snoops traffic into the cache.
package arp

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

// Operation is the ARP opcode.
type Operation uint16

const (
	OpRequest Operation = 1
	OpReply   Operation = 2
)

func (o Operation) String() string {
	switch o {
	case OpRequest:
		return "request"
	case OpReply:
		return "reply"
	default:
		return fmt.Sprintf("op(%d)", uint16(o))
	}
}

// Hardware and protocol types supported by the simulation.
const (
	HardwareEthernet = 1
	ProtocolIPv4     = 0x0800
)

// Packet is an ARP request or reply.
type Packet struct {
	HardwareType uint16
	ProtocolType uint16
	HardwareSize uint8
	ProtocolSize uint8
	Operation    Operation
	SenderMAC    ipv4.MACAddress
	SenderIP     ipv4.Address
	TargetMAC    ipv4.MACAddress
	TargetIP     ipv4.Address
}

// NewRequest builds a who-has request. The target MAC is left zero.
func NewRequest(senderMAC ipv4.MACAddress, senderIP, targetIP ipv4.Address) *Packet {
	return &Packet{
		HardwareType: HardwareEthernet,
		ProtocolType: ProtocolIPv4,
		HardwareSize: 6,
		ProtocolSize: 4,
		Operation:    OpRequest,
		SenderMAC:    senderMAC,
		SenderIP:     senderIP,
		TargetIP:     targetIP,
	}
}

// NewReply builds an is-at reply.
func NewReply(senderMAC ipv4.MACAddress, senderIP ipv4.Address, targetMAC ipv4.MACAddress, targetIP ipv4.Address) *Packet {
	return &Packet{
		HardwareType: HardwareEthernet,
		ProtocolType: ProtocolIPv4,
		HardwareSize: 6,
		ProtocolSize: 4,
		Operation:    OpReply,
		SenderMAC:    senderMAC,
		SenderIP:     senderIP,
		TargetMAC:    targetMAC,
		TargetIP:     targetIP,
	}
}

// Validate checks hardware/protocol types and sizes.
func (p *Packet) Validate() error {
	if p.HardwareType != HardwareEthernet {
		return fmt.Errorf("unsupported ARP hardware type %d", p.HardwareType)
	}
	if p.ProtocolType != ProtocolIPv4 {
		return fmt.Errorf("unsupported ARP protocol type 0x%04x", p.ProtocolType)
	}
	if p.HardwareSize != 6 || p.ProtocolSize != 4 {
		return fmt.Errorf("bad ARP address sizes (hw %d, proto %d)", p.HardwareSize, p.ProtocolSize)
	}
	if p.Operation != OpRequest && p.Operation != OpReply {
		return fmt.Errorf("unknown ARP operation %d", p.Operation)
	}
	return nil
}

// IsGratuitous reports an unsolicited announcement: sender and target IP
// are the same.
func (p *Packet) IsGratuitous() bool {
	return p.SenderIP == p.TargetIP && !p.SenderIP.IsUnspecified()
}

// IsProbe reports a duplicate-address-detection probe: sender IP 0.0.0.0.
// Probes must never populate the cache.
func (p *Packet) IsProbe() bool {
	return p.SenderIP.IsUnspecified()
}

// Marshal renders the 28-byte wire layout.
func (p *Packet) Marshal() []byte {
	b := make([]byte, 28)
	binary.BigEndian.PutUint16(b[0:2], p.HardwareType)
	binary.BigEndian.PutUint16(b[2:4], p.ProtocolType)
	b[4] = p.HardwareSize
	b[5] = p.ProtocolSize
	binary.BigEndian.PutUint16(b[6:8], uint16(p.Operation))
	copy(b[8:14], p.SenderMAC[:])
	copy(b[14:18], p.SenderIP[:])
	copy(b[18:24], p.TargetMAC[:])
	copy(b[24:28], p.TargetIP[:])
	return b
}

// Format renders a one-line description for terminal display.
func (p *Packet) Format() string {
	switch {
	case p.IsProbe():
		return fmt.Sprintf("ARP probe, who has %s?", p.TargetIP)
	case p.IsGratuitous():
		return fmt.Sprintf("gratuitous ARP, %s is at %s", p.SenderIP, p.SenderMAC)
	case p.Operation == OpRequest:
		return fmt.Sprintf("ARP request, who has %s? tell %s", p.TargetIP, p.SenderIP)
	default:
		return fmt.Sprintf("ARP reply, %s is at %s", p.SenderIP, p.SenderMAC)
	}
}
