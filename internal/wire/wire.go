// Package wire bridges the simulated packet types to real wire formats
// using gopacket. It exists for interop checks and operator-facing dumps:
// the simulation itself runs on the native types.
package wire

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netsim/internal/stack/arp"
	"firestige.xyz/netsim/internal/stack/ipv4"
	"firestige.xyz/netsim/internal/stack/tcp"
	"firestige.xyz/netsim/internal/stack/udp"
)

func toNetIP(a ipv4.Address) net.IP {
	return net.IP{a[0], a[1], a[2], a[3]}
}

func toHardwareAddr(m ipv4.MACAddress) net.HardwareAddr {
	return net.HardwareAddr{m[0], m[1], m[2], m[3], m[4], m[5]}
}

// EncodeIPv4 serializes p with gopacket, recomputing lengths and
// checksums, so the output is byte-exact wire format. TCP and UDP
// payloads get full typed layers; anything else is carried as raw bytes.
func EncodeIPv4(p *ipv4.Packet) ([]byte, error) {
	ip := &layers.IPv4{
		Version:    4,
		IHL:        p.IHL,
		TOS:        p.DSCP<<2 | p.ECN,
		Id:         p.Identification,
		TTL:        p.TTL,
		Protocol:   layers.IPProtocol(p.Protocol),
		SrcIP:      toNetIP(p.Src),
		DstIP:      toNetIP(p.Dst),
		FragOffset: p.FragmentOffset,
	}
	if p.DontFragment {
		ip.Flags |= layers.IPv4DontFragment
	}
	if p.MoreFragments {
		ip.Flags |= layers.IPv4MoreFragments
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	switch pl := p.Payload.(type) {
	case *tcp.Segment:
		l := &layers.TCP{
			SrcPort: layers.TCPPort(pl.SrcPort),
			DstPort: layers.TCPPort(pl.DstPort),
			Seq:     pl.Seq,
			Ack:     pl.Ack,
			Window:  pl.Window,
			FIN:     pl.Flags&tcp.FlagFIN != 0,
			SYN:     pl.Flags&tcp.FlagSYN != 0,
			RST:     pl.Flags&tcp.FlagRST != 0,
			PSH:     pl.Flags&tcp.FlagPSH != 0,
			ACK:     pl.Flags&tcp.FlagACK != 0,
			URG:     pl.Flags&tcp.FlagURG != 0,
		}
		if err := l.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(buf, opts, ip, l, gopacket.Payload(pl.Data)); err != nil {
			return nil, err
		}
	case *udp.Datagram:
		l := &layers.UDP{
			SrcPort: layers.UDPPort(pl.SrcPort),
			DstPort: layers.UDPPort(pl.DstPort),
		}
		if err := l.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(buf, opts, ip, l, gopacket.Payload(pl.Data)); err != nil {
			return nil, err
		}
	default:
		if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(p.Payload.Marshal())); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// EncodeARP serializes an ARP packet inside an Ethernet frame. Requests go
// to the broadcast MAC.
func EncodeARP(p *arp.Packet) ([]byte, error) {
	dstMAC := p.TargetMAC
	if p.Operation == arp.OpRequest {
		dstMAC = ipv4.BroadcastMAC
	}
	eth := &layers.Ethernet{
		SrcMAC:       toHardwareAddr(p.SenderMAC),
		DstMAC:       toHardwareAddr(dstMAC),
		EthernetType: layers.EthernetTypeARP,
	}
	a := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         uint16(p.Operation),
		SourceHwAddress:   toHardwareAddr(p.SenderMAC),
		SourceProtAddress: toNetIP(p.SenderIP),
		DstHwAddress:      toHardwareAddr(p.TargetMAC),
		DstProtAddress:    toNetIP(p.TargetIP),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses raw IPv4 wire bytes back into the simulated packet type.
// The transport payload stays raw; callers dispatch on Protocol. Only a
// failure to parse the IPv4 layer itself is fatal — gopacket's chained
// transport and application decoders are free to fail on payloads that
// only look like their protocol (a short UDP header, junk on port 53).
func Decode(data []byte) (*ipv4.Packet, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	if pkt.Layer(layers.LayerTypeIPv4) == nil {
		if err := pkt.ErrorLayer(); err != nil {
			return nil, fmt.Errorf("decode: %v", err.Error())
		}
		return nil, fmt.Errorf("decode: no IPv4 layer in %d bytes", len(data))
	}
	return ipv4.Unmarshal(data)
}

// Summarize renders gopacket's layer-by-layer dump of raw IPv4 bytes.
func Summarize(data []byte) string {
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	return pkt.String()
}

// Hexdump formats bytes in the classic offset/hex/ASCII layout.
func Hexdump(data []byte) string {
	out := ""
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		row := data[off:end]
		hexPart := ""
		asciiPart := ""
		for i, b := range row {
			hexPart += fmt.Sprintf("%02x ", b)
			if i == 7 {
				hexPart += " "
			}
			if b >= 0x20 && b < 0x7f {
				asciiPart += string(rune(b))
			} else {
				asciiPart += "."
			}
		}
		out += fmt.Sprintf("%04x  %-49s %s\n", off, hexPart, asciiPart)
	}
	return out
}
