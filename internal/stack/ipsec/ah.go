package ipsec

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

// AHPacket is an Authentication Header packet in tunnel mode: the AH
// header followed by the unencrypted inner packet, with an ICV computed
// over both (mutable outer-header fields excluded by construction, since
// only AH fields and the inner bytes are covered).
type AHPacket struct {
	NextHeader uint8
	PayloadLen uint8
	SPI        uint32
	Seq        uint32
	ICV        []byte
	Inner      []byte
}

// ahFixedLen is next-header, payload-len, reserved, SPI and sequence.
const ahFixedLen = 12

// TransportLength is the packet's size in bytes on the wire.
func (a *AHPacket) TransportLength() int {
	return ahFixedLen + len(a.ICV) + len(a.Inner)
}

// Marshal renders the AH header, ICV and inner packet bytes.
func (a *AHPacket) Marshal() []byte {
	b := make([]byte, ahFixedLen, a.TransportLength())
	b[0] = a.NextHeader
	b[1] = a.PayloadLen
	// b[2:4] reserved
	binary.BigEndian.PutUint32(b[4:8], a.SPI)
	binary.BigEndian.PutUint32(b[8:12], a.Seq)
	b = append(b, a.ICV...)
	b = append(b, a.Inner...)
	return b
}

// Summary is a one-line description for packet formatters.
func (a *AHPacket) Summary() string {
	return fmt.Sprintf("AH spi 0x%08x seq %d len %d", a.SPI, a.Seq, len(a.Inner))
}

// icvInput is the authenticated region: the AH header with the ICV field
// zeroed, followed by the inner packet.
func (a *AHPacket) icvInput() []byte {
	b := make([]byte, ahFixedLen, ahFixedLen+ICVLen+len(a.Inner))
	b[0] = a.NextHeader
	b[1] = a.PayloadLen
	binary.BigEndian.PutUint32(b[4:8], a.SPI)
	binary.BigEndian.PutUint32(b[8:12], a.Seq)
	b = append(b, make([]byte, ICVLen)...) // ICV zeroed for computation
	b = append(b, a.Inner...)
	return b
}

// ahBuild wraps inner under sa. AH requires an auth key; there is no
// encryption.
func ahBuild(sa *SAEntry, inner *ipv4.Packet) (*AHPacket, error) {
	if len(sa.AuthKey) == 0 {
		return nil, fmt.Errorf("SA 0x%08x has no auth key", sa.SPI)
	}
	ah := &AHPacket{
		NextHeader: nextHeaderIPv4,
		PayloadLen: uint8((ahFixedLen+ICVLen)/4 - 2),
		SPI:        sa.SPI,
		Seq:        sa.nextSeq(),
		Inner:      inner.Marshal(),
	}
	ah.ICV = keyedDigest(sa.AuthKey, ah.icvInput())
	return ah, nil
}

// ahVerify authenticates ah and returns the inner packet, or nil on
// authentication failure or replay.
func ahVerify(sa *SAEntry, ah *AHPacket) *ipv4.Packet {
	want := keyedDigest(sa.AuthKey, ah.icvInput())
	if !digestsEqual(want, ah.ICV) {
		sa.AuthFailures++
		return nil
	}
	if !sa.replayCheck(ah.Seq) {
		return nil
	}
	inner, err := ipv4.Unmarshal(ah.Inner)
	if err != nil {
		return nil
	}
	sa.PacketsVerified++
	return inner
}
