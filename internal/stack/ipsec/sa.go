package ipsec

import (
	"fmt"
	"time"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

// Protocol selects the IPsec encapsulation.
type Protocol string

const (
	ProtoESP Protocol = "esp"
	ProtoAH  Protocol = "ah"
)

// Direction is the traffic direction an SA protects.
type Direction string

const (
	DirOutbound Direction = "outbound"
	DirInbound  Direction = "inbound"
)

// replayWindowSize is the sliding anti-replay window width.
const replayWindowSize = 64

// SAEntry is one Security Association: keys and sequence state for one
// direction of protected traffic, keyed in the SAD by SPI+direction.
type SAEntry struct {
	SPI       uint32
	Protocol  Protocol
	Direction Direction

	EncryptionKey []byte
	AuthKey       []byte

	// Seq is the last sequence number sent (outbound).
	Seq uint32
	// HighestSeq and replayMask implement the inbound anti-replay window.
	HighestSeq uint32
	replayMask uint64

	LocalAddr ipv4.Address
	PeerAddr  ipv4.Address

	Lifetime time.Duration
	Created  time.Time

	IKESessionID string

	PacketsProtected uint64
	PacketsVerified  uint64
	AuthFailures     uint64
	ReplayDrops      uint64
}

// nextSeq advances the outbound sequence number.
func (sa *SAEntry) nextSeq() uint32 {
	sa.Seq++
	return sa.Seq
}

// replayCheck slides the anti-replay window over seq, rejecting duplicates
// and anything older than the window.
func (sa *SAEntry) replayCheck(seq uint32) bool {
	switch {
	case seq == 0:
		sa.ReplayDrops++
		return false
	case seq > sa.HighestSeq:
		shift := seq - sa.HighestSeq
		if shift >= replayWindowSize {
			sa.replayMask = 1
		} else {
			sa.replayMask = sa.replayMask<<shift | 1
		}
		sa.HighestSeq = seq
		return true
	default:
		offset := sa.HighestSeq - seq
		if offset >= replayWindowSize {
			sa.ReplayDrops++
			return false
		}
		bit := uint64(1) << offset
		if sa.replayMask&bit != 0 {
			sa.ReplayDrops++
			return false
		}
		sa.replayMask |= bit
		return true
	}
}

// Expired reports whether the SA's lifetime has elapsed at now. A zero
// lifetime never expires.
func (sa *SAEntry) Expired(now time.Time) bool {
	return sa.Lifetime > 0 && now.After(sa.Created.Add(sa.Lifetime))
}

// PolicyAction is an SPD rule's verdict.
type PolicyAction string

const (
	ActionBypass  PolicyAction = "bypass"
	ActionProtect PolicyAction = "protect"
	ActionDiscard PolicyAction = "discard"
)

// Selector matches traffic by address/mask and optional protocol and
// ports (zero means any).
type Selector struct {
	SrcAddr ipv4.Address
	SrcMask ipv4.Address
	DstAddr ipv4.Address
	DstMask ipv4.Address

	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
}

// Matches applies the selector to a 5-tuple-like key.
func (s Selector) Matches(src, dst ipv4.Address, protocol uint8, srcPort, dstPort uint16) bool {
	if !src.InSameSubnet(s.SrcAddr, s.SrcMask) {
		return false
	}
	if !dst.InSameSubnet(s.DstAddr, s.DstMask) {
		return false
	}
	if s.Protocol != 0 && s.Protocol != protocol {
		return false
	}
	if s.SrcPort != 0 && s.SrcPort != srcPort {
		return false
	}
	if s.DstPort != 0 && s.DstPort != dstPort {
		return false
	}
	return true
}

func (s Selector) String() string {
	srcBits, _ := ipv4.PrefixFromMask(s.SrcMask)
	dstBits, _ := ipv4.PrefixFromMask(s.DstMask)
	out := fmt.Sprintf("%s/%d -> %s/%d", s.SrcAddr, srcBits, s.DstAddr, dstBits)
	if s.Protocol != 0 {
		out += fmt.Sprintf(" proto %d", s.Protocol)
	}
	if s.SrcPort != 0 || s.DstPort != 0 {
		out += fmt.Sprintf(" ports %d:%d", s.SrcPort, s.DstPort)
	}
	return out
}

// SPDEntry is one Security Policy Database rule. Lower Priority values are
// consulted first; the convention is that more specific selectors get
// lower numbers.
type SPDEntry struct {
	Priority int
	Selector Selector
	Action   PolicyAction
	// Protocol selects ESP or AH when Action is protect.
	Protocol Protocol
}
