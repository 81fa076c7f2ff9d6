// Package icmp implements the simulated ICMP layer: echo, error and
// redirect messages plus the ping and traceroute session managers.
package icmp

import (
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

// Message types.
const (
	TypeEchoReply              = 0
	TypeDestinationUnreachable = 3
	TypeRedirect               = 5
	TypeEchoRequest            = 8
	TypeTimeExceeded           = 11
)

// Destination Unreachable codes.
const (
	CodeNetUnreachable      = 0
	CodeHostUnreachable     = 1
	CodeProtocolUnreachable = 2
	CodePortUnreachable     = 3
	CodeFragmentationNeeded = 4
)

// Time Exceeded codes.
const (
	CodeTTLExceeded        = 0
	CodeReassemblyExceeded = 1
)

// Redirect codes.
const (
	CodeRedirectNet  = 0
	CodeRedirectHost = 1
)

// echoHeaderLen is type+code+checksum+id+seq plus the 8-byte timestamp.
const echoHeaderLen = 16

// errorHeaderLen is type+code+checksum plus the unused/gateway word.
const errorHeaderLen = 8

// defaultEchoPayload pads echo requests to a familiar ping size.
const defaultEchoPayload = 56 - 8 // 48 filler bytes after the timestamp

// Message is a simulated ICMP message. Echo fields are meaningful for
// types 0/8; Gateway only for redirects; Original only for error types.
type Message struct {
	Type     uint8
	Code     uint8
	Checksum uint16

	Identifier uint16
	Sequence   uint16
	// Timestamp is the send time embedded in echo payloads (unix
	// nanoseconds, 8 bytes on the wire); replies echo it back so the
	// originator can derive RTT.
	Timestamp int64
	Payload   []byte

	Gateway ipv4.Address
	// Original holds the failed packet's IP header plus its first 8
	// payload bytes so the originator can correlate the error.
	Original []byte
}

// NewEchoRequest builds an echo request. payloadSize <= 0 selects the
// conventional 56-byte echo data size (timestamp included).
func NewEchoRequest(identifier, sequence uint16, payloadSize int, now time.Time) *Message {
	if payloadSize <= 0 {
		payloadSize = defaultEchoPayload
	}
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte('a' + i%23)
	}
	m := &Message{
		Type:       TypeEchoRequest,
		Identifier: identifier,
		Sequence:   sequence,
		Timestamp:  now.UnixNano(),
		Payload:    payload,
	}
	m.Checksum = m.ComputeChecksum()
	return m
}

// NewEchoReply answers req, echoing identifier, sequence, timestamp and
// payload unchanged.
func NewEchoReply(req *Message) *Message {
	m := &Message{
		Type:       TypeEchoReply,
		Identifier: req.Identifier,
		Sequence:   req.Sequence,
		Timestamp:  req.Timestamp,
		Payload:    req.Payload,
	}
	m.Checksum = m.ComputeChecksum()
	return m
}

// NewDestinationUnreachable reports that orig could not be delivered.
func NewDestinationUnreachable(code uint8, orig *ipv4.Packet) *Message {
	m := &Message{
		Type:     TypeDestinationUnreachable,
		Code:     code,
		Original: embedOriginal(orig),
	}
	m.Checksum = m.ComputeChecksum()
	return m
}

// NewTimeExceeded reports that orig's TTL ran out in transit.
func NewTimeExceeded(code uint8, orig *ipv4.Packet) *Message {
	m := &Message{
		Type:     TypeTimeExceeded,
		Code:     code,
		Original: embedOriginal(orig),
	}
	m.Checksum = m.ComputeChecksum()
	return m
}

// NewRedirect points the originator of orig at a better first hop.
func NewRedirect(code uint8, gateway ipv4.Address, orig *ipv4.Packet) *Message {
	m := &Message{
		Type:     TypeRedirect,
		Code:     code,
		Gateway:  gateway,
		Original: embedOriginal(orig),
	}
	m.Checksum = m.ComputeChecksum()
	return m
}

// embedOriginal captures the failed packet's header and first 8 payload
// bytes, the classic quotation an originator needs for correlation.
func embedOriginal(orig *ipv4.Packet) []byte {
	wire := orig.Marshal()
	limit := ipv4.HeaderLen + 8
	if len(wire) > limit {
		wire = wire[:limit]
	}
	return append([]byte(nil), wire...)
}

// OriginalPacket re-parses the embedded quotation.
func (m *Message) OriginalPacket() (*ipv4.Packet, error) {
	if len(m.Original) == 0 {
		return nil, fmt.Errorf("ICMP type %d carries no original packet", m.Type)
	}
	return ipv4.Unmarshal(m.Original)
}

// IsEcho reports whether m is an echo request or reply.
func (m *Message) IsEcho() bool {
	return m.Type == TypeEchoRequest || m.Type == TypeEchoReply
}

// RTT derives the round-trip time from the embedded timestamp.
func (m *Message) RTT(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, m.Timestamp))
}

// TransportLength is the message's size in bytes on the wire.
func (m *Message) TransportLength() int {
	if m.IsEcho() {
		return echoHeaderLen + len(m.Payload)
	}
	return errorHeaderLen + len(m.Original)
}

// Marshal renders the wire layout. The checksum covers type, code, the
// zeroed checksum field and everything after it.
func (m *Message) Marshal() []byte {
	b := make([]byte, m.TransportLength())
	b[0] = m.Type
	b[1] = m.Code
	binary.BigEndian.PutUint16(b[2:4], m.Checksum)
	if m.IsEcho() {
		binary.BigEndian.PutUint16(b[4:6], m.Identifier)
		binary.BigEndian.PutUint16(b[6:8], m.Sequence)
		binary.BigEndian.PutUint64(b[8:16], uint64(m.Timestamp))
		copy(b[16:], m.Payload)
		return b
	}
	if m.Type == TypeRedirect {
		copy(b[4:8], m.Gateway[:])
	}
	copy(b[8:], m.Original)
	return b
}

// ComputeChecksum calculates the message checksum with the stored field
// zeroed.
func (m *Message) ComputeChecksum() uint16 {
	saved := m.Checksum
	m.Checksum = 0
	wire := m.Marshal()
	m.Checksum = saved
	return ipv4.Checksum(wire)
}

// VerifyChecksum reports whether the stored checksum matches; zero means
// "not computed" and verifies true.
func (m *Message) VerifyChecksum() bool {
	if m.Checksum == 0 {
		return true
	}
	return m.Checksum == m.ComputeChecksum()
}

// TypeName renders the conventional name for the message type.
func (m *Message) TypeName() string {
	switch m.Type {
	case TypeEchoReply:
		return "echo reply"
	case TypeDestinationUnreachable:
		return "destination unreachable"
	case TypeRedirect:
		return "redirect"
	case TypeEchoRequest:
		return "echo request"
	case TypeTimeExceeded:
		return "time exceeded"
	default:
		return fmt.Sprintf("type %d", m.Type)
	}
}

// Summary is a one-line description for packet formatters.
func (m *Message) Summary() string {
	if m.IsEcho() {
		return fmt.Sprintf("ICMP %s id %d seq %d", m.TypeName(), m.Identifier, m.Sequence)
	}
	return fmt.Sprintf("ICMP %s code %d", m.TypeName(), m.Code)
}
