package ipv4

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPacket(t *testing.T, payloadLen int) *Packet {
	t.Helper()
	data := make([]byte, payloadLen)
	for i := range data {
		data[i] = byte(i)
	}
	p, err := NewPacket(MustParseAddress("10.0.0.1"), MustParseAddress("10.0.0.2"),
		ProtocolUDP, RawPayload(data), 0x4242)
	require.NoError(t, err)
	return p
}

func TestFragmentSmallPacketPassthrough(t *testing.T) {
	p := buildPacket(t, 100)
	frags := Fragment(p, 1500)
	require.Len(t, frags, 1)
	assert.Same(t, p, frags[0])
}

func TestFragmentDontFragmentPassthrough(t *testing.T) {
	p := buildPacket(t, 4000)
	p.DontFragment = true
	frags := Fragment(p, 1500)
	require.Len(t, frags, 1)
	assert.Same(t, p, frags[0], "DF packets are never split here")
}

func TestFragmentAlignmentAndOffsets(t *testing.T) {
	p := buildPacket(t, 4000)
	frags := Fragment(p, 1500)
	require.Greater(t, len(frags), 1)

	total := 0
	next := uint16(0)
	for i, f := range frags {
		chunk := f.Payload.Marshal()
		if i < len(frags)-1 {
			assert.Equal(t, 0, len(chunk)%8, "non-final fragments are 8-byte aligned")
			assert.True(t, f.MoreFragments)
		} else {
			assert.False(t, f.MoreFragments)
		}
		assert.LessOrEqual(t, HeaderLen+len(chunk), 1500)
		assert.Equal(t, next, f.FragmentOffset)
		assert.Equal(t, p.Identification, f.Identification)
		assert.True(t, f.VerifyChecksum())
		next = f.FragmentOffset + uint16(len(chunk)/8)
		total += len(chunk)
	}
	assert.Equal(t, 4000, total)
}

func TestReassembleRoundTrip(t *testing.T) {
	p := buildPacket(t, 4000)
	frags := Fragment(p, 576)
	require.Greater(t, len(frags), 1)

	r := NewReassembler(0)
	// Deliver out of order: last first.
	var got *Packet
	done := false
	for i := len(frags) - 1; i >= 0; i-- {
		got, done = r.Add(frags[i])
		if i > 0 {
			assert.False(t, done)
		}
	}
	require.True(t, done)
	require.NotNil(t, got)
	assert.True(t, bytes.Equal(p.Payload.Marshal(), got.Payload.Marshal()))
	assert.Equal(t, p.Identification, got.Identification)
	assert.Equal(t, 0, r.Pending())
}

func TestReassembleToleratesRetransmittedFragment(t *testing.T) {
	p := buildPacket(t, 2000)
	frags := Fragment(p, 1500)
	require.Len(t, frags, 2)

	r := NewReassembler(0)
	// The first fragment arrives twice before the last shows up.
	_, done := r.Add(frags[0])
	assert.False(t, done)
	_, done = r.Add(frags[0])
	assert.False(t, done)

	got, done := r.Add(frags[1])
	require.True(t, done, "duplicate must not block completion")
	assert.True(t, bytes.Equal(p.Payload.Marshal(), got.Payload.Marshal()))
	assert.Equal(t, 0, r.Pending())
}

func TestReassembleNonFragmentPassthrough(t *testing.T) {
	p := buildPacket(t, 64)
	r := NewReassembler(0)
	got, done := r.Add(p)
	assert.True(t, done)
	assert.Same(t, p, got)
}

func TestReassembleTimeout(t *testing.T) {
	p := buildPacket(t, 4000)
	frags := Fragment(p, 576)

	r := NewReassembler(time.Second)
	base := time.Now()
	r.now = func() time.Time { return base }

	_, done := r.Add(frags[0])
	assert.False(t, done)
	assert.Equal(t, 1, r.Pending())

	r.now = func() time.Time { return base.Add(2 * time.Second) }
	assert.Equal(t, 0, r.Pending(), "stale set swept after timeout")
}
