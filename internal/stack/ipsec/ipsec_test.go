package ipsec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netsim/internal/stack/ipv4"
	"firestige.xyz/netsim/internal/stack/udp"
)

var (
	localIP = ipv4.MustParseAddress("10.0.0.1")
	peerIP  = ipv4.MustParseAddress("10.0.99.1")
)

func innerPacket(t *testing.T) *ipv4.Packet {
	t.Helper()
	d, err := udp.NewDatagram(40000, 5000, []byte("confidential"))
	require.NoError(t, err)
	p, err := ipv4.NewPacket(localIP, ipv4.MustParseAddress("192.168.7.7"), ipv4.ProtocolUDP, d, 0x0101)
	require.NoError(t, err)
	return p
}

func espSA(dir Direction) *SAEntry {
	return &SAEntry{
		SPI:           0x1000,
		Protocol:      ProtoESP,
		Direction:     dir,
		EncryptionKey: []byte("enc-key-material"),
		AuthKey:       []byte("auth-key-material"),
		LocalAddr:     localIP,
		PeerAddr:      peerIP,
		Created:       time.Now(),
	}
}

func TestESPRoundTrip(t *testing.T) {
	out := espSA(DirOutbound)
	in := espSA(DirInbound)
	inner := innerPacket(t)

	esp, err := espEncapsulate(out, inner)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1000), esp.SPI)
	assert.Equal(t, uint32(1), esp.Seq)
	assert.Equal(t, 0, len(esp.Ciphertext)%BlockSize, "ciphertext padded to block size")
	assert.NotEqual(t, inner.Marshal()[:8], esp.Ciphertext[:8], "payload is not plaintext")

	got := espDecapsulate(in, esp)
	require.NotNil(t, got)
	assert.Equal(t, inner.Src, got.Src)
	assert.Equal(t, inner.Dst, got.Dst)
	assert.Equal(t, inner.Payload.Marshal(), got.Payload.Marshal())
	assert.Equal(t, uint64(1), in.PacketsVerified)
}

func TestESPAuthFailureReturnsNil(t *testing.T) {
	out := espSA(DirOutbound)
	in := espSA(DirInbound)

	esp, err := espEncapsulate(out, innerPacket(t))
	require.NoError(t, err)
	esp.Ciphertext[0] ^= 0xff

	assert.Nil(t, espDecapsulate(in, esp), "tampering is a silent drop")
	assert.Equal(t, uint64(1), in.AuthFailures)
}

func TestESPWrongKeyFailsAuth(t *testing.T) {
	out := espSA(DirOutbound)
	in := espSA(DirInbound)
	in.AuthKey = []byte("some-other-key")

	esp, err := espEncapsulate(out, innerPacket(t))
	require.NoError(t, err)
	assert.Nil(t, espDecapsulate(in, esp))
}

func TestESPReplayDropped(t *testing.T) {
	out := espSA(DirOutbound)
	in := espSA(DirInbound)

	esp, err := espEncapsulate(out, innerPacket(t))
	require.NoError(t, err)
	require.NotNil(t, espDecapsulate(in, esp))

	assert.Nil(t, espDecapsulate(in, esp), "replayed sequence is dropped")
	assert.Equal(t, uint64(1), in.ReplayDrops)
}

func TestESPRequiresEncryptionKey(t *testing.T) {
	sa := espSA(DirOutbound)
	sa.EncryptionKey = nil
	_, err := espEncapsulate(sa, innerPacket(t))
	assert.Error(t, err)
}

func TestAHRoundTrip(t *testing.T) {
	out := espSA(DirOutbound)
	out.Protocol = ProtoAH
	in := espSA(DirInbound)
	in.Protocol = ProtoAH
	inner := innerPacket(t)

	ah, err := ahBuild(out, inner)
	require.NoError(t, err)
	assert.Equal(t, inner.Marshal(), ah.Inner, "AH does not encrypt")

	got := ahVerify(in, ah)
	require.NotNil(t, got)
	assert.Equal(t, inner.Payload.Marshal(), got.Payload.Marshal())
}

func TestAHTamperDetected(t *testing.T) {
	out := espSA(DirOutbound)
	in := espSA(DirInbound)

	ah, err := ahBuild(out, innerPacket(t))
	require.NoError(t, err)
	ah.Inner[30] ^= 0x01
	assert.Nil(t, ahVerify(in, ah))
	assert.Equal(t, uint64(1), in.AuthFailures)
}

func TestReplayWindowAcceptsReordering(t *testing.T) {
	sa := espSA(DirInbound)
	assert.True(t, sa.replayCheck(5))
	assert.True(t, sa.replayCheck(3), "older within window accepted once")
	assert.False(t, sa.replayCheck(3), "duplicate rejected")
	assert.True(t, sa.replayCheck(100))
	assert.False(t, sa.replayCheck(5), "duplicate behind the advanced window rejected")
	assert.False(t, sa.replayCheck(36), "older than the 64-wide window rejected")
	assert.False(t, sa.replayCheck(0), "sequence zero never valid")
}

func TestSAExpiry(t *testing.T) {
	sa := espSA(DirOutbound)
	sa.Lifetime = time.Hour
	assert.False(t, sa.Expired(sa.Created.Add(59*time.Minute)))
	assert.True(t, sa.Expired(sa.Created.Add(61*time.Minute)))

	sa.Lifetime = 0
	assert.False(t, sa.Expired(sa.Created.Add(1000*time.Hour)), "zero lifetime never expires")
}

func TestSelectorMatching(t *testing.T) {
	sel := Selector{
		SrcAddr: ipv4.MustParseAddress("10.0.0.0"),
		SrcMask: ipv4.MustParseAddress("255.255.255.0"),
		DstAddr: ipv4.MustParseAddress("10.0.99.0"),
		DstMask: ipv4.MustParseAddress("255.255.255.0"),
	}
	assert.True(t, sel.Matches(localIP, peerIP, ipv4.ProtocolUDP, 1, 2))
	assert.False(t, sel.Matches(ipv4.MustParseAddress("10.9.0.1"), peerIP, ipv4.ProtocolUDP, 1, 2))

	sel.Protocol = ipv4.ProtocolTCP
	assert.False(t, sel.Matches(localIP, peerIP, ipv4.ProtocolUDP, 1, 2))

	sel.Protocol = 0
	sel.DstPort = 5000
	assert.True(t, sel.Matches(localIP, peerIP, ipv4.ProtocolUDP, 40000, 5000))
	assert.False(t, sel.Matches(localIP, peerIP, ipv4.ProtocolUDP, 40000, 5001))
}
