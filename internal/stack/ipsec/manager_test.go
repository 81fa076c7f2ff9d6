package ipsec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netsim/internal/log"
	"firestige.xyz/netsim/internal/stack/ipv4"
	"firestige.xyz/netsim/internal/stack/udp"
)

func testIPSecManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(ipv4.NewIDSource(1), log.GetLogger())
}

func protectAllToPeer(m *Manager) {
	m.AddPolicy(&SPDEntry{
		Priority: 10,
		Selector: Selector{
			DstAddr: peerIP.NetworkAddress(ipv4.MustParseAddress("255.255.255.0")),
			DstMask: ipv4.MustParseAddress("255.255.255.0"),
		},
		Action:   ActionProtect,
		Protocol: ProtoESP,
	})
}

func outboundToPeer(t *testing.T) *ipv4.Packet {
	t.Helper()
	d, err := udp.NewDatagram(40000, 5000, []byte("traffic"))
	require.NoError(t, err)
	p, err := ipv4.NewPacket(localIP, peerIP, ipv4.ProtocolUDP, d, 0x2222)
	require.NoError(t, err)
	return p
}

func TestPolicyOrderingByPriority(t *testing.T) {
	m := testIPSecManager(t)
	wide := Selector{} // zero masks match everything
	m.AddPolicy(&SPDEntry{Priority: 100, Selector: wide, Action: ActionBypass})
	m.AddPolicy(&SPDEntry{Priority: 5, Selector: wide, Action: ActionDiscard})

	got := m.LookupPolicy(localIP, peerIP, ipv4.ProtocolUDP, 1, 2)
	require.NotNil(t, got)
	assert.Equal(t, ActionDiscard, got.Action, "lower priority value wins")
}

func TestProcessOutboundBypassDefault(t *testing.T) {
	m := testIPSecManager(t)
	p := outboundToPeer(t)
	assert.Same(t, p, m.ProcessOutbound(p), "no policy means bypass")
}

func TestProcessOutboundDiscard(t *testing.T) {
	m := testIPSecManager(t)
	m.AddPolicy(&SPDEntry{Priority: 1, Selector: Selector{}, Action: ActionDiscard})
	assert.Nil(t, m.ProcessOutbound(outboundToPeer(t)))
}

func TestProcessOutboundProtectWithoutSA(t *testing.T) {
	m := testIPSecManager(t)
	protectAllToPeer(m)
	assert.Nil(t, m.ProcessOutbound(outboundToPeer(t)), "protect with no SA drops until negotiated")
}

func TestProtectRoundTripThroughManager(t *testing.T) {
	m := testIPSecManager(t)
	protectAllToPeer(m)

	key := []byte("enc-key-material")
	auth := []byte("auth-key-material")
	_, err := m.CreateSA(SAParams{
		Protocol: ProtoESP, Direction: DirOutbound,
		LocalAddr: localIP, PeerAddr: peerIP,
		EncryptionKey: key, AuthKey: auth,
	})
	require.NoError(t, err)

	outer := m.ProcessOutbound(outboundToPeer(t))
	require.NotNil(t, outer)
	assert.Equal(t, uint8(ipv4.ProtocolESP), outer.Protocol)
	assert.True(t, outer.DontFragment, "tunnel packets carry DF")
	assert.Equal(t, localIP, outer.Src)
	assert.Equal(t, peerIP, outer.Dst)
	assert.True(t, outer.VerifyChecksum())

	// Install the matching inbound SA and decapsulate.
	esp := outer.Payload.(*ESPPacket)
	_, err = m.CreateSA(SAParams{
		SPI: esp.SPI, Protocol: ProtoESP, Direction: DirInbound,
		LocalAddr: localIP, PeerAddr: peerIP,
		EncryptionKey: key, AuthKey: auth,
	})
	require.NoError(t, err)

	inner := m.ProcessInbound(outer)
	require.NotNil(t, inner)
	assert.Equal(t, peerIP, inner.Dst)
	assert.Equal(t, uint8(ipv4.ProtocolUDP), inner.Protocol)
}

func TestProcessInboundUnknownSPI(t *testing.T) {
	m := testIPSecManager(t)
	esp := &ESPPacket{SPI: 0xdead, Seq: 1, Ciphertext: make([]byte, BlockSize)}
	p, err := ipv4.NewPacket(peerIP, localIP, ipv4.ProtocolESP, esp, 1)
	require.NoError(t, err)
	assert.Nil(t, m.ProcessInbound(p))
}

func TestCreateSAValidation(t *testing.T) {
	m := testIPSecManager(t)

	_, err := m.CreateSA(SAParams{Protocol: "gre", Direction: DirOutbound})
	assert.Error(t, err)

	_, err = m.CreateSA(SAParams{Protocol: ProtoESP, Direction: DirOutbound})
	assert.Error(t, err, "ESP needs an encryption key")

	_, err = m.CreateSA(SAParams{Protocol: ProtoAH, Direction: DirOutbound})
	assert.Error(t, err, "AH needs an auth key")

	sa, err := m.CreateSA(SAParams{
		Protocol: ProtoESP, Direction: DirOutbound,
		EncryptionKey: []byte("k"), PeerAddr: peerIP,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sa.SPI, uint32(256), "auto-assigned SPIs avoid the reserved range")

	_, err = m.CreateSA(SAParams{
		SPI: sa.SPI, Protocol: ProtoESP, Direction: DirOutbound,
		EncryptionKey: []byte("k"),
	})
	assert.Error(t, err, "duplicate SPI+direction rejected")
}

func TestExpireOldSAs(t *testing.T) {
	m := testIPSecManager(t)
	_, err := m.CreateSA(SAParams{
		Protocol: ProtoESP, Direction: DirOutbound,
		EncryptionKey: []byte("k"), Lifetime: time.Millisecond,
	})
	require.NoError(t, err)

	base := time.Now()
	m.now = func() time.Time { return base.Add(time.Hour) }
	assert.Equal(t, 1, m.ExpireOldSAs())
	assert.Empty(t, m.GetAllSAs())
}

func TestIKELifecycle(t *testing.T) {
	m := testIPSecManager(t)
	sess := m.CreateIKESession(localIP, peerIP)
	assert.Equal(t, PhaseIdle, sess.Phase)

	require.NoError(t, m.InitiatePhase1(sess.ID))
	assert.Equal(t, Phase1Initiated, sess.Phase)
	assert.NotZero(t, sess.InitiatorSPI)

	peerSPI := uint64(0x1122334455667788)
	require.NoError(t, m.CompletePhase1(sess.ID, peerSPI, []byte("peer-nonce"), []byte("peer-dh")))
	assert.Equal(t, Phase1Complete, sess.Phase)
	assert.NotEmpty(t, sess.SKEYIDd)
	assert.NotEqual(t, sess.SKEYIDa, sess.SKEYIDe, "derived keys diverge")

	require.NoError(t, m.InitiatePhase2(sess.ID))
	out, in, err := m.CompletePhase2(sess.ID, ProtoESP, localIP, peerIP, time.Hour)
	require.NoError(t, err)
	assert.True(t, sess.Established())
	assert.Len(t, sess.ChildSPIs, 2)
	assert.Equal(t, DirOutbound, out.Direction)
	assert.Equal(t, DirInbound, in.Direction)
	assert.NotEqual(t, out.EncryptionKey, in.EncryptionKey, "per-SPI keys differ")
	assert.Len(t, m.GetAllSAs(), 2)

	// Traffic now flows under the negotiated SA.
	protectAllToPeer(m)
	assert.NotNil(t, m.ProcessOutbound(outboundToPeer(t)))

	require.NoError(t, m.CloseIKESession(sess.ID))
	assert.Empty(t, m.GetAllSAs(), "child SAs torn down with the session")
}

func TestIKEResponderLifecycle(t *testing.T) {
	m := testIPSecManager(t)
	sess := m.CreateIKESession(localIP, peerIP)

	peerSPI := uint64(0x0102030405060708)
	peerNonce := []byte("initiator-nonce")
	peerDH := []byte("initiator-dh")

	require.NoError(t, m.RespondPhase1(sess.ID, peerSPI, peerNonce, peerDH))
	assert.Equal(t, Phase1Responding, sess.Phase)
	assert.Equal(t, peerSPI, sess.InitiatorSPI)
	assert.NotZero(t, sess.ResponderSPI)
	assert.NotEmpty(t, sess.SKEYIDd, "keys derived from the captured material")

	require.NoError(t, m.CompletePhase1(sess.ID, peerSPI, peerNonce, peerDH))
	assert.Equal(t, Phase1Complete, sess.Phase)

	require.NoError(t, m.RespondPhase2(sess.ID))
	assert.Equal(t, Phase2Responding, sess.Phase)

	out, in, err := m.CompletePhase2(sess.ID, ProtoESP, localIP, peerIP, time.Hour)
	require.NoError(t, err)
	assert.True(t, sess.Established())
	assert.Equal(t, DirOutbound, out.Direction)
	assert.Equal(t, DirInbound, in.Direction)

	// The negotiated SA carries traffic like an initiated one.
	protectAllToPeer(m)
	assert.NotNil(t, m.ProcessOutbound(outboundToPeer(t)))
}

func TestIKERespondRequiresIdle(t *testing.T) {
	m := testIPSecManager(t)
	sess := m.CreateIKESession(localIP, peerIP)

	require.NoError(t, m.InitiatePhase1(sess.ID))
	assert.Error(t, m.RespondPhase1(sess.ID, 1, []byte("n"), []byte("d")),
		"a session cannot both initiate and respond")
	assert.Error(t, m.RespondPhase2(sess.ID), "phase 2 response before phase 1 completes")
}

func TestIKEPhaseOrderEnforced(t *testing.T) {
	m := testIPSecManager(t)
	sess := m.CreateIKESession(localIP, peerIP)

	assert.Error(t, m.InitiatePhase2(sess.ID), "phase 2 before phase 1")
	assert.Error(t, m.CompletePhase1(sess.ID, 1, []byte("n"), []byte("d")), "complete before initiate")

	require.NoError(t, m.InitiatePhase1(sess.ID))
	assert.Error(t, m.CompletePhase1(sess.ID, 0, nil, nil), "missing peer material fails the exchange")
	assert.Equal(t, PhaseFailed, sess.Phase)
}

func TestPendingIKESessionDoesNotServeTraffic(t *testing.T) {
	m := testIPSecManager(t)
	protectAllToPeer(m)
	sess := m.CreateIKESession(localIP, peerIP)

	_, err := m.CreateSA(SAParams{
		Protocol: ProtoESP, Direction: DirOutbound,
		LocalAddr: localIP, PeerAddr: peerIP,
		EncryptionKey: []byte("k"), IKESessionID: sess.ID,
	})
	require.NoError(t, err)

	assert.Nil(t, m.ProcessOutbound(outboundToPeer(t)),
		"SA bound to an unestablished IKE session is not usable")
}

func TestFormatSAOutput(t *testing.T) {
	m := testIPSecManager(t)
	assert.Contains(t, m.FormatSA(), "No security associations")

	_, err := m.CreateSA(SAParams{
		SPI: 0x5000, Protocol: ProtoESP, Direction: DirOutbound,
		PeerAddr: peerIP, EncryptionKey: []byte("k"),
	})
	require.NoError(t, err)

	out := m.FormatSA()
	assert.Contains(t, out, "esp sa: spi=0x00005000")
	assert.Contains(t, out, "peer: 10.0.99.1")
}
