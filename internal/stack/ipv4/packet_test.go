package ipv4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Address
		wantErr bool
	}{
		{name: "plain", in: "192.168.1.10", want: Address{192, 168, 1, 10}},
		{name: "zero", in: "0.0.0.0", want: Address{0, 0, 0, 0}},
		{name: "broadcast", in: "255.255.255.255", want: Address{255, 255, 255, 255}},
		{name: "octet out of range", in: "192.168.1.256", wantErr: true},
		{name: "too few octets", in: "10.0.0", wantErr: true},
		{name: "garbage", in: "not-an-ip", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestAddressClassification(t *testing.T) {
	assert.True(t, MustParseAddress("0.0.0.0").IsUnspecified())
	assert.True(t, MustParseAddress("127.0.0.1").IsLoopback())
	assert.True(t, MustParseAddress("224.0.0.5").IsMulticast())
	assert.True(t, MustParseAddress("255.255.255.255").IsLimitedBroadcast())
	assert.True(t, MustParseAddress("10.1.2.3").IsPrivate())
	assert.True(t, MustParseAddress("172.16.0.1").IsPrivate())
	assert.True(t, MustParseAddress("192.168.0.1").IsPrivate())
	assert.False(t, MustParseAddress("8.8.8.8").IsPrivate())
}

func TestSubnetMath(t *testing.T) {
	ip := MustParseAddress("192.168.1.77")
	mask := MustParseAddress("255.255.255.0")

	assert.Equal(t, "192.168.1.0", ip.NetworkAddress(mask).String())
	assert.Equal(t, "192.168.1.255", ip.BroadcastAddress(mask).String())
	assert.True(t, ip.InSameSubnet(MustParseAddress("192.168.1.1"), mask))
	assert.False(t, ip.InSameSubnet(MustParseAddress("192.168.2.1"), mask))

	m, err := MaskFromPrefix(26)
	require.NoError(t, err)
	assert.Equal(t, "255.255.255.192", m.String())
	bits, err := PrefixFromMask(m)
	require.NoError(t, err)
	assert.Equal(t, 26, bits)
}

func TestHeaderChecksumRoundTrip(t *testing.T) {
	p, err := NewPacket(MustParseAddress("10.0.0.1"), MustParseAddress("10.0.0.2"),
		ProtocolUDP, RawPayload([]byte("payload")), 0x1234)
	require.NoError(t, err)

	assert.True(t, p.VerifyChecksum())

	// Any header mutation must invalidate the stored checksum.
	p.TTL--
	assert.False(t, p.VerifyChecksum())
	p.Checksum = p.HeaderChecksum()
	assert.True(t, p.VerifyChecksum())
}

func TestVerifyChecksumZeroAccepted(t *testing.T) {
	p, err := NewPacket(MustParseAddress("10.0.0.1"), MustParseAddress("10.0.0.2"),
		ProtocolTCP, RawPayload(nil), 1)
	require.NoError(t, err)
	p.Checksum = 0
	assert.True(t, p.VerifyChecksum(), "zero checksum means not computed")
}

func TestDecrementTTL(t *testing.T) {
	p, err := NewPacket(MustParseAddress("10.0.0.1"), MustParseAddress("10.0.0.2"),
		ProtocolICMP, RawPayload(nil), 1)
	require.NoError(t, err)

	p.TTL = 2
	p.Checksum = p.HeaderChecksum()

	assert.False(t, p.DecrementTTL())
	assert.Equal(t, uint8(1), p.TTL)
	assert.True(t, p.VerifyChecksum(), "checksum is recomputed on TTL change")

	assert.True(t, p.DecrementTTL(), "TTL reaching zero reports expiry")
	assert.Equal(t, uint8(0), p.TTL)
}

func TestMarshalUnmarshal(t *testing.T) {
	src := MustParseAddress("172.16.5.1")
	dst := MustParseAddress("172.16.5.2")
	p, err := NewPacket(src, dst, ProtocolUDP, RawPayload([]byte{1, 2, 3, 4, 5}), 0xbeef)
	require.NoError(t, err)
	p.DontFragment = true
	p.Checksum = p.HeaderChecksum()

	got, err := Unmarshal(p.Marshal())
	require.NoError(t, err)

	assert.Equal(t, src, got.Src)
	assert.Equal(t, dst, got.Dst)
	assert.Equal(t, uint16(0xbeef), got.Identification)
	assert.True(t, got.DontFragment)
	assert.True(t, got.VerifyChecksum())
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got.Payload.Marshal())
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	_, err := Unmarshal([]byte{0x45, 0x00})
	assert.Error(t, err)

	// IPv6 version nibble.
	bad := make([]byte, HeaderLen)
	bad[0] = 0x65
	_, err = Unmarshal(bad)
	assert.Error(t, err)
}

func TestPacketTooLarge(t *testing.T) {
	_, err := NewPacket(MustParseAddress("10.0.0.1"), MustParseAddress("10.0.0.2"),
		ProtocolUDP, RawPayload(make([]byte, MaxPacketLen)), 1)
	assert.Error(t, err)
}

func TestChecksumKnownVector(t *testing.T) {
	// Classic example header from RFC 1071 discussions.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00,
		0x40, 0x11, 0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01,
		0xc0, 0xa8, 0x00, 0xc7,
	}
	assert.Equal(t, uint16(0xb861), Checksum(hdr))
}

func TestIDSourceUnique(t *testing.T) {
	ids := NewIDSource(7)
	seen := make(map[uint16]bool)
	dup := 0
	for i := 0; i < 1000; i++ {
		v := ids.Next()
		if seen[v] {
			dup++
		}
		seen[v] = true
	}
	// The counter/clock mix is not a guarantee, but collisions should be rare.
	assert.Less(t, dup, 10)
}

func TestMACParsing(t *testing.T) {
	mac, err := ParseMAC("02:00:5e:00:10:01")
	require.NoError(t, err)
	assert.Equal(t, "02:00:5e:00:10:01", mac.String())
	assert.True(t, mac.IsUnicast())
	assert.True(t, mac.IsLocallyAdministered())

	assert.True(t, BroadcastMAC.IsBroadcast())

	_, err = ParseMAC("02:00:5e:00:10")
	assert.Error(t, err)
}
