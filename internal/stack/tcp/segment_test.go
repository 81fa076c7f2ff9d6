package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

func TestSegmentChecksumRoundTrip(t *testing.T) {
	src := ipv4.MustParseAddress("10.0.0.1")
	dst := ipv4.MustParseAddress("10.0.0.2")

	seg := NewDataSegment(49152, 80, 1000, 2000, []byte("GET / HTTP/1.0\r\n\r\n"))
	seg.SetChecksum(src, dst)
	assert.NotZero(t, seg.Checksum)
	assert.True(t, seg.VerifyChecksum(src, dst))

	// Flipping any covered field must break verification.
	seg.Data[0] ^= 0xff
	assert.False(t, seg.VerifyChecksum(src, dst))
	seg.Data[0] ^= 0xff

	// Pseudo-header is covered too: same bytes, different addresses.
	assert.False(t, seg.VerifyChecksum(src, ipv4.MustParseAddress("10.0.0.3")))
}

func TestSegmentZeroChecksumAccepted(t *testing.T) {
	seg := NewACK(1, 2, 0, 0)
	assert.True(t, seg.VerifyChecksum(ipv4.MustParseAddress("10.0.0.1"), ipv4.MustParseAddress("10.0.0.2")))
}

func TestSegmentMarshalLayout(t *testing.T) {
	seg := NewACK(49152, 80, 0x01020304, 0x05060708)
	b := seg.Marshal()
	require.Len(t, b, HeaderLen)
	assert.Equal(t, []byte{0xc0, 0x00}, b[0:2])
	assert.Equal(t, []byte{0x00, 0x50}, b[2:4])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b[4:8])
	assert.Equal(t, []byte{0x05, 0x06, 0x07, 0x08}, b[8:12])
	assert.Equal(t, byte(5<<4), b[12], "no options means data offset 5")
	assert.Equal(t, uint8(FlagACK), b[13])
}

func TestSYNCarriesOptions(t *testing.T) {
	seg := NewSYN(49152, 80, 1)
	assert.Equal(t, 0, seg.TransportLength()%4, "options padded to 32-bit boundary")
	assert.Greater(t, seg.DataOffset(), uint8(5))

	parsed, err := ParseOptions(MarshalOptions(seg.Options))
	require.NoError(t, err)
	var mss *MSSOption
	for _, o := range parsed {
		if v, ok := o.(MSSOption); ok {
			mss = &v
		}
	}
	require.NotNil(t, mss, "MSS option survives a marshal/parse cycle")
	assert.Equal(t, uint16(DefaultMSS), mss.MSS)
}

func TestParseOptionsRejectsTruncated(t *testing.T) {
	// MSS option claims 4 bytes but only 3 are present.
	_, err := ParseOptions([]byte{optKindMSS, 4, 0x05})
	assert.Error(t, err)
}

func TestFlagString(t *testing.T) {
	tests := []struct {
		flags uint8
		want  string
	}{
		{FlagSYN, "SYN"},
		{FlagSYN | FlagACK, "SYN|ACK"},
		{FlagFIN | FlagACK, "ACK|FIN"},
		{0, "none"},
	}
	for _, tt := range tests {
		s := &Segment{Flags: tt.flags}
		assert.Equal(t, tt.want, s.FlagString())
	}
}

func TestConnectionKeyFormat(t *testing.T) {
	key := ConnKey(ipv4.MustParseAddress("10.0.0.1"), 49152, ipv4.MustParseAddress("10.0.0.2"), 80)
	assert.Equal(t, "10.0.0.1:49152-10.0.0.2:80", key)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "TIME_WAIT", StateTimeWait.String())
	assert.Equal(t, "SYN_SENT", StateSynSent.String())
}
