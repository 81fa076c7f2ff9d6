package ipv4

import (
	"fmt"
	"strings"
)

// MACAddress is a 48-bit hardware address.
type MACAddress [6]byte

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = MACAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC parses colon- or dash-separated hex notation ("02:42:ac:11:00:10").
func ParseMAC(s string) (MACAddress, error) {
	var m MACAddress
	sep := ":"
	if strings.Contains(s, "-") {
		sep = "-"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 6 {
		return m, fmt.Errorf("invalid MAC address %q: expected 6 bytes, got %d", s, len(parts))
	}
	for i, part := range parts {
		var b byte
		if _, err := fmt.Sscanf(part, "%02x", &b); err != nil || len(part) != 2 {
			return m, fmt.Errorf("invalid MAC address %q: bad byte %q", s, part)
		}
		m[i] = b
	}
	return m, nil
}

// MustParseMAC is ParseMAC for addresses known to be valid.
func MustParseMAC(s string) MACAddress {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MACAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the all-ones broadcast address.
func (m MACAddress) IsBroadcast() bool {
	return m == BroadcastMAC
}

// IsMulticast reports whether the group bit is set. Broadcast is a special
// case of multicast and also reports true here.
func (m MACAddress) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// IsUnicast reports whether the group bit is clear.
func (m MACAddress) IsUnicast() bool {
	return !m.IsMulticast()
}

// IsLocallyAdministered reports whether the U/L bit is set.
func (m MACAddress) IsLocallyAdministered() bool {
	return m[0]&0x02 != 0
}

// IsZero reports whether m is 00:00:00:00:00:00, the placeholder used in
// ARP request target fields.
func (m MACAddress) IsZero() bool {
	return m == MACAddress{}
}
