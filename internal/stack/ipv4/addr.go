package ipv4

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is an IPv4 address as four octets. It is a value type and is
// compared with ==.
type Address [4]byte

// Well-known addresses.
var (
	Unspecified      = Address{0, 0, 0, 0}
	LimitedBroadcast = Address{255, 255, 255, 255}
)

// ParseAddress parses dotted-quad notation ("192.168.1.1").
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return a, fmt.Errorf("invalid IPv4 address %q: expected 4 octets, got %d", s, len(parts))
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return a, fmt.Errorf("invalid IPv4 address %q: octet %q is not a number", s, part)
		}
		if n < 0 || n > 255 {
			return a, fmt.Errorf("invalid IPv4 address %q: octet %d out of range", s, n)
		}
		a[i] = byte(n)
	}
	return a, nil
}

// MustParseAddress is ParseAddress for addresses known to be valid.
// It panics on error and is intended for tests and static configuration.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// Uint32 returns the address in host-order numeric form.
func (a Address) Uint32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

// AddressFromUint32 is the inverse of Uint32.
func AddressFromUint32(v uint32) Address {
	return Address{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// IsUnspecified reports whether a is 0.0.0.0.
func (a Address) IsUnspecified() bool {
	return a == Unspecified
}

// IsLoopback reports whether a is in 127.0.0.0/8.
func (a Address) IsLoopback() bool {
	return a[0] == 127
}

// IsMulticast reports whether a is in 224.0.0.0/4.
func (a Address) IsMulticast() bool {
	return a[0] >= 224 && a[0] <= 239
}

// IsLimitedBroadcast reports whether a is 255.255.255.255.
func (a Address) IsLimitedBroadcast() bool {
	return a == LimitedBroadcast
}

// IsPrivate reports whether a is in one of the RFC 1918 ranges.
func (a Address) IsPrivate() bool {
	switch {
	case a[0] == 10:
		return true
	case a[0] == 172 && a[1] >= 16 && a[1] <= 31:
		return true
	case a[0] == 192 && a[1] == 168:
		return true
	}
	return false
}

// NetworkAddress returns the network address for a under mask.
func (a Address) NetworkAddress(mask Address) Address {
	var n Address
	for i := range a {
		n[i] = a[i] & mask[i]
	}
	return n
}

// BroadcastAddress returns the directed broadcast address for a under mask.
func (a Address) BroadcastAddress(mask Address) Address {
	var b Address
	for i := range a {
		b[i] = a[i] | ^mask[i]
	}
	return b
}

// InSameSubnet reports whether a and b share a network under mask.
func (a Address) InSameSubnet(b, mask Address) bool {
	return a.NetworkAddress(mask) == b.NetworkAddress(mask)
}

// MaskFromPrefix converts a prefix length (0-32) to a subnet mask.
func MaskFromPrefix(bits int) (Address, error) {
	if bits < 0 || bits > 32 {
		return Address{}, fmt.Errorf("invalid prefix length %d", bits)
	}
	var v uint32
	if bits > 0 {
		v = ^uint32(0) << (32 - bits)
	}
	return AddressFromUint32(v), nil
}

// PrefixFromMask converts a contiguous subnet mask back to a prefix length.
func PrefixFromMask(mask Address) (int, error) {
	v := mask.Uint32()
	bits := 0
	for v&0x80000000 != 0 {
		bits++
		v <<= 1
	}
	if v != 0 {
		return 0, fmt.Errorf("non-contiguous subnet mask %s", mask)
	}
	return bits, nil
}

// ParseCIDR parses "10.1.0.0/16" into address and prefix length.
func ParseCIDR(s string) (Address, int, error) {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return Address{}, 0, fmt.Errorf("invalid CIDR %q: missing prefix length", s)
	}
	addr, err := ParseAddress(s[:idx])
	if err != nil {
		return Address{}, 0, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}
	bits, err := strconv.Atoi(s[idx+1:])
	if err != nil || bits < 0 || bits > 32 {
		return Address{}, 0, fmt.Errorf("invalid CIDR %q: bad prefix length", s)
	}
	return addr, bits, nil
}
