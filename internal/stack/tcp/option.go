package tcp

import "fmt"

// Option kinds.
const (
	optKindEOL           = 0
	optKindNOP           = 1
	optKindMSS           = 2
	optKindWindowScale   = 3
	optKindSACKPermitted = 4
)

// Option is a typed TCP option. Each concrete option knows its wire kind
// and layout; MarshalOptions and ParseOptions are the single
// serialize/deserialize contract so offset arithmetic lives in one place.
type Option interface {
	Kind() uint8
	wireLen() int
	appendTo(b []byte) []byte
}

// MSSOption advertises the maximum segment size (kind 2).
type MSSOption struct {
	MSS uint16
}

func (o MSSOption) Kind() uint8 { return optKindMSS }
func (o MSSOption) wireLen() int { return 4 }
func (o MSSOption) appendTo(b []byte) []byte {
	return append(b, optKindMSS, 4, byte(o.MSS>>8), byte(o.MSS))
}

// WindowScaleOption advertises the receive window shift (kind 3).
type WindowScaleOption struct {
	Shift uint8
}

func (o WindowScaleOption) Kind() uint8 { return optKindWindowScale }
func (o WindowScaleOption) wireLen() int { return 3 }
func (o WindowScaleOption) appendTo(b []byte) []byte {
	return append(b, optKindWindowScale, 3, o.Shift)
}

// SACKPermittedOption signals selective-ACK support (kind 4).
type SACKPermittedOption struct{}

func (o SACKPermittedOption) Kind() uint8 { return optKindSACKPermitted }
func (o SACKPermittedOption) wireLen() int { return 2 }
func (o SACKPermittedOption) appendTo(b []byte) []byte {
	return append(b, optKindSACKPermitted, 2)
}

// MarshalOptions renders options padded to a 4-byte boundary with NOPs and
// a final end-of-options marker when padding is needed.
func MarshalOptions(opts []Option) []byte {
	if len(opts) == 0 {
		return nil
	}
	total := 0
	for _, o := range opts {
		total += o.wireLen()
	}
	b := make([]byte, 0, (total+3)&^3)
	for _, o := range opts {
		b = o.appendTo(b)
	}
	if rem := len(b) % 4; rem != 0 {
		pad := 4 - rem
		for i := 0; i < pad-1; i++ {
			b = append(b, optKindNOP)
		}
		b = append(b, optKindEOL)
	}
	return b
}

// ParseOptions is the inverse of MarshalOptions. NOP and end-of-options are
// consumed silently; unknown kinds with a valid length byte are skipped.
func ParseOptions(b []byte) ([]Option, error) {
	var opts []Option
	for i := 0; i < len(b); {
		kind := b[i]
		switch kind {
		case optKindEOL:
			return opts, nil
		case optKindNOP:
			i++
			continue
		}
		if i+1 >= len(b) {
			return nil, fmt.Errorf("truncated TCP option (kind %d)", kind)
		}
		length := int(b[i+1])
		if length < 2 || i+length > len(b) {
			return nil, fmt.Errorf("bad TCP option length %d (kind %d)", length, kind)
		}
		switch kind {
		case optKindMSS:
			if length != 4 {
				return nil, fmt.Errorf("bad MSS option length %d", length)
			}
			opts = append(opts, MSSOption{MSS: uint16(b[i+2])<<8 | uint16(b[i+3])})
		case optKindWindowScale:
			if length != 3 {
				return nil, fmt.Errorf("bad window scale option length %d", length)
			}
			opts = append(opts, WindowScaleOption{Shift: b[i+2]})
		case optKindSACKPermitted:
			if length != 2 {
				return nil, fmt.Errorf("bad SACK-permitted option length %d", length)
			}
			opts = append(opts, SACKPermittedOption{})
		}
		i += length
	}
	return opts, nil
}
