package ipv4

import (
	"sort"
	"sync"
	"time"
)

// Fragment splits p into fragments that fit mtu. Fragment payload sizes are
// aligned down to an 8-byte boundary as required by the fragment offset
// encoding. If the Don't Fragment flag is set the packet is returned as-is
// even when oversized; honoring DF is the caller's routing concern, not a
// drop decision made here.
func Fragment(p *Packet, mtu int) []*Packet {
	if p.DontFragment {
		return []*Packet{p}
	}
	data := p.Payload.Marshal()
	maxData := (mtu - HeaderLen) &^ 7
	if maxData <= 0 || len(data) <= mtu-HeaderLen {
		return []*Packet{p}
	}

	var frags []*Packet
	for off := 0; off < len(data); off += maxData {
		end := off + maxData
		last := false
		if end >= len(data) {
			end = len(data)
			last = true
		}
		chunk := RawPayload(append([]byte(nil), data[off:end]...))
		f := &Packet{
			Version:        4,
			IHL:            5,
			DSCP:           p.DSCP,
			ECN:            p.ECN,
			TotalLength:    uint16(HeaderLen + len(chunk)),
			Identification: p.Identification,
			MoreFragments:  !last,
			FragmentOffset: p.FragmentOffset + uint16(off/8),
			TTL:            p.TTL,
			Protocol:       p.Protocol,
			Src:            p.Src,
			Dst:            p.Dst,
			Payload:        chunk,
		}
		f.Checksum = f.HeaderChecksum()
		frags = append(frags, f)
	}
	return frags
}

type fragmentKey struct {
	src, dst Address
	id       uint16
	protocol uint8
}

type fragmentSet struct {
	arrived time.Time
	// frags is keyed by fragment offset so a retransmitted fragment
	// overwrites its slot instead of poisoning the hole scan.
	frags   map[uint16]*Packet
	gotLast bool
}

// Reassembler collects fragments and reassembles the original packet once
// every hole is filled. Incomplete sets are discarded after Timeout.
type Reassembler struct {
	mu      sync.Mutex
	sets    map[fragmentKey]*fragmentSet
	timeout time.Duration
	now     func() time.Time
}

// DefaultReassemblyTimeout discards incomplete fragment sets.
const DefaultReassemblyTimeout = 30 * time.Second

func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		sets:    make(map[fragmentKey]*fragmentSet),
		timeout: timeout,
		now:     time.Now,
	}
}

// Add feeds one fragment in. When the set completes it returns the
// reassembled packet (payload as RawPayload) and true; otherwise nil, false.
// A packet that is not a fragment is returned immediately.
func (r *Reassembler) Add(p *Packet) (*Packet, bool) {
	if !p.MoreFragments && p.FragmentOffset == 0 {
		return p, true
	}
	key := fragmentKey{src: p.Src, dst: p.Dst, id: p.Identification, protocol: p.Protocol}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	set, ok := r.sets[key]
	if !ok {
		set = &fragmentSet{arrived: r.now(), frags: make(map[uint16]*Packet)}
		r.sets[key] = set
	}
	set.frags[p.FragmentOffset] = p
	if !p.MoreFragments {
		set.gotLast = true
	}
	if !set.gotLast {
		return nil, false
	}

	offsets := make([]uint16, 0, len(set.frags))
	for off := range set.frags {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	var data []byte
	next := uint16(0)
	for _, off := range offsets {
		if off != next {
			return nil, false // hole remains
		}
		chunk := set.frags[off].Payload.Marshal()
		data = append(data, chunk...)
		next = off + uint16(len(chunk)/8)
	}

	delete(r.sets, key)
	whole := &Packet{
		Version:        4,
		IHL:            5,
		TotalLength:    uint16(HeaderLen + len(data)),
		Identification: p.Identification,
		TTL:            p.TTL,
		Protocol:       p.Protocol,
		Src:            p.Src,
		Dst:            p.Dst,
		Payload:        RawPayload(data),
	}
	whole.Checksum = whole.HeaderChecksum()
	return whole, true
}

// Pending reports the number of incomplete fragment sets.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return len(r.sets)
}

func (r *Reassembler) sweepLocked() {
	cutoff := r.now().Add(-r.timeout)
	for key, set := range r.sets {
		if set.arrived.Before(cutoff) {
			delete(r.sets, key)
		}
	}
}
