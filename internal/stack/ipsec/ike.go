package ipsec

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Phase is an IKE negotiation's position in the simplified exchange:
// IDLE → PHASE1 (initiated/responding/complete) → PHASE2 → ESTABLISHED,
// or FAILED/CLOSED.
type Phase int

const (
	PhaseIdle Phase = iota
	Phase1Initiated
	Phase1Responding
	Phase1Complete
	Phase2Initiated
	Phase2Responding
	Phase2Complete
	PhaseEstablished
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case Phase1Initiated:
		return "PHASE1_INITIATED"
	case Phase1Responding:
		return "PHASE1_RESPONDING"
	case Phase1Complete:
		return "PHASE1_COMPLETE"
	case Phase2Initiated:
		return "PHASE2_INITIATED"
	case Phase2Responding:
		return "PHASE2_RESPONDING"
	case Phase2Complete:
		return "PHASE2_COMPLETE"
	case PhaseEstablished:
		return "ESTABLISHED"
	case PhaseFailed:
		return "FAILED"
	case PhaseClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// SPISource issues SPIs and nonces by mixing an advancing counter with the
// clock; owned by the manager so independent stacks never share state.
type SPISource struct {
	mu      sync.Mutex
	counter uint64
	now     func() time.Time
}

func NewSPISource(seed uint64) *SPISource {
	return &SPISource{counter: seed, now: time.Now}
}

// Next32 returns a fresh 32-bit SPI for an SA. SPIs below 256 are reserved
// and never issued.
func (s *SPISource) Next32() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	v := uint32(s.counter)<<8 ^ uint32(s.now().UnixNano()>>8)
	if v < 256 {
		v += 256
	}
	return v
}

// Next64 returns a fresh 64-bit IKE cookie.
func (s *SPISource) Next64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter<<32 ^ uint64(s.now().UnixNano())
}

// Nonce returns fresh nonce material.
func (s *SPISource) Nonce() []byte {
	v := s.Next64()
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], v)
	binary.BigEndian.PutUint64(b[8:16], v^0x9e3779b97f4a7c15)
	return b
}

// IKESession is one negotiation attempt. Child SAs created in phase 2
// reference it by ID and are torn down with it.
type IKESession struct {
	ID           string
	InitiatorSPI uint64
	ResponderSPI uint64
	Phase        Phase

	LocalAddr string
	PeerAddr  string

	NonceI   []byte
	NonceR   []byte
	DHPublic []byte
	DHShared []byte

	// Key material chained from the base SKEYID.
	SKEYID  []byte
	SKEYIDd []byte // derivation key for child SAs
	SKEYIDa []byte // authentication key
	SKEYIDe []byte // encryption key

	Created time.Time
	Expires time.Time

	ChildSPIs []uint32
}

// deriveKeys chains the base SKEYID into the d/a/e keys by successive
// keyed hashing, mirroring the classic SKEYID expansion shape.
func (s *IKESession) deriveKeys() {
	shared := s.DHShared
	s.SKEYID = keyedDigest(append(s.NonceI, s.NonceR...), shared)
	s.SKEYIDd = keyedDigest(s.SKEYID, shared, []byte{0})
	s.SKEYIDa = keyedDigest(s.SKEYIDd, shared, []byte{1})
	s.SKEYIDe = keyedDigest(s.SKEYIDa, shared, []byte{2})
}

// childKeys derives encryption and auth keys for a child SA from SKEYID_d.
func (s *IKESession) childKeys(spi uint32) (encKey, authKey []byte) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], spi)
	encKey = keyedDigest(s.SKEYIDd, b[:], []byte("enc"))
	authKey = keyedDigest(s.SKEYIDd, b[:], []byte("auth"))
	return encKey, authKey
}

// Established reports whether the session finished both phases.
func (s *IKESession) Established() bool {
	return s.Phase == PhaseEstablished
}
