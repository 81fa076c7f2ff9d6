package ipsec

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/netsim/internal/stack/ipv4"
)

// nextHeaderIPv4 marks tunnel mode: the protected payload is a whole inner
// IP packet.
const nextHeaderIPv4 = 4

// ESPPacket is an Encapsulating Security Payload packet. Ciphertext holds
// the encrypted inner packet plus its PKCS-style trailer (padding, pad
// length, next header).
type ESPPacket struct {
	SPI        uint32
	Seq        uint32
	IV         []byte
	Ciphertext []byte
	ICV        []byte // empty when the SA has no auth key
}

// TransportLength is the packet's size in bytes on the wire.
func (e *ESPPacket) TransportLength() int {
	return 8 + len(e.IV) + len(e.Ciphertext) + len(e.ICV)
}

// Marshal renders SPI, sequence, IV, ciphertext and trailing ICV.
func (e *ESPPacket) Marshal() []byte {
	b := make([]byte, 0, e.TransportLength())
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], e.SPI)
	binary.BigEndian.PutUint32(hdr[4:8], e.Seq)
	b = append(b, hdr[:]...)
	b = append(b, e.IV...)
	b = append(b, e.Ciphertext...)
	b = append(b, e.ICV...)
	return b
}

// Summary is a one-line description for packet formatters.
func (e *ESPPacket) Summary() string {
	return fmt.Sprintf("ESP spi 0x%08x seq %d len %d", e.SPI, e.Seq, len(e.Ciphertext))
}

// icvInput is the authenticated region: everything before the ICV itself.
func (e *ESPPacket) icvInput() []byte {
	full := e.Marshal()
	return full[:len(full)-len(e.ICV)]
}

// espEncapsulate wraps inner in a new ESP packet under sa. The inner
// packet's wire form is padded to the cipher block size, encrypted, and
// authenticated when the SA carries an auth key.
func espEncapsulate(sa *SAEntry, inner *ipv4.Packet) (*ESPPacket, error) {
	if len(sa.EncryptionKey) == 0 {
		return nil, fmt.Errorf("SA 0x%08x has no encryption key", sa.SPI)
	}
	plain := inner.Marshal()

	// PKCS-style pad so that payload+padlen+nextheader fills whole blocks.
	padLen := BlockSize - (len(plain)+2)%BlockSize
	if padLen == BlockSize {
		padLen = 0
	}
	trailer := make([]byte, padLen+2)
	for i := 0; i < padLen; i++ {
		trailer[i] = byte(i + 1)
	}
	trailer[padLen] = byte(padLen)
	trailer[padLen+1] = nextHeaderIPv4
	plain = append(plain, trailer...)

	seq := sa.nextSeq()
	iv := deriveIV(sa.EncryptionKey, seq)
	esp := &ESPPacket{
		SPI:        sa.SPI,
		Seq:        seq,
		IV:         iv,
		Ciphertext: xorCipher(sa.EncryptionKey, iv, plain),
	}
	if len(sa.AuthKey) > 0 {
		esp.ICV = keyedDigest(sa.AuthKey, esp.icvInput())
	}
	return esp, nil
}

// espDecapsulate authenticates and decrypts esp, returning the inner
// packet. Authentication failure, bad trailer or replay returns nil —
// the packet is dropped, not an error condition.
func espDecapsulate(sa *SAEntry, esp *ESPPacket) *ipv4.Packet {
	if len(sa.AuthKey) > 0 {
		want := keyedDigest(sa.AuthKey, esp.icvInput())
		if !digestsEqual(want, esp.ICV) {
			sa.AuthFailures++
			return nil
		}
	}
	if !sa.replayCheck(esp.Seq) {
		return nil
	}
	plain := xorCipher(sa.EncryptionKey, esp.IV, esp.Ciphertext)
	if len(plain) < 2 {
		return nil
	}
	nextHeader := plain[len(plain)-1]
	padLen := int(plain[len(plain)-2])
	if nextHeader != nextHeaderIPv4 || len(plain) < padLen+2 {
		return nil
	}
	plain = plain[:len(plain)-padLen-2]
	inner, err := ipv4.Unmarshal(plain)
	if err != nil {
		return nil
	}
	sa.PacketsVerified++
	return inner
}
