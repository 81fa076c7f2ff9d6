// Package ipsec implements the simulated IPsec subsystem: ESP and AH
// tunnel encapsulation, a simplified IKE key-exchange state machine, and
// the SAD/SPD databases driving outbound and inbound processing.
//
// The cipher and integrity primitives here are pedagogical placeholders
// built on FNV hashing and XOR keystreams. They demonstrate packet layout
// and key handling, nothing more; swapping in real primitives (AES,
// HMAC-SHA-256) behind the same SAEntry interface is the intended path for
// anything beyond teaching.
package ipsec

import (
	"encoding/binary"
	"hash/fnv"
)

const (
	// ICVLen is the integrity check value length appended to ESP/AH.
	ICVLen = 12
	// BlockSize is the placeholder cipher's block size; ESP pads
	// plaintext to this boundary.
	BlockSize = 16
	// IVLen is the per-packet initialization vector length.
	IVLen = 8
)

// keyedDigest computes the placeholder ICV: FNV-64a over key and parts,
// chained three times to fill ICVLen bytes.
func keyedDigest(key []byte, parts ...[]byte) []byte {
	out := make([]byte, 0, ICVLen)
	prev := key
	for len(out) < ICVLen {
		h := fnv.New64a()
		h.Write(prev)
		h.Write(key)
		for _, p := range parts {
			h.Write(p)
		}
		sum := h.Sum(nil)
		out = append(out, sum...)
		prev = sum
	}
	return out[:ICVLen]
}

// digestsEqual compares ICVs without early exit.
func digestsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// keystream expands key and iv into n bytes of XOR pad.
func keystream(key, iv []byte, n int) []byte {
	out := make([]byte, 0, n+8)
	var counter uint64
	for len(out) < n {
		h := fnv.New64a()
		h.Write(key)
		h.Write(iv)
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], counter)
		h.Write(ctr[:])
		out = append(out, h.Sum(nil)...)
		counter++
	}
	return out[:n]
}

// xorCipher encrypts or decrypts data in place-free fashion; XOR is its
// own inverse.
func xorCipher(key, iv, data []byte) []byte {
	pad := keystream(key, iv, len(data))
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ pad[i]
	}
	return out
}

// deriveIV builds a deterministic per-packet IV from the SA key and
// sequence number.
func deriveIV(key []byte, seq uint32) []byte {
	h := fnv.New64a()
	h.Write(key)
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], seq)
	h.Write(s[:])
	return h.Sum(nil)[:IVLen]
}
