// Package bitfield tracks per-piece completion. The layout matches the
// BitTorrent convention: MSB first, bit 0 of byte 0 is piece 0.
package bitfield

import (
	"encoding/hex"
	"math/bits"
)

type Bitfield []byte

// New returns a zeroed bitfield sized for numPieces.
func New(numPieces int) Bitfield {
	if numPieces <= 0 {
		return nil
	}
	return make(Bitfield, (numPieces+7)/8)
}

func (bf Bitfield) Has(index int) bool {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]&(1<<(7-index%8)) != 0
}

func (bf Bitfield) Set(index int) {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - index%8)
}

// Count returns the number of set bits.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		n += bits.OnesCount8(b)
	}
	return n
}

// AllSet reports whether every piece in [0, numPieces) is set.
func (bf Bitfield) AllSet(numPieces int) bool {
	for i := 0; i < numPieces; i++ {
		if !bf.Has(i) {
			return false
		}
	}
	return numPieces > 0
}

// Clone returns an independent copy.
func (bf Bitfield) Clone() Bitfield {
	if bf == nil {
		return nil
	}
	out := make(Bitfield, len(bf))
	copy(out, bf)
	return out
}

// Hex encodes the bitfield for the wire.
func (bf Bitfield) Hex() string {
	return hex.EncodeToString(bf)
}

// DecodeHex decodes a hex bitfield into one sized for numPieces. A
// shorter-than-expected string means "all remaining pieces incomplete",
// never an error: an empty bitfield may have been observed before metadata
// arrived. Excess trailing bytes are dropped.
func DecodeHex(s string, numPieces int) (Bitfield, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	bf := New(numPieces)
	copy(bf, raw)
	// Clear spare bits past numPieces so Count stays exact.
	if numPieces%8 != 0 && len(bf) > 0 {
		bf[len(bf)-1] &= ^byte(0) << (8 - numPieces%8)
	}
	return bf, nil
}
