// Package bitmap implements the fixed-length bit vectors that track free
// inodes and free data blocks. Bit i lives in byte i/8 at position i%8,
// least significant bit first, which is also the on-disk layout.
package bitmap

import (
	"fmt"
	"math/bits"
)

const NO_BIT = -1

type Bitmap struct {
	bits []byte
}

// New returns a bitmap of nbytes bytes, all bits clear.
func New(nbytes int) *Bitmap {
	return &Bitmap{make([]byte, nbytes)}
}

// FromBytes wraps data without copying it.
func FromBytes(data []byte) *Bitmap {
	return &Bitmap{data}
}

func (b *Bitmap) Bytes() []byte { return b.bits }

// Len is the number of bits in the vector.
func (b *Bitmap) Len() int { return len(b.bits) * 8 }

func (b *Bitmap) Test(idx int) bool {
	return b.bits[idx/8]&(1<<(idx%8)) != 0
}

func (b *Bitmap) Set(idx int, v bool) {
	if v {
		b.bits[idx/8] |= 1 << (idx % 8)
	} else {
		b.bits[idx/8] &^= 1 << (idx % 8)
	}
}

// Scan looks for cnt consecutive clear bits, scanning from bit 0, and
// returns the index of the first one or NO_BIT.
func (b *Bitmap) Scan(cnt int) int {
	if cnt <= 0 {
		return NO_BIT
	}

	// Skip the leading run of full bytes
	idx := 0
	for idx < len(b.bits) && b.bits[idx] == 0xff {
		idx++
	}
	if idx == len(b.bits) {
		return NO_BIT
	}

	start := idx*8 + bits.TrailingZeros8(^b.bits[idx])
	total := b.Len()
	run := 0
	for i := start; i < total; i++ {
		if b.Test(i) {
			run = 0
			continue
		}
		run++
		if run == cnt {
			return i - cnt + 1
		}
	}
	return NO_BIT
}

// Alloc finds one clear bit, sets it and returns its index, or NO_BIT if
// the vector is full.
func (b *Bitmap) Alloc() int {
	idx := b.Scan(1)
	if idx != NO_BIT {
		b.Set(idx, true)
	}
	return idx
}

// Free clears a bit that must currently be set.
func (b *Bitmap) Free(idx int) {
	if idx < 0 || idx >= b.Len() {
		panic(fmt.Sprintf("bitmap: bit %d out of range", idx))
	}
	if !b.Test(idx) {
		panic(fmt.Sprintf("bitmap: tried to free unused bit %d", idx))
	}
	b.Set(idx, false)
}

// CountFree returns the number of clear bits among the first n.
func (b *Bitmap) CountFree(n int) int {
	if n > b.Len() {
		n = b.Len()
	}
	used := 0
	for i := 0; i < n/8; i++ {
		used += bits.OnesCount8(b.bits[i])
	}
	for i := n / 8 * 8; i < n; i++ {
		if b.Test(i) {
			used++
		}
	}
	return n - used
}

// Sector returns the index of the sector holding bit idx, together with
// the sector-sized slice of the vector that must be written back after
// that bit changes.
func (b *Bitmap) Sector(idx, sectorSize int) (int, []byte) {
	sec := idx / (8 * sectorSize)
	off := sec * sectorSize
	end := off + sectorSize
	if end > len(b.bits) {
		end = len(b.bits)
	}
	return sec, b.bits[off:end]
}
