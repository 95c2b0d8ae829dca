package tracker

import (
	"math/bits"

	"github.com/pagekit/hugeheap/heap/pages"
)

const (
	// numBits is the number of pages tracked per huge page.
	numBits = int(pages.PerHugePage)

	// bitWords is the number of 64-bit words in one bitmap.
	bitWords = numBits / 64
)

// pageBits is a fixed bitmap with one bit per page of a huge page.
type pageBits [bitWords]uint64

func (b *pageBits) get(i int) bool {
	return b[i>>6]&(1<<(uint(i)&63)) != 0
}

// setRange sets bits [i, i+n).
func (b *pageBits) setRange(i, n int) {
	for n > 0 {
		w, off := i>>6, i&63
		span := 64 - off
		if span > n {
			span = n
		}
		b[w] |= mask(off, span)
		i += span
		n -= span
	}
}

// clearRange clears bits [i, i+n).
func (b *pageBits) clearRange(i, n int) {
	for n > 0 {
		w, off := i>>6, i&63
		span := 64 - off
		if span > n {
			span = n
		}
		b[w] &^= mask(off, span)
		i += span
		n -= span
	}
}

// rangeIsClear reports whether every bit in [i, i+n) is zero.
func (b *pageBits) rangeIsClear(i, n int) bool {
	for n > 0 {
		w, off := i>>6, i&63
		span := 64 - off
		if span > n {
			span = n
		}
		if b[w]&mask(off, span) != 0 {
			return false
		}
		i += span
		n -= span
	}
	return true
}

// rangeIsSet reports whether every bit in [i, i+n) is one.
func (b *pageBits) rangeIsSet(i, n int) bool {
	for n > 0 {
		w, off := i>>6, i&63
		span := 64 - off
		if span > n {
			span = n
		}
		m := mask(off, span)
		if b[w]&m != m {
			return false
		}
		i += span
		n -= span
	}
	return true
}

// count returns the number of set bits.
func (b *pageBits) count() int {
	c := 0
	for _, w := range b {
		c += bits.OnesCount64(w)
	}
	return c
}

// countRange returns the number of set bits in [i, i+n).
func (b *pageBits) countRange(i, n int) int {
	c := 0
	for n > 0 {
		w, off := i>>6, i&63
		span := 64 - off
		if span > n {
			span = n
		}
		c += bits.OnesCount64(b[w] & mask(off, span))
		i += span
		n -= span
	}
	return c
}

// findRun returns the lowest offset where n consecutive bits are
// clear, starting at phase and stepping by align, or -1.
func (b *pageBits) findRun(n, align, phase int) int {
	for start := phase; start+n <= numBits; start += align {
		if b.rangeIsClear(start, n) {
			return start
		}
	}
	return -1
}

// setRuns calls yield for each maximal run of set bits, in ascending
// order. Returning false from yield stops the walk.
func (b *pageBits) setRuns(yield func(start, n int) bool) {
	i := 0
	for i < numBits {
		if !b.get(i) {
			i++
			continue
		}
		start := i
		for i < numBits && b.get(i) {
			i++
		}
		if !yield(start, i-start) {
			return
		}
	}
}

// mask returns a word with n bits set starting at off. n is in [1, 64]
// and off+n <= 64.
func mask(off, n int) uint64 {
	return (^uint64(0) >> (64 - uint(n))) << uint(off)
}
