package meshAlloc

import (
	"math/bits"
	"strings"
	"sync/atomic"
)

// bitmapWords is enough for the largest slot count a miniheap can have
// (PageSize/Alignment = 256 objects).
const bitmapWords = (PageSize / Alignment) / 64

// bitmap tracks the in-use slots of a miniheap. Bits are toggled with
// atomics so single-slot frees can run while the structural lock is only
// held shared; whole-bitmap reads (count, disjoint) are snapshots.
type bitmap struct {
	words [bitmapWords]uint64
	nbits uint32
}

func (b *bitmap) init(nbits uint32) {
	b.nbits = nbits
	for i := range b.words {
		b.words[i] = 0
	}
}

// tryToSet sets bit i and reports whether this call flipped it.
func (b *bitmap) tryToSet(i uint32) bool {
	w, mask := &b.words[i/64], uint64(1)<<(i%64)
	for {
		old := atomic.LoadUint64(w)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(w, old, old|mask) {
			return true
		}
	}
}

// unset clears bit i and reports whether this call flipped it.
func (b *bitmap) unset(i uint32) bool {
	w, mask := &b.words[i/64], uint64(1)<<(i%64)
	for {
		old := atomic.LoadUint64(w)
		if old&mask == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(w, old, old&^mask) {
			return true
		}
	}
}

func (b *bitmap) isSet(i uint32) bool {
	return atomic.LoadUint64(&b.words[i/64])&(uint64(1)<<(i%64)) != 0
}

func (b *bitmap) inUseCount() uint32 {
	var n int
	for i := range b.words {
		n += bits.OnesCount64(atomic.LoadUint64(&b.words[i]))
	}
	return uint32(n)
}

func (b *bitmap) isEmpty() bool {
	for i := range b.words {
		if atomic.LoadUint64(&b.words[i]) != 0 {
			return false
		}
	}
	return true
}

// disjoint reports whether no slot is live in both bitmaps. Two miniheaps
// whose bitmaps are disjoint can share a physical span.
func (b *bitmap) disjoint(other *bitmap) bool {
	for i := range b.words {
		if atomic.LoadUint64(&b.words[i])&atomic.LoadUint64(&other.words[i]) != 0 {
			return false
		}
	}
	return true
}

// forEachSet calls fn for every live slot index, low to high.
func (b *bitmap) forEachSet(fn func(i uint32)) {
	for w := range b.words {
		word := atomic.LoadUint64(&b.words[w])
		for word != 0 {
			bit := uint32(bits.TrailingZeros64(word))
			fn(uint32(w)*64 + bit)
			word &= word - 1
		}
	}
}

// occupancyString renders the bitmap as a 0/1 string, used by the
// occupancy dumps.
func (b *bitmap) occupancyString() string {
	var sb strings.Builder
	for i := uint32(0); i < b.nbits; i++ {
		if b.isSet(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
