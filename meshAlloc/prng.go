package meshAlloc

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"
)

// The heap owns two generators: a seeded math/rand source for policy
// choices (mesh period reseeding, candidate shuffling) and a small
// multiply-with-carry generator for hot-path draws (freelist order).

// seedValue draws 8 bytes from the system entropy source.
func seedValue() int64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		// entropy exhaustion is not a thing we can recover from here,
		// fall back to a fixed odd constant
		var fallback uint64 = 0x9e3779b97f4a7c15
		return int64(fallback)
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

func newPolicyRand() *rand.Rand {
	return rand.New(rand.NewSource(seedValue()))
}

// mwc is a two-lag multiply-with-carry generator. Cheap enough for the
// allocation path, not meant to be high quality.
type mwc struct {
	z uint64
	w uint64
}

func newMWC(seed1, seed2 uint64) mwc {
	if seed1 == 0 {
		seed1 = 362436069
	}
	if seed2 == 0 {
		seed2 = 521288629
	}
	return mwc{z: seed1, w: seed2}
}

func (m *mwc) next() uint64 {
	m.z = 36969*(m.z&0xffffffff) + m.z>>32
	m.w = 18000*(m.w&0xffffffff) + m.w>>32
	return m.z<<32 + (m.w & 0xffffffff)
}

// inRange draws uniformly-ish from [lo, hi].
func (m *mwc) inRange(lo, hi uint64) uint64 {
	if hi <= lo {
		return lo
	}
	return lo + m.next()%(hi-lo+1)
}
