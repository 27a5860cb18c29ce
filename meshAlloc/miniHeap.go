package meshAlloc

import "sync/atomic"

// A MiniHeap owns one or more equal-length spans and a bitmap of live
// slots. It belongs to exactly one size class for its whole life. After
// meshing it serves several virtual spans (meshCount > 1) that all alias
// the same physical pages; spans[0] stays the canonical one backing the
// slot arithmetic.
type MiniHeap struct {
	spans       []uintptr
	spanSize    uintptr
	objectSize  uintptr
	objectCount uint32

	bits bitmap

	refcount int32
	attached uint32

	// freelist is only touched by the attached front-end, which owns
	// exclusive fast-path access while the attached bit is set.
	freelist []uint32

	// occupancyCutoff is the meshing-candidate threshold the owning heap
	// was configured with.
	occupancyCutoff float64

	dead bool
}

func (mh *MiniHeap) initMiniheap(span, spanSize, objectSize uintptr, objectCount uint32, cutoff float64) {
	mh.spans = append(mh.spans[:0], span)
	mh.spanSize = spanSize
	mh.objectSize = objectSize
	mh.objectCount = objectCount
	mh.occupancyCutoff = cutoff
	mh.bits.init(objectCount)
	mh.refcount = 0
	mh.attached = 0
	mh.freelist = nil
	mh.dead = false
}

func (mh *MiniHeap) poison() {
	mh.dead = true
	mh.spans = nil
	mh.spanSize = mhPoison
	mh.objectSize = mhPoison
	mh.objectCount = mhPoison
	mh.freelist = nil
}

// ObjectSize returns the fixed object size of this heap's class.
func (mh *MiniHeap) ObjectSize() uintptr { return mh.objectSize }

// ObjectCount returns the number of slots per span.
func (mh *MiniHeap) ObjectCount() uint32 { return mh.objectCount }

// SpanSize returns the byte length of each span.
func (mh *MiniHeap) SpanSize() uintptr { return mh.spanSize }

// MeshCount is the number of virtual spans this heap currently serves.
func (mh *MiniHeap) MeshCount() int { return len(mh.spans) }

// Spans returns the heap's virtual span starts. spans[0] is canonical.
func (mh *MiniHeap) Spans() []uintptr { return mh.spans }

func (mh *MiniHeap) spanStart() uintptr { return mh.spans[0] }

// InUseCount returns the number of live slots.
func (mh *MiniHeap) InUseCount() uint32 { return mh.bits.inUseCount() }

// IsEmpty is true iff no slot is live.
func (mh *MiniHeap) IsEmpty() bool { return mh.bits.isEmpty() }

func (mh *MiniHeap) fullness() float64 {
	return float64(mh.bits.inUseCount()) / float64(mh.objectCount)
}

// IsAttached reports whether a front-end owns this heap's freelist.
func (mh *MiniHeap) IsAttached() bool { return atomic.LoadUint32(&mh.attached) != 0 }

// IsMeshingCandidate is true iff the heap is unattached and its occupancy
// is below the cutoff.
func (mh *MiniHeap) IsMeshingCandidate() bool {
	return !mh.dead && !mh.IsAttached() && mh.fullness() < mh.occupancyCutoff
}

// Ref/Unref track lookups through miniheapFor. The tracker's postFree is
// the usual unref point; everything else unrefs explicitly.
func (mh *MiniHeap) Ref()   { atomic.AddInt32(&mh.refcount, 1) }
func (mh *MiniHeap) Unref() { atomic.AddInt32(&mh.refcount, -1) }

func (mh *MiniHeap) refCount() int32 { return atomic.LoadInt32(&mh.refcount) }

// Reattach hands the heap to a front-end: rebuild the freelist from the
// free slots in randomized order and set the attached bit. The fast PRNG
// shuffles; this runs on the allocation path.
func (mh *MiniHeap) Reattach(fast *mwc) {
	assert(!mh.dead, "reattach of dead miniheap")
	assert(!mh.IsAttached(), "reattach of attached miniheap")
	mh.freelist = mh.freelist[:0]
	for i := uint32(0); i < mh.objectCount; i++ {
		if !mh.bits.isSet(i) {
			mh.freelist = append(mh.freelist, i)
		}
	}
	for i := len(mh.freelist) - 1; i > 0; i-- {
		j := int(fast.inRange(0, uint64(i)))
		mh.freelist[i], mh.freelist[j] = mh.freelist[j], mh.freelist[i]
	}
	atomic.StoreUint32(&mh.attached, 1)
}

// Detach releases the front-end's claim. The freelist is dropped; a later
// Reattach rebuilds it from the bitmap.
func (mh *MiniHeap) Detach() {
	mh.freelist = mh.freelist[:0]
	atomic.StoreUint32(&mh.attached, 0)
}

// AllocSlot pops a free slot and returns its address. Only the attached
// front-end may call this. ok is false when the freelist is exhausted.
func (mh *MiniHeap) AllocSlot() (addr uintptr, ok bool) {
	assert(mh.IsAttached(), "alloc slot on unattached miniheap")
	n := len(mh.freelist)
	if n == 0 {
		return 0, false
	}
	idx := mh.freelist[n-1]
	mh.freelist = mh.freelist[:n-1]
	set := mh.bits.tryToSet(idx)
	assertf(set, "freelist slot %d already live", idx)
	return mh.spanStart() + uintptr(idx)*mh.objectSize, true
}

// contains reports whether ptr falls inside any of the heap's spans.
func (mh *MiniHeap) contains(ptr uintptr) bool {
	for _, s := range mh.spans {
		if ptr >= s && ptr < s+mh.spanSize {
			return true
		}
	}
	return false
}

// slotOf translates a pointer in any span to its slot index.
func (mh *MiniHeap) slotOf(ptr uintptr) (uint32, bool) {
	for _, s := range mh.spans {
		if ptr >= s && ptr < s+mh.spanSize {
			return uint32((ptr - s) / mh.objectSize), true
		}
	}
	return 0, false
}

// Free releases the slot holding ptr. Safe under the shared structural
// lock; the bitmap bit flips atomically.
func (mh *MiniHeap) Free(ptr uintptr) {
	idx, ok := mh.slotOf(ptr)
	assertf(ok, "free of %#x outside miniheap spans", ptr)
	cleared := mh.bits.unset(idx)
	assertf(cleared, "double free of %#x (slot %d)", ptr, idx)
}

// GetSize returns the object size for any pointer owned by this heap.
func (mh *MiniHeap) GetSize(ptr uintptr) uintptr {
	assertf(mh.contains(ptr), "getSize of %#x outside miniheap spans", ptr)
	return mh.objectSize
}

// Consume merges src into mh: every live object is copied into the same
// slot of mh's canonical span, src's bitmap folds into mh's, and src's
// virtual spans transfer over. Must run with the world stopped; the
// remapping that makes src's old addresses read through to mh happens in
// the arena afterwards.
func (mh *MiniHeap) Consume(src *MiniHeap) {
	assert(mh.objectSize == src.objectSize, "consume across size classes")
	assert(mh.spanSize == src.spanSize, "consume across span sizes")
	dstBase := mh.spanStart()
	srcBase := src.spanStart()
	src.bits.forEachSet(func(i uint32) {
		taken := mh.bits.tryToSet(i)
		assertf(taken, "consume: slot %d live in both heaps", i)
		off := uintptr(i) * mh.objectSize
		memmoveRange(dstBase+off, srcBase+off, mh.objectSize)
	})
	mh.spans = append(mh.spans, src.spans...)
}
