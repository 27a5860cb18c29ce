package meshAlloc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// binnedTracker holds every miniheap of one size class. It answers reuse
// queries for the alloc path, takes post-free notifications, and keeps the
// flush queue of empty miniheaps that are waiting for bulk release.
//
// Membership changes (add/remove) happen under the heap's exclusive
// structural lock; postFree arrives under the shared lock, so the tracker
// carries its own small mutex around its slices.
type binnedTracker struct {
	heap      *GlobalHeap
	sizeClass int

	mu     sync.Mutex
	heaps  []*MiniHeap
	flushQ []*MiniHeap
}

func (t *binnedTracker) init(heap *GlobalHeap, sizeClass int) {
	t.heap = heap
	t.sizeClass = sizeClass
}

// objectSize is the fixed object size of this class.
func (t *binnedTracker) objectSize() uintptr { return maxOf(t.sizeClass) }

// objectCount is the slots-per-span count miniheaps of this class get.
func (t *binnedTracker) objectCount() uintptr { return objectsPerSpan(t.objectSize()) }

func (t *binnedTracker) add(mh *MiniHeap) {
	t.mu.Lock()
	t.heaps = append(t.heaps, mh)
	t.mu.Unlock()
}

func (t *binnedTracker) remove(mh *MiniHeap) {
	t.mu.Lock()
	t.heaps = removeMiniheap(t.heaps, mh)
	t.flushQ = removeMiniheap(t.flushQ, mh)
	t.mu.Unlock()
}

func removeMiniheap(list []*MiniHeap, mh *MiniHeap) []*MiniHeap {
	for i, h := range list {
		if h == mh {
			list[i] = list[len(list)-1]
			return list[:len(list)-1]
		}
	}
	return list
}

// selectForReuse returns an unattached heap with free slots, preferring
// partially filled ones over empties so sparse heaps stay mesh-able.
// A heap picked out of the flush queue is rescued from release.
func (t *binnedTracker) selectForReuse() *MiniHeap {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *MiniHeap
	var bestLive uint32
	for _, mh := range t.heaps {
		if mh.IsAttached() {
			continue
		}
		live := mh.InUseCount()
		if live >= mh.objectCount {
			continue
		}
		if live > 0 && (best == nil || live > bestLive || bestLive == 0) {
			best, bestLive = mh, live
			continue
		}
		if live == 0 && best == nil {
			best, bestLive = mh, 0
		}
	}
	if best != nil && bestLive == 0 {
		t.flushQ = removeMiniheap(t.flushQ, best)
	}
	return best
}

// postFree records that a slot of mh was freed and unrefs the lookup that
// led here. When mh went empty it joins the flush queue; the return value
// advises the caller to flush once the queue is long enough.
func (t *binnedTracker) postFree(mh *MiniHeap) bool {
	defer mh.Unref()

	if !mh.IsEmpty() || mh.IsAttached() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	queued := false
	for _, h := range t.flushQ {
		if h == mh {
			queued = true
			break
		}
	}
	if !queued {
		t.flushQ = append(t.flushQ, mh)
	}
	return len(t.flushQ) >= t.heap.cfg.FlushThreshold
}

// drainFlushQueue removes the queued empties from the tracker and hands
// them back; the caller owns releasing them under its locking regime.
// Heaps that picked up allocations since queueing are left alone.
func (t *binnedTracker) drainFlushQueue() []*MiniHeap {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*MiniHeap
	for _, mh := range t.flushQ {
		if !mh.IsEmpty() || mh.IsAttached() {
			continue
		}
		t.heaps = removeMiniheap(t.heaps, mh)
		out = append(out, mh)
	}
	t.flushQ = t.flushQ[:0]
	return out
}

// meshingCandidates snapshots the heaps currently eligible for meshing.
func (t *binnedTracker) meshingCandidates() []*MiniHeap {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*MiniHeap
	for _, mh := range t.heaps {
		if mh.IsMeshingCandidate() && !mh.IsEmpty() {
			out = append(out, mh)
		}
	}
	return out
}

// nonEmptyCount returns how many tracked heaps hold at least one object.
func (t *binnedTracker) nonEmptyCount() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n uintptr
	for _, mh := range t.heaps {
		if !mh.IsEmpty() {
			n++
		}
	}
	return n
}

// allocatedObjectCount sums the live slots across the class.
func (t *binnedTracker) allocatedObjectCount() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n uintptr
	for _, mh := range t.heaps {
		n += uintptr(mh.InUseCount())
	}
	return n
}

func (t *binnedTracker) printOccupancy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, mh := range t.heaps {
		glog.Infof("sc %d sz %d mesh %d: %s",
			t.sizeClass, mh.objectSize, mh.MeshCount(), mh.bits.occupancyString())
	}
}

// writeOccupancy renders the same lines printOccupancy logs.
func (t *binnedTracker) writeOccupancy(sb *strings.Builder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, mh := range t.heaps {
		fmt.Fprintf(sb, "sc %d sz %d mesh %d: %s\n",
			t.sizeClass, mh.objectSize, mh.MeshCount(), mh.bits.occupancyString())
	}
}

func (t *binnedTracker) dumpStats(detailed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.heaps) == 0 {
		return
	}
	var live uintptr
	for _, mh := range t.heaps {
		live += uintptr(mh.InUseCount())
	}
	glog.Infof("sc %4d (sz %5d): %d miniheaps, %d live objects",
		t.sizeClass, t.objectSize(), len(t.heaps), live)
	if detailed {
		for _, mh := range t.heaps {
			glog.Infof("  mh %2d/%d slots, mesh %d, attached %v",
				mh.InUseCount(), mh.objectCount, mh.MeshCount(), mh.IsAttached())
		}
	}
}
