package meshAlloc

import (
	"math/rand"
	"sync/atomic"

	"github.com/golang/glog"
)

// The meshing scheduler. Frees of still-populated miniheaps tick a
// geometric countdown; when it hits zero a full meshing pass runs:
// flush empties, pair sparse same-class miniheaps with disjoint bitmaps,
// and merge each pair with the world stopped.

type mergePair struct {
	dst *MiniHeap
	src *MiniHeap
}

// mergeQueue holds the candidate pairs of one pass in arrival order.
type mergeQueue struct {
	pairs []mergePair
	head  int
}

func (q *mergeQueue) enqueue(p mergePair) { q.pairs = append(q.pairs, p) }

func (q *mergeQueue) dequeue() (mergePair, bool) {
	if q.head >= len(q.pairs) {
		return mergePair{}, false
	}
	p := q.pairs[q.head]
	q.head++
	return p, true
}

func (q *mergeQueue) size() int { return len(q.pairs) }

// resetNextMeshCheck reseeds the countdown uniformly in [1, meshPeriod].
// A period of 0 means do not mesh.
func (h *GlobalHeap) resetNextMeshCheck() {
	period := atomic.LoadUint64(&h.meshPeriod)
	if period == 0 {
		return
	}
	h.prngMu.Lock()
	next := 1 + h.prng.Int63n(int64(period))
	h.prngMu.Unlock()
	atomic.StoreInt64(&h.nextMeshCheck, next)
}

// shouldMesh ticks the countdown; true fires a pass and reseeds.
func (h *GlobalHeap) shouldMesh() bool {
	if atomic.LoadUint64(&h.meshPeriod) == 0 {
		return false
	}
	if atomic.AddInt64(&h.nextMeshCheck, -1) != 0 {
		return false
	}
	h.resetNextMeshCheck()
	return true
}

// setMeshPeriod installs a new period and reseeds the countdown.
func (h *GlobalHeap) setMeshPeriod(period uint64) {
	atomic.StoreUint64(&h.meshPeriod, period)
	h.resetNextMeshCheck()
}

func (h *GlobalHeap) getMeshPeriod() uint64 {
	return atomic.LoadUint64(&h.meshPeriod)
}

// MeshPeriod reads the current meshing period.
func (h *GlobalHeap) MeshPeriod() uint64 { return h.getMeshPeriod() }

// MeshAllSizeClasses runs one meshing pass across every size class. It
// holds the structural exclusive lock for the duration and stops the
// world around the merges themselves.
func (h *GlobalHeap) MeshAllSizeClasses() {
	h.locks.mh.Lock()
	defer h.locks.mh.Unlock()

	// first, clear out any free memory we might have
	for i := range h.littleheaps {
		h.flushFreeMiniheapsLocked(i)
	}

	var merge mergeQueue
	sink := func(a, b *MiniHeap) {
		if a.IsMeshingCandidate() && b.IsMeshingCandidate() {
			merge.enqueue(mergePair{dst: a, src: b})
		}
	}

	h.prngMu.Lock()
	for i := range h.littleheaps {
		simpleGreedySplitting(h.prng, &h.littleheaps[i], sink)
	}
	h.prngMu.Unlock()

	if merge.size() == 0 {
		return
	}

	h.stats.addMeshCount(uint64(merge.size()))
	if fn, ok := h.onMeshPass.Load().(func(int)); ok && fn != nil {
		fn(merge.size())
	}

	// the actual merging runs with the world stopped
	h.stw.StopTheWorld(func() {
		h.performMeshing(&merge)
	})
}

// performMeshing merges every queued pair. Runs on the scheduling thread
// with all other application threads suspended.
func (h *GlobalHeap) performMeshing(merge *mergeQueue) {
	for {
		p, ok := merge.dequeue()
		if !ok {
			return
		}
		// merge into the one with the larger mesh count to keep
		// ancestry chains short
		if p.dst.MeshCount() < p.src.MeshCount() {
			p.dst, p.src = p.src, p.dst
		}
		h.meshLocked(p.dst, p.src)
	}
}

// meshLocked folds src into dst: copy live objects, remap src's virtual
// spans onto dst's pages, refresh dst's tracker state, destroy src. A
// merge that would exceed the mesh cap is refused and both heaps survive.
func (h *GlobalHeap) meshLocked(dst, src *MiniHeap) {
	if dst.MeshCount()+src.MeshCount() > h.cfg.MaxMeshes {
		return
	}

	srcSpans := append([]uintptr(nil), src.Spans()...)
	spanSize := dst.SpanSize()
	dstSpanStart := dst.spanStart()

	dst.Consume(src)

	for _, span := range srcSpans {
		if err := h.mesh(dstSpanStart, span, spanSize); err != nil {
			glog.Errorf("meshAlloc: remap of span %#x failed: %v", span, err)
		}
		h.assoc(span, dst, pageCount(spanSize))
	}
	glog.V(2).Infof("meshAlloc: meshed %d spans into %#x (mesh count %d)",
		len(srcSpans), dstSpanStart, dst.MeshCount())

	// dst may be full now and no longer a meshing candidate; postFree
	// rebins it (and pays the ref we take here)
	dst.Ref()
	h.littleheaps[classOf(dst.ObjectSize())].postFree(dst)

	h.freeMiniheapAfterMeshLocked(src, true)
}

// meshSizeClass is the per-class entry point. No splitting method feeds
// it at present; meshAllSizeClasses drives all meshing.
func (h *GlobalHeap) meshSizeClass(sizeClass int) {
	h.locks.mh.Lock()
	defer h.locks.mh.Unlock()

	var merge mergeQueue
	if merge.size() == 0 {
		return
	}

	h.stats.addMeshCount(uint64(merge.size()))
	h.stw.StopTheWorld(func() {
		h.performMeshing(&merge)
	})
}

// simpleGreedySplitting partitions the class's candidates into two random
// halves and greedily pairs each left heap with the first right heap whose
// bitmap is disjoint.
func simpleGreedySplitting(rng *rand.Rand, t *binnedTracker, found func(a, b *MiniHeap)) {
	cands := t.meshingCandidates()
	if len(cands) < 2 {
		return
	}
	rng.Shuffle(len(cands), func(i, j int) {
		cands[i], cands[j] = cands[j], cands[i]
	})

	mid := len(cands) / 2
	left, right := cands[:mid], cands[mid:]

	for _, a := range left {
		for j, b := range right {
			if b == nil {
				continue
			}
			if a.bits.disjoint(&b.bits) {
				found(a, b)
				right[j] = nil
				break
			}
		}
	}
}
