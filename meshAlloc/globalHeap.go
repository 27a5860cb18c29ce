package meshAlloc

import (
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// GlobalHeap is the central allocator object: it creates miniheaps on
// demand per size class, resolves pointers back to their owners, routes
// frees, runs the meshing scheduler, and exposes stats and control knobs.
//
// A process keeps one long-lived GlobalHeap and threads it through its
// front-ends by reference; there is no hidden package-level instance.
type GlobalHeap struct {
	MeshableArena

	cfg           Config
	maxObjectSize uintptr

	// geometric meshing countdown; the relevant free that takes it to
	// zero fires a pass (when meshing is enabled)
	nextMeshCheck int64
	meshPeriod    uint64

	bigheap bigHeap

	prng     *rand.Rand
	prngMu   sync.Mutex
	fastPrng mwc

	littleheaps [NumBins]binnedTracker

	locks heapLock

	metadata internalAlloc

	stats GlobalHeapStats

	stw WorldStopper

	// onMeshPass, when set, observes each meshing pass (pair count).
	onMeshPass atomic.Value // func(int)
}

// New builds a heap from cfg. The virtual arena is reserved up front;
// physical pages arrive as spans are used.
func New(cfg Config) (*GlobalHeap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	h := &GlobalHeap{
		cfg:           cfg,
		maxObjectSize: maxOf(NumBins - 1),
		meshPeriod:    cfg.MeshPeriod,
		prng:          newPolicyRand(),
		fastPrng:      newMWC(uint64(seedValue()), uint64(seedValue())),
		stw:           &WorldBarrier{},
	}
	if err := h.initArena(uintptr(cfg.ArenaBytes)); err != nil {
		return nil, err
	}
	h.bigheap.init(cfg.BigHeapReuse)
	for i := range h.littleheaps {
		h.littleheaps[i].init(h, i)
	}
	h.resetNextMeshCheck()
	return h, nil
}

// Close unmaps everything. Only for process teardown and tests; live
// pointers are invalid afterwards.
func (h *GlobalHeap) Close() error {
	h.Lock()
	defer h.Unlock()
	h.bigheap.releaseAll()
	return h.closeArena()
}

// World returns the stop-the-world barrier front-ends pin around direct
// heap memory access.
func (h *GlobalHeap) World() *WorldBarrier {
	if b, ok := h.stw.(*WorldBarrier); ok {
		return b
	}
	return nil
}

// SetWorldStopper swaps the suspension primitive. Call before the heap
// has mutators.
func (h *GlobalHeap) SetWorldStopper(s WorldStopper) { h.stw = s }

// SetMeshPassHook registers an observer for meshing passes.
func (h *GlobalHeap) SetMeshPassHook(fn func(pairs int)) { h.onMeshPass.Store(fn) }

// MaxObjectSize is the top size-class object size; anything bigger takes
// the big-object path.
func (h *GlobalHeap) MaxObjectSize() uintptr { return h.maxObjectSize }

// Stats exposes the counter block.
func (h *GlobalHeap) Stats() *GlobalHeapStats { return &h.stats }

// AllocMiniheap returns a miniheap of the exact class size, attached to
// the caller with its freelist populated. The front-end is expected to
// have rounded size up to a class size already.
func (h *GlobalHeap) AllocMiniheap(size uintptr) *MiniHeap {
	h.locks.mh.Lock()
	defer h.locks.mh.Unlock()

	assertf(size <= h.maxObjectSize, "allocMiniheap size %d over max %d", size, h.maxObjectSize)

	sizeClass := classOf(size)
	sizeMax := maxOf(sizeClass)
	assertf(size == sizeMax, "sz(%d) should equal class %d max %d", size, sizeClass, sizeMax)
	assert(sizeClass >= 0 && sizeClass < NumBins, "size class out of range")

	// check the bin for a miniheap to reuse
	if existing := h.littleheaps[sizeClass].selectForReuse(); existing != nil {
		h.reattach(existing)
		assert(existing.IsAttached(), "reused miniheap not attached")
		return existing
	}

	// a page worth of objects, but never fewer than MinStringLen: the
	// bigger classes get several pages so the global lock amortizes
	nObjects := objectsPerSpan(sizeMax)
	spanSize := pageCount(sizeMax*nObjects) * PageSize

	span := h.allocSpan(spanSize)
	if span == 0 {
		oom("arena span", nil)
	}

	mh := h.metadata.get()
	mh.initMiniheap(span, spanSize, sizeMax, uint32(nObjects), h.cfg.OccupancyCutoff)
	h.assoc(span, mh, pageCount(spanSize))
	h.trackMiniheapLocked(sizeClass, mh)
	h.stats.addMhAlloc()

	h.reattach(mh)
	return mh
}

// pinned runs fn as a heap-memory mutator under the world barrier, so
// it cannot overlap a stop-the-world callback. Callers already hold the
// structural lock (shared or exclusive); that order matches the meshing
// driver, which takes the structural lock before stopping the world.
func (h *GlobalHeap) pinned(fn func()) {
	if b, ok := h.stw.(*WorldBarrier); ok {
		b.Pin()
		defer b.Unpin()
	}
	fn()
}

// reattach populates mh's freelist under the PRNG mutex.
func (h *GlobalHeap) reattach(mh *MiniHeap) {
	h.prngMu.Lock()
	mh.Reattach(&h.fastPrng)
	h.prngMu.Unlock()
}

// Malloc services large allocations only; small sizes go through
// AllocMiniheap from the front-end.
func (h *GlobalHeap) Malloc(size uintptr) uintptr {
	sizeClass := classOf(size)
	sizeMax := maxOf(sizeClass)
	assertf(sizeMax > h.maxObjectSize, "malloc(%d) should have used a miniheap", size)

	h.locks.big.Lock()
	defer h.locks.big.Unlock()
	addr := h.bigheap.malloc(size)
	if addr == 0 {
		oom("big allocation", nil)
	}
	return addr
}

// MiniheapFor resolves ptr under the shared structural lock. On a hit the
// miniheap's refcount is bumped; the caller owes an Unref, usually paid by
// the tracker's postFree.
func (h *GlobalHeap) MiniheapFor(ptr uintptr) *MiniHeap {
	h.locks.mh.RLock()
	defer h.locks.mh.RUnlock()

	mh := h.lookup(ptr)
	if mh != nil {
		mh.Ref()
	}
	return mh
}

// Free returns ptr to its owner. Small pointers free their slot and
// notify the class tracker; a lookup miss routes to the big heap. Frees
// of a still-populated heap feed the meshing trigger.
func (h *GlobalHeap) Free(ptr uintptr) {
	mh := h.MiniheapFor(ptr)
	if mh == nil {
		h.locks.big.Lock()
		h.bigheap.free(ptr)
		h.locks.big.Unlock()
		return
	}

	sizeClass := classOf(mh.ObjectSize())

	// the slot free must not overlap a meshing pass: the bitmap flip
	// happens under the shared structural lock (the pass holds it
	// exclusively) and pinned against the world barrier, like any
	// other mutator of heap memory
	var shouldConsiderMesh, shouldFlush bool
	h.locks.mh.RLock()
	h.pinned(func() {
		mh.Free(ptr)
	})
	shouldConsiderMesh = !mh.IsEmpty()
	// postFree may queue the miniheap for release; it also pays the
	// Unref from MiniheapFor, so mh is off limits after this.
	shouldFlush = h.littleheaps[sizeClass].postFree(mh)
	mh = nil
	h.locks.mh.RUnlock()

	if shouldFlush {
		h.flushFreeMiniheaps(sizeClass)
	}

	if !shouldConsiderMesh {
		return
	}

	if h.shouldMesh() {
		h.MeshAllSizeClasses()
	}
}

// GetSize returns the allocation size of ptr, 0 for nil.
func (h *GlobalHeap) GetSize(ptr uintptr) uintptr {
	if ptr == 0 {
		return 0
	}
	if mh := h.MiniheapFor(ptr); mh != nil {
		size := mh.GetSize(ptr)
		mh.Unref()
		return size
	}
	h.locks.big.Lock()
	defer h.locks.big.Unlock()
	return h.bigheap.getSize(ptr)
}

// Lock freezes the whole heap, structural lock before big-heap mutex, for
// external fork/snapshot code.
func (h *GlobalHeap) Lock() { h.locks.lockAll() }

// Unlock releases Lock in reverse order.
func (h *GlobalHeap) Unlock() { h.locks.unlockAll() }

func (h *GlobalHeap) trackMiniheapLocked(sizeClass int, mh *MiniHeap) {
	h.littleheaps[sizeClass].add(mh)
}

func (h *GlobalHeap) untrackMiniheapLocked(sizeClass int, mh *MiniHeap) {
	h.littleheaps[sizeClass].remove(mh)
}

// FreeMiniheap returns all of mh's spans to the arena and destroys it.
func (h *GlobalHeap) FreeMiniheap(mh *MiniHeap, untrack bool) {
	h.locks.mh.Lock()
	defer h.locks.mh.Unlock()
	h.freeMiniheapLocked(mh, untrack)
}

func (h *GlobalHeap) freeMiniheapLocked(mh *MiniHeap, untrack bool) {
	spanSize := mh.SpanSize()
	for _, span := range mh.Spans() {
		h.freeSpan(span, spanSize)
	}
	h.freeMiniheapAfterMeshLocked(mh, untrack)
}

// freeMiniheapAfterMeshLocked destroys the miniheap object without
// touching its spans: after a merge they already belong to the
// destination. The record is poisoned on release.
func (h *GlobalHeap) freeMiniheapAfterMeshLocked(mh *MiniHeap, untrack bool) {
	if untrack {
		h.untrackMiniheapLocked(classOf(mh.ObjectSize()), mh)
	}
	h.stats.addMhFree()
	h.metadata.put(mh)
}

// flushFreeMiniheaps releases the class's queued empty miniheaps.
func (h *GlobalHeap) flushFreeMiniheaps(sizeClass int) {
	h.locks.mh.Lock()
	defer h.locks.mh.Unlock()
	h.flushFreeMiniheapsLocked(sizeClass)
}

func (h *GlobalHeap) flushFreeMiniheapsLocked(sizeClass int) {
	for _, mh := range h.littleheaps[sizeClass].drainFlushQueue() {
		// already out of the tracker, spans still need returning
		h.freeMiniheapLocked(mh, false)
	}
}

// GetAllocatedMiniheapCount reports the arena's allocated span count.
func (h *GlobalHeap) GetAllocatedMiniheapCount() uintptr {
	h.locks.mh.RLock()
	defer h.locks.mh.RUnlock()
	return h.allocatedSpanCount()
}

// DumpStrings logs every size class's occupancy map.
func (h *GlobalHeap) DumpStrings() {
	h.locks.mh.Lock()
	defer h.locks.mh.Unlock()
	for i := range h.littleheaps {
		h.littleheaps[i].printOccupancy()
	}
}

// OccupancyReport renders every size class's occupancy map as text, one
// line per miniheap.
func (h *GlobalHeap) OccupancyReport() string {
	h.locks.mh.Lock()
	defer h.locks.mh.Unlock()

	var sb strings.Builder
	for i := range h.littleheaps {
		h.littleheaps[i].writeOccupancy(&sb)
	}
	return sb.String()
}

// DumpStats logs the counter block and per-class summaries. level < 1 is
// a no-op.
func (h *GlobalHeap) DumpStats(level int, detailed bool) {
	if level < 1 {
		return
	}
	h.locks.mh.Lock()
	defer h.locks.mh.Unlock()

	glog.Infof("MESH COUNT:         %d", h.stats.MeshCount())
	glog.Infof("MH Alloc Count:     %d", h.stats.MhAllocCount())
	glog.Infof("MH Free  Count:     %d", h.stats.MhFreeCount())
	glog.Infof("MH High Water Mark: %d", h.stats.MhHighWaterMark())
	for i := range h.littleheaps {
		h.littleheaps[i].dumpStats(detailed)
	}
}

// StatsSnapshot assembles the control surface's view of the heap.
func (h *GlobalHeap) StatsSnapshot(withClasses bool) StatsSnapshot {
	h.locks.mh.RLock()
	defer h.locks.mh.RUnlock()

	snap := StatsSnapshot{
		MeshCount:       h.stats.MeshCount(),
		MhAllocCount:    h.stats.MhAllocCount(),
		MhFreeCount:     h.stats.MhFreeCount(),
		MhHighWaterMark: h.stats.MhHighWaterMark(),
		ActiveBytes:     h.activeBytesLocked(),
		AllocatedBytes:  h.allocatedBytesLocked(),
	}
	if rss, err := residentBytes(); err == nil {
		snap.ResidentBytes = rss
	}
	if withClasses {
		for i := range h.littleheaps {
			t := &h.littleheaps[i]
			nonEmpty := t.nonEmptyCount()
			if nonEmpty == 0 {
				continue
			}
			snap.Classes = append(snap.Classes, ClassStats{
				SizeClass:   i,
				ObjectSize:  t.objectSize(),
				ObjectCount: t.objectCount(),
				NonEmpty:    nonEmpty,
				Allocated:   t.allocatedObjectCount(),
			})
		}
	}
	return snap
}

// activeBytesLocked: big-heap arena bytes plus a full span's worth for
// every non-empty miniheap.
func (h *GlobalHeap) activeBytesLocked() uintptr {
	h.locks.big.Lock()
	sz := h.bigheap.arenaSize()
	h.locks.big.Unlock()
	for i := range h.littleheaps {
		t := &h.littleheaps[i]
		count := t.nonEmptyCount()
		if count == 0 {
			continue
		}
		sz += count * t.objectSize() * t.objectCount()
	}
	return sz
}

// allocatedBytesLocked: big-heap arena bytes plus live small objects.
func (h *GlobalHeap) allocatedBytesLocked() uintptr {
	h.locks.big.Lock()
	sz := h.bigheap.arenaSize()
	h.locks.big.Unlock()
	for i := range h.littleheaps {
		t := &h.littleheaps[i]
		if t.nonEmptyCount() == 0 {
			continue
		}
		sz += t.objectSize() * t.allocatedObjectCount()
	}
	return sz
}
