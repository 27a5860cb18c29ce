package meshAlloc

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ArenaBytes = 16 << 20
	cfg.MeshPeriod = 0
	return cfg
}

func newTestHeap(t *testing.T, mutate ...func(*Config)) *GlobalHeap {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestAllocFreeRoundTrip(t *testing.T) {
	h := newTestHeap(t)

	mh := h.AllocMiniheap(64)
	var addrs []uintptr
	for {
		addr, ok := mh.AllocSlot()
		if !ok {
			break
		}
		byteRange(addr, 64)[0] = byte(len(addrs))
		addrs = append(addrs, addr)
	}
	if len(addrs) != int(mh.ObjectCount()) {
		t.Fatalf("allocated %d objects, want %d", len(addrs), mh.ObjectCount())
	}
	for _, addr := range addrs {
		if got := h.GetSize(addr); got != 64 {
			t.Fatalf("GetSize(%#x) = %d, want 64", addr, got)
		}
	}

	mh.Detach()
	for _, addr := range addrs {
		h.Free(addr)
	}

	sizeClass := classOf(64)
	if n := h.littleheaps[sizeClass].nonEmptyCount(); n != 0 {
		t.Fatalf("nonEmptyCount = %d after freeing everything", n)
	}

	h.flushFreeMiniheaps(sizeClass)
	if n := h.Stats().MhFreeCount(); n != 1 {
		t.Fatalf("MhFreeCount = %d after flush, want 1", n)
	}
	if live := h.Stats().MhAllocCount() - h.Stats().MhFreeCount(); live != 0 {
		t.Fatalf("live miniheap count = %d, want 0", live)
	}

	// idempotent: a second flush with no intervening mutation is a no-op
	h.flushFreeMiniheaps(sizeClass)
	if n := h.Stats().MhFreeCount(); n != 1 {
		t.Fatalf("MhFreeCount = %d after second flush, want 1", n)
	}
}

func TestMiniheapReuse(t *testing.T) {
	h := newTestHeap(t)

	mh := h.AllocMiniheap(16)
	addr, ok := mh.AllocSlot()
	if !ok {
		t.Fatal("fresh miniheap has no free slot")
	}
	mh.Detach()
	h.Free(addr)

	again := h.AllocMiniheap(16)
	if again != mh {
		t.Fatal("expected the freed miniheap to be reused")
	}
	if n := h.Stats().MhAllocCount(); n != 1 {
		t.Fatalf("MhAllocCount = %d, want 1", n)
	}
	again.Detach()
}

func TestBigFallback(t *testing.T) {
	h := newTestHeap(t)

	addr := h.Malloc(1 << 20)
	if addr == 0 {
		t.Fatal("big malloc failed")
	}
	if mh := h.MiniheapFor(addr); mh != nil {
		mh.Unref()
		t.Fatal("big pointer resolved to a miniheap")
	}
	if got := h.GetSize(addr); got != 1<<20 {
		t.Fatalf("GetSize = %d, want %d", got, 1<<20)
	}
	byteRange(addr, 1<<20)[42] = 0x42
	h.Free(addr)
}

func TestMaxObjectSizeBoundary(t *testing.T) {
	h := newTestHeap(t)

	// the top class size still rides the small path
	mh := h.AllocMiniheap(MaxObjectSize)
	addr, ok := mh.AllocSlot()
	if !ok {
		t.Fatal("alloc slot failed")
	}
	if got := h.GetSize(addr); got != MaxObjectSize {
		t.Fatalf("GetSize = %d, want %d", got, MaxObjectSize)
	}
	mh.Detach()

	// one byte past the top class goes to the big heap
	big := h.Malloc(MaxObjectSize + 1)
	if mh := h.MiniheapFor(big); mh != nil {
		mh.Unref()
		t.Fatal("big allocation resolved to a miniheap")
	}
	h.Free(big)
}

func TestGetSizeNil(t *testing.T) {
	h := newTestHeap(t)
	if got := h.GetSize(0); got != 0 {
		t.Fatalf("GetSize(0) = %d, want 0", got)
	}
}

// buildDisjointPair returns two detached class-0 miniheaps, the first
// populated on even slots and the second on odd slots, each live byte
// stamped with a recognizable value.
func buildDisjointPair(t *testing.T, h *GlobalHeap) (*MiniHeap, *MiniHeap) {
	t.Helper()
	a := h.AllocMiniheap(16)
	b := h.AllocMiniheap(16)
	if a == b {
		t.Fatal("expected two distinct miniheaps")
	}
	n := a.ObjectCount()
	for i := uint32(0); i < n; i += 2 {
		a.bits.tryToSet(i)
		byteRange(a.spanStart()+uintptr(i)*16, 16)[0] = byte(i + 1)
	}
	for i := uint32(1); i < n; i += 2 {
		b.bits.tryToSet(i)
		byteRange(b.spanStart()+uintptr(i)*16, 16)[0] = byte(i + 1)
	}
	a.Detach()
	b.Detach()
	return a, b
}

func TestMeshTwoDisjointHeaps(t *testing.T) {
	h := newTestHeap(t)
	a, b := buildDisjointPair(t, h)

	aAddr := a.spanStart()          // slot 0, live in a
	bAddr := b.spanStart() + 1*16   // slot 1, live in b

	h.MeshAllSizeClasses()

	if n := h.Stats().MeshCount(); n != 1 {
		t.Fatalf("MeshCount = %d, want 1", n)
	}
	if n := h.Stats().MhFreeCount(); n != 1 {
		t.Fatalf("MhFreeCount = %d, want 1 (the merge victim)", n)
	}

	survivorA := h.MiniheapFor(aAddr)
	survivorB := h.MiniheapFor(bAddr)
	if survivorA == nil || survivorB == nil {
		t.Fatal("merged addresses no longer resolve")
	}
	if survivorA != survivorB {
		t.Fatal("both addresses should resolve to the one survivor")
	}
	if survivorA.MeshCount() != 2 {
		t.Fatalf("survivor MeshCount = %d, want 2", survivorA.MeshCount())
	}
	if got := survivorA.InUseCount(); got != survivorA.ObjectCount() {
		t.Fatalf("survivor live slots = %d, want full %d", got, survivorA.ObjectCount())
	}
	survivorA.Unref()
	survivorB.Unref()

	// every live byte still reads its last-written value through its
	// original address
	if got := byteRange(aAddr, 1)[0]; got != 1 {
		t.Fatalf("slot 0 via old A address = %#x, want 0x01", got)
	}
	if got := byteRange(bAddr, 1)[0]; got != 2 {
		t.Fatalf("slot 1 via old B address = %#x, want 0x02", got)
	}
	for i := uint32(0); i < survivorB.ObjectCount(); i++ {
		want := byte(i + 1)
		if got := byteRange(aAddr+uintptr(i)*16, 1)[0]; got != want {
			t.Fatalf("slot %d = %#x, want %#x", i, got, want)
		}
	}
}

func TestMeshRefusedOverMaxMeshes(t *testing.T) {
	h := newTestHeap(t, func(cfg *Config) { cfg.MaxMeshes = 1 })
	a, b := buildDisjointPair(t, h)

	aAddr := a.spanStart()
	bAddr := b.spanStart() + 1*16

	h.MeshAllSizeClasses()

	// the pair was queued (and counted) but the merge itself declined
	if n := h.Stats().MhFreeCount(); n != 0 {
		t.Fatalf("MhFreeCount = %d, want 0: both heaps must survive", n)
	}
	mhA := h.MiniheapFor(aAddr)
	mhB := h.MiniheapFor(bAddr)
	if mhA == nil || mhB == nil || mhA == mhB {
		t.Fatal("declined merge should leave two distinct owners")
	}
	if mhA.MeshCount() != 1 || mhB.MeshCount() != 1 {
		t.Fatal("declined merge should leave mesh counts at 1")
	}
	mhA.Unref()
	mhB.Unref()
}

func TestMeshPassSkipsEmptyCandidateSet(t *testing.T) {
	h := newTestHeap(t)

	stopped := false
	h.SetWorldStopper(worldStopperFunc(func(fn func()) {
		stopped = true
		fn()
	}))

	h.MeshAllSizeClasses()
	if stopped {
		t.Fatal("no candidates: the world should not have stopped")
	}
	if n := h.Stats().MeshCount(); n != 0 {
		t.Fatalf("MeshCount = %d, want 0", n)
	}
}

type worldStopperFunc func(fn func())

func (f worldStopperFunc) StopTheWorld(fn func()) { f(fn) }

func TestFreeBlocksDuringMeshPass(t *testing.T) {
	h := newTestHeap(t)
	a, _ := buildDisjointPair(t, h)
	freeAddr := a.spanStart() + 4*16 // slot 4, live in a

	freed := make(chan struct{})
	h.SetWorldStopper(worldStopperFunc(func(fn func()) {
		// a racing free of a candidate heap's live slot must not get
		// through while the merge callback runs
		go func() {
			h.Free(freeAddr)
			close(freed)
		}()
		select {
		case <-freed:
			t.Error("Free completed while the world was stopped")
		case <-time.After(50 * time.Millisecond):
		}
		fn()
	}))

	h.MeshAllSizeClasses()

	select {
	case <-freed:
	case <-time.After(2 * time.Second):
		t.Fatal("Free never completed after the pass")
	}

	// the free landed on the merge survivor through the old address
	survivor := h.MiniheapFor(freeAddr)
	if survivor == nil {
		t.Fatal("freed address no longer resolves")
	}
	if got := survivor.InUseCount(); got != survivor.ObjectCount()-1 {
		t.Fatalf("survivor live slots = %d, want %d", got, survivor.ObjectCount()-1)
	}
	survivor.Unref()
}

func TestSchedulerPeriod(t *testing.T) {
	h := newTestHeap(t)
	a, _ := buildDisjointPair(t, h)

	oldp := make([]byte, 8)
	newp := make([]byte, 8)
	binary.LittleEndian.PutUint64(newp, 1)
	if err := h.Mallctl("mesh.check_period", oldp, newp); err != nil {
		t.Fatalf("setting mesh.check_period: %v", err)
	}

	// free a slot of a still-populated heap; with period 1 this must
	// fire a pass, which meshes the disjoint pair
	h.Free(a.spanStart()) // slot 0 is live in a
	if n := h.Stats().MeshCount(); n != 1 {
		t.Fatalf("MeshCount = %d after triggered pass, want 1", n)
	}

	// period 0 disables the scheduler outright
	binary.LittleEndian.PutUint64(newp, 0)
	if err := h.Mallctl("mesh.check_period", oldp, newp); err != nil {
		t.Fatalf("clearing mesh.check_period: %v", err)
	}
	survivor := h.MiniheapFor(a.spanStart() + 2*16)
	if survivor == nil {
		t.Fatal("survivor lookup failed")
	}
	survivor.Unref()
	h.Free(a.spanStart() + 2*16)
	if n := h.Stats().MeshCount(); n != 1 {
		t.Fatalf("MeshCount = %d with meshing disabled, want still 1", n)
	}
}

func TestMallctlArgumentErrors(t *testing.T) {
	h := newTestHeap(t)

	if err := h.Mallctl("stats.resident", nil, nil); !errors.Is(err, ErrMallctlArg) {
		t.Fatalf("nil output buffer: err = %v, want ErrMallctlArg", err)
	}
	if err := h.Mallctl("stats.resident", make([]byte, 4), nil); !errors.Is(err, ErrMallctlArg) {
		t.Fatalf("short output buffer: err = %v, want ErrMallctlArg", err)
	}
	buf := make([]byte, 8)
	if err := h.Mallctl("mesh.check_period", buf, nil); !errors.Is(err, ErrMallctlArg) {
		t.Fatalf("write without input: err = %v, want ErrMallctlArg", err)
	}
	if err := h.Mallctl("no.such.knob", buf, nil); !errors.Is(err, ErrMallctlArg) {
		t.Fatalf("unknown name: err = %v, want ErrMallctlArg", err)
	}
	if err := h.Mallctl("arena", buf, nil); err != nil {
		t.Fatalf("reserved name should be accepted: %v", err)
	}
}

func TestMallctlStats(t *testing.T) {
	h := newTestHeap(t)
	buf := make([]byte, 8)

	if err := h.Mallctl("stats.resident", buf, nil); err != nil {
		t.Fatalf("stats.resident: %v", err)
	}
	if binary.LittleEndian.Uint64(buf) == 0 {
		t.Fatal("resident-set size should be nonzero")
	}

	mh := h.AllocMiniheap(16)
	if _, ok := mh.AllocSlot(); !ok {
		t.Fatal("alloc slot failed")
	}

	if err := h.Mallctl("stats.active", buf, nil); err != nil {
		t.Fatalf("stats.active: %v", err)
	}
	wantActive := uint64(16) * uint64(mh.ObjectCount())
	if got := binary.LittleEndian.Uint64(buf); got != wantActive {
		t.Fatalf("stats.active = %d, want %d", got, wantActive)
	}

	if err := h.Mallctl("stats.allocated", buf, nil); err != nil {
		t.Fatalf("stats.allocated: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf); got != 16 {
		t.Fatalf("stats.allocated = %d, want 16", got)
	}
	mh.Detach()
}

func TestLockBlocksPublicAPI(t *testing.T) {
	h := newTestHeap(t)
	h.Lock()

	done := make(chan struct{})
	go func() {
		_ = h.GetSize(0x1000)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("GetSize returned while the heap was frozen")
	case <-time.After(50 * time.Millisecond):
	}

	h.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("GetSize still blocked after Unlock")
	}
}

func TestHighWaterMark(t *testing.T) {
	h := newTestHeap(t)

	a := h.AllocMiniheap(16)
	b := h.AllocMiniheap(32)
	if hwm := h.Stats().MhHighWaterMark(); hwm != 2 {
		t.Fatalf("high water mark = %d, want 2", hwm)
	}

	a.Detach()
	b.Detach()
	h.FreeMiniheap(a, true)
	h.FreeMiniheap(b, true)

	_ = h.AllocMiniheap(16)
	if hwm := h.Stats().MhHighWaterMark(); hwm != 2 {
		t.Fatalf("high water mark = %d after shrink, want still 2", hwm)
	}
}

func TestStatsSnapshot(t *testing.T) {
	h := newTestHeap(t)

	mh := h.AllocMiniheap(16)
	if _, ok := mh.AllocSlot(); !ok {
		t.Fatal("alloc slot failed")
	}

	snap := h.StatsSnapshot(true)
	if snap.MhAllocCount != 1 {
		t.Fatalf("snapshot MhAllocCount = %d, want 1", snap.MhAllocCount)
	}
	if len(snap.Classes) != 1 || snap.Classes[0].SizeClass != 0 {
		t.Fatalf("snapshot classes = %+v, want class 0 only", snap.Classes)
	}
	if snap.Classes[0].Allocated != 1 {
		t.Fatalf("snapshot class allocated = %d, want 1", snap.Classes[0].Allocated)
	}
	mh.Detach()
}
