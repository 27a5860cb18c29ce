package meshAlloc

import "testing"

func TestMiniheapAllocSlotCycle(t *testing.T) {
	h := newTestHeap(t)

	mh := h.AllocMiniheap(128)
	if !mh.IsAttached() {
		t.Fatal("fresh miniheap should be attached")
	}
	if mh.ObjectSize() != 128 {
		t.Fatalf("objectSize = %d, want 128", mh.ObjectSize())
	}
	if mh.MeshCount() != 1 {
		t.Fatalf("meshCount = %d, want 1", mh.MeshCount())
	}

	seen := make(map[uintptr]bool)
	for i := uint32(0); i < mh.ObjectCount(); i++ {
		addr, ok := mh.AllocSlot()
		if !ok {
			t.Fatalf("slot %d: freelist exhausted early", i)
		}
		if seen[addr] {
			t.Fatalf("slot address %#x handed out twice", addr)
		}
		if (addr-mh.spanStart())%128 != 0 {
			t.Fatalf("slot address %#x not slot aligned", addr)
		}
		seen[addr] = true
	}
	if _, ok := mh.AllocSlot(); ok {
		t.Fatal("full miniheap still hands out slots")
	}
	// full and attached: never a candidate
	if mh.IsMeshingCandidate() {
		t.Fatal("full attached miniheap must not be a meshing candidate")
	}
	mh.Detach()
}

func TestMiniheapReattachSkipsLiveSlots(t *testing.T) {
	h := newTestHeap(t)

	mh := h.AllocMiniheap(256)
	addr, _ := mh.AllocSlot()
	mh.Detach()

	h.reattach(mh)
	for {
		next, ok := mh.AllocSlot()
		if !ok {
			break
		}
		if next == addr {
			t.Fatalf("reattach handed out the live slot %#x", addr)
		}
	}
	mh.Detach()
}

func TestMiniheapFreeMakesSlotReusable(t *testing.T) {
	h := newTestHeap(t)

	mh := h.AllocMiniheap(512)
	addr, _ := mh.AllocSlot()
	if mh.IsEmpty() {
		t.Fatal("miniheap with a live slot reports empty")
	}
	mh.Free(addr)
	if !mh.IsEmpty() {
		t.Fatal("miniheap should be empty after the free")
	}
}

func TestInternalAllocPoisonsAndReuses(t *testing.T) {
	var ia internalAlloc

	mh := ia.get()
	mh.spans = append(mh.spans, 0xdead0000)
	ia.put(mh)
	if !mh.dead {
		t.Fatal("released record should be poisoned")
	}
	if mh.spans != nil {
		t.Fatal("poisoned record still holds spans")
	}

	again := ia.get()
	if again != mh {
		t.Fatal("free list should recycle the record")
	}
	if again.dead || again.spanSize != 0 {
		t.Fatal("recycled record was not reset")
	}
}
