package meshAlloc

// bigHeap services allocations larger than the top size class. Each block
// is its own page-rounded anonymous mapping, 16-byte aligned by the OS.
// Freed blocks are indexed in a size-keyed binary heap and reused
// first-fit before new pages are mapped. Guarded by the global heap's
// bigMutex.
type bigHeap struct {
	live  map[uintptr]*bigBlock
	freed map[uintptr]*bigBlock
	idx   blockHeap

	reuse      bool
	arenaBytes uintptr
	inUseBytes uintptr
}

type bigBlock struct {
	data   []byte
	addr   uintptr
	size   uintptr // requested size
	mapped uintptr // page-rounded mapping size
}

func (b *bigHeap) init(reuse bool) {
	b.live = make(map[uintptr]*bigBlock)
	b.freed = make(map[uintptr]*bigBlock)
	b.reuse = reuse
}

// malloc returns the address of a block of at least size bytes, 0 only if
// the OS refuses more memory.
func (b *bigHeap) malloc(size uintptr) uintptr {
	mapped := pageCount(size) * PageSize

	if b.reuse {
		if addr, ok := b.idx.popAtLeast(mapped); ok {
			blk := b.freed[addr]
			delete(b.freed, addr)
			blk.size = size
			b.live[addr] = blk
			b.inUseBytes += blk.mapped
			return addr
		}
	}

	data, err := mapAnon(mapped)
	if err != nil {
		return 0
	}
	blk := &bigBlock{
		data:   data,
		addr:   addrOf(data),
		size:   size,
		mapped: mapped,
	}
	b.live[blk.addr] = blk
	b.arenaBytes += mapped
	b.inUseBytes += mapped
	return blk.addr
}

// free releases a block. Unknown addresses trip the assertion: the free
// path only routes here after a miniheap lookup miss, so anything else is
// a foreign pointer.
func (b *bigHeap) free(addr uintptr) {
	blk, ok := b.live[addr]
	assertf(ok, "big free of unknown pointer %#x", addr)
	delete(b.live, addr)
	b.inUseBytes -= blk.mapped

	if b.reuse {
		b.freed[addr] = blk
		b.idx.insert(blk.mapped, addr)
		return
	}
	b.arenaBytes -= blk.mapped
	_ = unmapAnon(blk.data)
}

// getSize reports the requested size of a live block, 0 for unknown
// addresses.
func (b *bigHeap) getSize(addr uintptr) uintptr {
	if blk, ok := b.live[addr]; ok {
		return blk.size
	}
	return 0
}

// owns reports whether addr is a live big allocation.
func (b *bigHeap) owns(addr uintptr) bool {
	_, ok := b.live[addr]
	return ok
}

// arenaSize is the total bytes this heap has mapped and not returned.
func (b *bigHeap) arenaSize() uintptr { return b.arenaBytes }

func (b *bigHeap) releaseAll() {
	for _, blk := range b.live {
		_ = unmapAnon(blk.data)
	}
	for _, blk := range b.freed {
		_ = unmapAnon(blk.data)
	}
	b.live = map[uintptr]*bigBlock{}
	b.freed = map[uintptr]*bigBlock{}
	b.idx = blockHeap{}
	b.arenaBytes = 0
	b.inUseBytes = 0
}

func addrOf(data []byte) uintptr {
	return addrOfByte(&data[0])
}

// blockHeap is a max-heap of freed blocks keyed by mapped size, with the
// block address carried alongside. The biggest free block sits at the
// root, so one peek answers whether any block fits.
type blockHeap struct {
	sizes []uintptr
	addrs []uintptr
}

func (h *blockHeap) len() int { return len(h.sizes) }

func (h *blockHeap) insert(size, addr uintptr) {
	h.sizes = append(h.sizes, size)
	h.addrs = append(h.addrs, addr)
	h.up(len(h.sizes) - 1)
}

// popAtLeast removes and returns a block of at least need bytes. The root
// is the largest block, so a miss there is a miss everywhere.
func (h *blockHeap) popAtLeast(need uintptr) (uintptr, bool) {
	if len(h.sizes) == 0 || h.sizes[0] < need {
		return 0, false
	}
	addr := h.addrs[0]
	last := len(h.sizes) - 1
	h.swap(0, last)
	h.sizes = h.sizes[:last]
	h.addrs = h.addrs[:last]
	if last > 0 {
		h.down(0)
	}
	return addr, true
}

func (h *blockHeap) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if h.sizes[i] <= h.sizes[parent] {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *blockHeap) down(i int) {
	n := len(h.sizes)
	for {
		largest := i
		if l := 2*i + 1; l < n && h.sizes[l] > h.sizes[largest] {
			largest = l
		}
		if r := 2*i + 2; r < n && h.sizes[r] > h.sizes[largest] {
			largest = r
		}
		if largest == i {
			return
		}
		h.swap(i, largest)
		i = largest
	}
}

func (h *blockHeap) swap(i, j int) {
	h.sizes[i], h.sizes[j] = h.sizes[j], h.sizes[i]
	h.addrs[i], h.addrs[j] = h.addrs[j], h.addrs[i]
}
