package meshAlloc

import (
	"fmt"

	"github.com/golang/glog"
)

// MeshableArena owns a contiguous memfd-backed virtual region, hands out
// page-aligned spans, keeps the page->miniheap owner table, and performs
// the page-level remap that meshing is built on. All bookkeeping here is
// guarded by the global heap's structural lock.
type MeshableArena struct {
	res *memReservation

	// bump frontier, in bytes from base
	nextOff uintptr

	// freed spans binned by page count, reused before the frontier grows
	freeSpans map[uintptr][]uintptr

	// one owner slot per page, the moral equivalent of heapArena.spans
	owners []*MiniHeap

	inUse arenaPages

	// one bit per span start page; its count is the allocated span count
	starts arenaPages
}

// arenaPages tracks which pages are handed out.
type arenaPages struct {
	words []uint64
	count uintptr
}

func (p *arenaPages) init(nPages uintptr) {
	p.words = make([]uint64, (nPages+63)/64)
	p.count = 0
}

func (p *arenaPages) set(i uintptr) {
	w, mask := i/64, uint64(1)<<(i%64)
	if p.words[w]&mask == 0 {
		p.words[w] |= mask
		p.count++
	}
}

func (p *arenaPages) clear(i uintptr) {
	w, mask := i/64, uint64(1)<<(i%64)
	if p.words[w]&mask != 0 {
		p.words[w] &^= mask
		p.count--
	}
}

func (p *arenaPages) inUseCount() uintptr { return p.count }

func (a *MeshableArena) initArena(bytes uintptr) error {
	if bytes%PageSize != 0 {
		return fmt.Errorf("meshAlloc: arena size %d not page aligned", bytes)
	}
	res, err := reserveMemfd("meshCore-arena", bytes)
	if err != nil {
		return err
	}
	a.res = res
	a.nextOff = 0
	a.freeSpans = make(map[uintptr][]uintptr)
	a.owners = make([]*MiniHeap, bytes/PageSize)
	a.inUse.init(bytes / PageSize)
	a.starts.init(bytes / PageSize)
	return nil
}

func (a *MeshableArena) closeArena() error {
	if a.res == nil {
		return nil
	}
	err := a.res.release()
	a.res = nil
	return err
}

func (a *MeshableArena) base() uintptr { return a.res.base }

// allocSpan returns the start address of a fresh span of the given byte
// length, reusing a freed span of the same page count when one exists.
// Returns 0 when the arena is exhausted.
func (a *MeshableArena) allocSpan(bytes uintptr) uintptr {
	nPages := pageCount(bytes)
	if free := a.freeSpans[nPages]; len(free) > 0 {
		span := free[len(free)-1]
		a.freeSpans[nPages] = free[:len(free)-1]
		a.markSpan(span, nPages)
		return span
	}
	spanBytes := nPages * PageSize
	if a.nextOff+spanBytes > a.res.size {
		return 0
	}
	span := a.res.base + a.nextOff
	a.nextOff += spanBytes
	a.markSpan(span, nPages)
	return span
}

func (a *MeshableArena) markSpan(span, nPages uintptr) {
	pi := (span - a.res.base) / PageSize
	for i := uintptr(0); i < nPages; i++ {
		a.inUse.set(pi + i)
	}
	a.starts.set(pi)
}

// freeSpan returns a span to the arena. The span's virtual range is
// restored to its own file offset first, so a span that was meshed away
// stops aliasing its old destination before anyone reuses it.
func (a *MeshableArena) freeSpan(span, bytes uintptr) {
	nPages := pageCount(bytes)
	if err := a.res.remapFixed(span, nPages*PageSize, span-a.res.base); err != nil {
		glog.Errorf("meshAlloc: resetting span mapping %#x: %v", span, err)
	}
	pi := (span - a.res.base) / PageSize
	for i := uintptr(0); i < nPages; i++ {
		a.owners[pi+i] = nil
		a.inUse.clear(pi + i)
	}
	a.starts.clear(pi)
	a.freeSpans[nPages] = append(a.freeSpans[nPages], span)
}

// assoc records mh as the owner of the span's pages.
func (a *MeshableArena) assoc(span uintptr, mh *MiniHeap, nPages uintptr) {
	pi := (span - a.res.base) / PageSize
	for i := uintptr(0); i < nPages; i++ {
		a.owners[pi+i] = mh
	}
}

// lookup resolves a pointer to its owning miniheap, nil when the pointer
// is not inside any span (the big-object case).
func (a *MeshableArena) lookup(ptr uintptr) *MiniHeap {
	if a.res == nil || ptr < a.res.base || ptr >= a.res.base+a.res.size {
		return nil
	}
	return a.owners[(ptr-a.res.base)/PageSize]
}

// mesh remaps srcSpan's virtual pages onto dstSpanStart's physical pages.
// After this call both virtual ranges read and write the same memory.
// Must run with the world stopped.
func (a *MeshableArena) mesh(dstSpanStart, srcSpan, spanBytes uintptr) error {
	return a.res.remapFixed(srcSpan, spanBytes, dstSpanStart-a.res.base)
}

// inUsePageCount returns how many arena pages are handed out.
func (a *MeshableArena) inUsePageCount() uintptr {
	return a.inUse.inUseCount()
}

// allocatedSpanCount returns how many spans are currently allocated.
func (a *MeshableArena) allocatedSpanCount() uintptr {
	return a.starts.inUseCount()
}
