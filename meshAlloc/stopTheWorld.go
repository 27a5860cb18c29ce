package meshAlloc

import "sync"

// Meshing rewrites the virtual-to-physical mapping of pages that may hold
// live user data, so no other thread may touch user heap memory while it
// runs. The original facility for this is OS-level thread suspension; the
// portable substitute here is a safepoint barrier: front-ends pin the
// barrier (shared side) around direct heap-memory access, and the meshing
// driver takes the exclusive side for the duration of the callback.

// WorldStopper runs fn with every other heap mutator suspended.
type WorldStopper interface {
	StopTheWorld(fn func())
}

// WorldBarrier is the default WorldStopper. Every mutator of heap
// memory holds Pin/Unpin around the access: the global heap's own free
// path pins while it flips the slot bitmap, and front-ends pin around
// direct reads and writes of allocator-owned memory. A pinned section
// never blocks on another pinned section, only on a stop in progress.
//
// Lock order: the structural lock is always taken before the barrier.
// A pinned goroutine must not call back into the heap: the meshing
// driver holds the structural lock while it waits for pins to drain.
type WorldBarrier struct {
	mu sync.RWMutex
}

// Pin marks the calling goroutine as actively accessing heap memory.
func (b *WorldBarrier) Pin() { b.mu.RLock() }

// Unpin releases the Pin.
func (b *WorldBarrier) Unpin() { b.mu.RUnlock() }

// StopTheWorld waits for every pinned section to drain, runs fn alone,
// then lets mutators resume. Not interruptible once started.
func (b *WorldBarrier) StopTheWorld(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}
