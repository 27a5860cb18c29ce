package meshAlloc

import "sync"

// heapLock bundles the two heap-wide locks and pins their acquisition
// order: the structural read-write lock always comes before the big-heap
// mutex. Lock/Unlock freeze the whole heap for fork or snapshot code.
type heapLock struct {
	// mh guards all miniheap bookkeeping: the arena owner table, the
	// trackers, and per-miniheap structural state including mesh count.
	mh sync.RWMutex

	// big guards the big-object heap.
	big sync.Mutex
}

func (l *heapLock) lockAll() {
	l.mh.Lock()
	l.big.Lock()
}

func (l *heapLock) unlockAll() {
	l.big.Unlock()
	l.mh.Unlock()
}
