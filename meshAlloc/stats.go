package meshAlloc

import (
	"os"
	"sync/atomic"

	sigar "github.com/cloudfoundry/gosigar"
)

// GlobalHeapStats are monotonic counters except the high-water mark,
// which ratchets up with the live miniheap count.
type GlobalHeapStats struct {
	meshCount       uint64
	mhAllocCount    uint64
	mhFreeCount     uint64
	mhHighWaterMark uint64
}

func (s *GlobalHeapStats) MeshCount() uint64       { return atomic.LoadUint64(&s.meshCount) }
func (s *GlobalHeapStats) MhAllocCount() uint64    { return atomic.LoadUint64(&s.mhAllocCount) }
func (s *GlobalHeapStats) MhFreeCount() uint64     { return atomic.LoadUint64(&s.mhFreeCount) }
func (s *GlobalHeapStats) MhHighWaterMark() uint64 { return atomic.LoadUint64(&s.mhHighWaterMark) }

func (s *GlobalHeapStats) addMeshCount(n uint64) { atomic.AddUint64(&s.meshCount, n) }
func (s *GlobalHeapStats) addMhFree()            { atomic.AddUint64(&s.mhFreeCount, 1) }

// addMhAlloc bumps the alloc counter and ratchets the high-water mark of
// live miniheaps (allocs minus frees).
func (s *GlobalHeapStats) addMhAlloc() {
	alloc := atomic.AddUint64(&s.mhAllocCount, 1)
	live := alloc - atomic.LoadUint64(&s.mhFreeCount)
	for {
		hwm := atomic.LoadUint64(&s.mhHighWaterMark)
		if live <= hwm || atomic.CompareAndSwapUint64(&s.mhHighWaterMark, hwm, live) {
			return
		}
	}
}

// residentBytes queries the OS for the process resident-set size.
func residentBytes() (uintptr, error) {
	pm := sigar.ProcMem{}
	if err := pm.Get(os.Getpid()); err != nil {
		return 0, err
	}
	return uintptr(pm.Resident), nil
}

// ClassStats is the per-size-class slice of a stats snapshot.
type ClassStats struct {
	SizeClass   int     `json:"size_class"`
	ObjectSize  uintptr `json:"object_size"`
	ObjectCount uintptr `json:"object_count"`
	NonEmpty    uintptr `json:"non_empty"`
	Allocated   uintptr `json:"allocated"`
}

// StatsSnapshot is a point-in-time view of the heap, as served by the
// control surface.
type StatsSnapshot struct {
	MeshCount       uint64       `json:"mesh_count"`
	MhAllocCount    uint64       `json:"mh_alloc_count"`
	MhFreeCount     uint64       `json:"mh_free_count"`
	MhHighWaterMark uint64       `json:"mh_high_water_mark"`
	ActiveBytes     uintptr      `json:"active_bytes"`
	AllocatedBytes  uintptr      `json:"allocated_bytes"`
	ResidentBytes   uintptr      `json:"resident_bytes"`
	Classes         []ClassStats `json:"classes,omitempty"`
}
