package meshctl

import (
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"meshCore/meshAlloc"
)

// statsEncoder caches the encoded form of the last stats snapshot. The
// counters change far less often than ops endpoints poll them, so most
// requests are served the cached bytes.
type statsEncoder struct {
	rw sync.RWMutex

	lastSig   uint64
	lastBytes []byte

	cacheHits   int64
	cacheMisses int64
}

func snapshotSig(s *meshAlloc.StatsSnapshot) uint64 {
	// enough to change whenever the heap did anything
	return s.MeshCount ^ s.MhAllocCount<<16 ^ s.MhFreeCount<<32 ^
		uint64(s.AllocatedBytes)<<1 ^ uint64(s.ActiveBytes)
}

func (e *statsEncoder) encode(s meshAlloc.StatsSnapshot) ([]byte, error) {
	sig := snapshotSig(&s)

	e.rw.RLock()
	if e.lastBytes != nil && e.lastSig == sig {
		data := e.lastBytes
		e.rw.RUnlock()
		atomic.AddInt64(&e.cacheHits, 1)
		return data, nil
	}
	e.rw.RUnlock()

	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&e.cacheMisses, 1)

	e.rw.Lock()
	e.lastSig = sig
	e.lastBytes = data
	e.rw.Unlock()
	return data, nil
}
