package meshAlloc

import (
	"encoding/binary"
	"errors"
)

// ErrMallctlArg is returned for a missing or short buffer, a write
// without input, or an unknown control name. The heap is left untouched.
var ErrMallctlArg = errors.New("meshAlloc: bad mallctl argument")

const mallctlWordLen = 8

// Mallctl is the name/value control channel. Values travel as 8-byte
// little-endian words: reads land in oldp, writes are taken from newp.
//
//	mesh.check_period  read/write  current mesh period; writing reseeds
//	mesh.compact       trigger     one meshing pass, lock dropped across it
//	arena              reserved    accepted and ignored
//	stats.resident     read        process resident-set bytes
//	stats.active       read        big-heap bytes + a span's worth per non-empty miniheap
//	stats.allocated    read        big-heap bytes + live small object bytes
func (h *GlobalHeap) Mallctl(name string, oldp, newp []byte) error {
	h.locks.mh.RLock()
	defer h.locks.mh.RUnlock()

	if len(oldp) < mallctlWordLen {
		return ErrMallctlArg
	}

	switch name {
	case "mesh.check_period":
		binary.LittleEndian.PutUint64(oldp, h.getMeshPeriod())
		if len(newp) < mallctlWordLen {
			return ErrMallctlArg
		}
		h.setMeshPeriod(binary.LittleEndian.Uint64(newp))

	case "mesh.compact":
		h.locks.mh.RUnlock()
		h.MeshAllSizeClasses()
		h.locks.mh.RLock()

	case "arena":
		// reserved

	case "stats.resident":
		rss, err := residentBytes()
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(oldp, uint64(rss))

	case "stats.active":
		binary.LittleEndian.PutUint64(oldp, uint64(h.activeBytesLocked()))

	case "stats.allocated":
		binary.LittleEndian.PutUint64(oldp, uint64(h.allocatedBytesLocked()))

	default:
		return ErrMallctlArg
	}
	return nil
}
